package rewardpool

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNotYetInitiated       = errors.New("rewardpool: staking not yet initiated")
	ErrRoundClosed           = errors.New("rewardpool: round not accepting principal")
	ErrRoundFinished         = errors.New("rewardpool: round finished")
	ErrRoundOpen             = errors.New("rewardpool: round still open")
	ErrInvalidAmount         = errors.New("rewardpool: invalid amount")
	ErrInsufficientPrincipal = errors.New("rewardpool: insufficient principal")
	ErrZeroReward            = errors.New("rewardpool: no reward to claim")
	ErrUnauthorized          = errors.New("rewardpool: caller not authorized")
	ErrTransferFailed        = errors.New("rewardpool: asset transfer failed")
	ErrArithmeticOverflow    = errors.New("rewardpool: arithmetic overflow")
	ErrPersistence           = errors.New("rewardpool: persist state")
	ErrRolesNotConfigured    = errors.New("rewardpool: roles not configured")

	errNilEngine = errors.New("rewardpool: engine not configured")
)

// InsufficientPrincipalError reports a withdrawal larger than the participant's
// principal. It matches ErrInsufficientPrincipal with errors.Is.
type InsufficientPrincipalError struct {
	Requested *big.Int
	Available *big.Int
}

func (e *InsufficientPrincipalError) Error() string {
	return fmt.Sprintf("rewardpool: insufficient principal: requested %s, available %s",
		amountString(e.Requested), amountString(e.Available))
}

// Is lets callers match the sentinel.
func (e *InsufficientPrincipalError) Is(target error) bool {
	return target == ErrInsufficientPrincipal
}

func transferFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransferFailed, op, err)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
