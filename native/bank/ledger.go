package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"stakepool/core/state"
	"stakepool/crypto"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrSupplyOverflow      = errors.New("bank: supply exceeds 256 bits")
	errNilLedger           = errors.New("bank: ledger not configured")
)

// Ledger tracks balances of a single denomination. Every mutation is applied
// as one batch so a transfer never debits without crediting.
type Ledger struct {
	mu       sync.Mutex
	denom    string
	balances *state.Balances
}

// NewLedger binds a ledger for denom to the balance store.
func NewLedger(denom string, balances *state.Balances) (*Ledger, error) {
	if balances == nil {
		return nil, errNilLedger
	}
	if denom == "" {
		return nil, fmt.Errorf("bank: denomination required")
	}
	return &Ledger{denom: denom, balances: balances}, nil
}

func (l *Ledger) Denom() string { return l.denom }

func positive(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrSupplyOverflow
	}
	return value, nil
}

func (l *Ledger) load(addr crypto.Address) (*uint256.Int, error) {
	current, err := l.balances.Balance(l.denom, addr)
	if err != nil {
		return nil, err
	}
	value, overflow := uint256.FromBig(current)
	if overflow {
		return nil, ErrSupplyOverflow
	}
	return value, nil
}

// Mint credits freshly issued units to addr.
func (l *Ledger) Mint(to crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	value, err := positive(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	supply, err := l.balances.Supply(l.denom)
	if err != nil {
		return err
	}
	total, overflow := uint256.FromBig(supply)
	if overflow {
		return ErrSupplyOverflow
	}
	if _, overflow := total.AddOverflow(total, value); overflow {
		return ErrSupplyOverflow
	}
	balance, err := l.load(to)
	if err != nil {
		return err
	}
	balance.Add(balance, value)
	return l.balances.Commit(l.denom, total.ToBig(), state.BalanceUpdate{Address: to, Amount: balance.ToBig()})
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilLedger
	}
	value, err := positive(amount)
	if err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("bank: transfer requires both accounts")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := l.load(from)
	if err != nil {
		return err
	}
	if src.Lt(value) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, src.Dec(), l.denom, value.Dec())
	}
	if from.Equal(to) {
		return nil
	}
	dst, err := l.load(to)
	if err != nil {
		return err
	}
	src.Sub(src, value)
	// Supply is capped at 2^256-1, so a credit cannot overflow.
	dst.Add(dst, value)
	return l.balances.Commit(l.denom, nil,
		state.BalanceUpdate{Address: from, Amount: src.ToBig()},
		state.BalanceUpdate{Address: to, Amount: dst.ToBig()},
	)
}

func (l *Ledger) BalanceOf(addr crypto.Address) (*big.Int, error) {
	if l == nil {
		return nil, errNilLedger
	}
	return l.balances.Balance(l.denom, addr)
}

func (l *Ledger) Supply() (*big.Int, error) {
	if l == nil {
		return nil, errNilLedger
	}
	return l.balances.Supply(l.denom)
}

// Custody returns an asset mover that settles against the pool account.
func (l *Ledger) Custody(pool crypto.Address) *CustodyMover {
	return &CustodyMover{ledger: l, pool: pool}
}

// CustodyMover moves one denomination between participants and the pool
// custody account.
type CustodyMover struct {
	ledger *Ledger
	pool   crypto.Address
}

func (m *CustodyMover) TransferIn(ctx context.Context, from crypto.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.ledger.Transfer(from, m.pool, amount)
}

func (m *CustodyMover) TransferOut(ctx context.Context, to crypto.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.ledger.Transfer(m.pool, to, amount)
}

func (m *CustodyMover) BalanceOf(ctx context.Context, holder crypto.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.ledger.BalanceOf(holder)
}
