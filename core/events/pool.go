package events

import (
	"math/big"
	"strconv"

	"stakepool/core/types"
	"stakepool/crypto"
)

const (
	// TypeStakeRecorded captures principal added to the pool.
	TypeStakeRecorded = "pool.stakeRecorded"
	// TypeWithdrawRecorded captures principal released from the pool.
	TypeWithdrawRecorded = "pool.withdrawRecorded"
	// TypeClaimRecorded captures a reward payout.
	TypeClaimRecorded = "pool.claimRecorded"
	// TypeRoundOpened is emitted when the administrator opens the round.
	TypeRoundOpened = "pool.roundOpened"
	// TypeRoundClosed is emitted when the round is terminated.
	TypeRoundClosed = "pool.roundClosed"
	// TypeRoundExtended is emitted when the round window and rate are renewed.
	TypeRoundExtended = "pool.roundExtended"
	// TypeEmergencyToggled is emitted when emergency mode changes.
	TypeEmergencyToggled = "pool.emergencyToggled"
	// TypeNextRoundFunded is emitted when reward is pre-funded for a later round.
	TypeNextRoundFunded = "pool.nextRoundFunded"
	// TypeResidueRetrieved is emitted when unowed reward is swept from a finished pool.
	TypeResidueRetrieved = "pool.residueRetrieved"
	// TypeManagerChanged is emitted when the owner rotates the manager role.
	TypeManagerChanged = "pool.managerChanged"
)

// StakeRecorded describes a committed stake.
type StakeRecorded struct {
	Who          crypto.Address
	Amount       *big.Int
	NewIndex     *big.Int
	NewPrincipal *big.Int
}

// EventType satisfies the Event interface.
func (StakeRecorded) EventType() string { return TypeStakeRecorded }

// Event converts the structured payload into a broadcastable event.
func (e StakeRecorded) Event() *types.Event {
	return &types.Event{Type: TypeStakeRecorded, Attributes: map[string]string{
		"who":          e.Who.String(),
		"amount":       formatAmount(e.Amount),
		"newIndex":     formatAmount(e.NewIndex),
		"newPrincipal": formatAmount(e.NewPrincipal),
	}}
}

// WithdrawRecorded describes a committed withdrawal.
type WithdrawRecorded struct {
	Who          crypto.Address
	Amount       *big.Int
	NewIndex     *big.Int
	NewPrincipal *big.Int
}

// EventType satisfies the Event interface.
func (WithdrawRecorded) EventType() string { return TypeWithdrawRecorded }

// Event converts the structured payload into a broadcastable event.
func (e WithdrawRecorded) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawRecorded, Attributes: map[string]string{
		"who":          e.Who.String(),
		"amount":       formatAmount(e.Amount),
		"newIndex":     formatAmount(e.NewIndex),
		"newPrincipal": formatAmount(e.NewPrincipal),
	}}
}

// ClaimRecorded describes a reward payout and the reward balance left in custody.
type ClaimRecorded struct {
	Who                    crypto.Address
	Amount                 *big.Int
	RemainingRewardBalance *big.Int
}

// EventType satisfies the Event interface.
func (ClaimRecorded) EventType() string { return TypeClaimRecorded }

// Event converts the structured payload into a broadcastable event.
func (e ClaimRecorded) Event() *types.Event {
	return &types.Event{Type: TypeClaimRecorded, Attributes: map[string]string{
		"who":                    e.Who.String(),
		"amount":                 formatAmount(e.Amount),
		"remainingRewardBalance": formatAmount(e.RemainingRewardBalance),
	}}
}

// RoundOpened describes the window and rate of a freshly opened round.
type RoundOpened struct {
	RewardRate *big.Int
	Start      uint64
	End        uint64
	Funded     *big.Int
}

// EventType satisfies the Event interface.
func (RoundOpened) EventType() string { return TypeRoundOpened }

// Event converts the structured payload into a broadcastable event.
func (e RoundOpened) Event() *types.Event {
	attrs := map[string]string{
		"rewardRate": formatAmount(e.RewardRate),
		"start":      formatUnix(e.Start),
		"end":        formatUnix(e.End),
	}
	if e.Funded != nil {
		attrs["funded"] = e.Funded.String()
	}
	return &types.Event{Type: TypeRoundOpened, Attributes: attrs}
}

// RoundClosed marks the round as finished at End.
type RoundClosed struct {
	End        uint64
	FinalIndex *big.Int
}

// EventType satisfies the Event interface.
func (RoundClosed) EventType() string { return TypeRoundClosed }

// Event converts the structured payload into a broadcastable event.
func (e RoundClosed) Event() *types.Event {
	return &types.Event{Type: TypeRoundClosed, Attributes: map[string]string{
		"end":        formatUnix(e.End),
		"finalIndex": formatAmount(e.FinalIndex),
	}}
}

// RoundExtended describes a renewal of the round.
type RoundExtended struct {
	RequestedRate *big.Int
	RewardRate    *big.Int
	ReduceRate    uint8
	Start         uint64
	End           uint64
	Funded        *big.Int
}

// EventType satisfies the Event interface.
func (RoundExtended) EventType() string { return TypeRoundExtended }

// Event converts the structured payload into a broadcastable event.
func (e RoundExtended) Event() *types.Event {
	return &types.Event{Type: TypeRoundExtended, Attributes: map[string]string{
		"requestedRate": formatAmount(e.RequestedRate),
		"rewardRate":    formatAmount(e.RewardRate),
		"reduceRate":    strconv.FormatUint(uint64(e.ReduceRate), 10),
		"start":         formatUnix(e.Start),
		"end":           formatUnix(e.End),
		"funded":        formatAmount(e.Funded),
	}}
}

// EmergencyToggled records the new emergency flag.
type EmergencyToggled struct {
	Enabled bool
	By      crypto.Address
}

// EventType satisfies the Event interface.
func (EmergencyToggled) EventType() string { return TypeEmergencyToggled }

// Event converts the structured payload into a broadcastable event.
func (e EmergencyToggled) Event() *types.Event {
	return &types.Event{Type: TypeEmergencyToggled, Attributes: map[string]string{
		"enabled": strconv.FormatBool(e.Enabled),
		"by":      e.By.String(),
	}}
}

// NextRoundFunded records reward parked for a future round.
type NextRoundFunded struct {
	Amount *big.Int
	Total  *big.Int
}

// EventType satisfies the Event interface.
func (NextRoundFunded) EventType() string { return TypeNextRoundFunded }

// Event converts the structured payload into a broadcastable event.
func (e NextRoundFunded) Event() *types.Event {
	return &types.Event{Type: TypeNextRoundFunded, Attributes: map[string]string{
		"amount": formatAmount(e.Amount),
		"total":  formatAmount(e.Total),
	}}
}

// ResidueRetrieved records reward swept out of a finished pool.
type ResidueRetrieved struct {
	To     crypto.Address
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (ResidueRetrieved) EventType() string { return TypeResidueRetrieved }

// Event converts the structured payload into a broadcastable event.
func (e ResidueRetrieved) Event() *types.Event {
	return &types.Event{Type: TypeResidueRetrieved, Attributes: map[string]string{
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}}
}

// ManagerChanged records a manager rotation.
type ManagerChanged struct {
	Manager crypto.Address
	By      crypto.Address
}

// EventType satisfies the Event interface.
func (ManagerChanged) EventType() string { return TypeManagerChanged }

// Event converts the structured payload into a broadcastable event.
func (e ManagerChanged) Event() *types.Event {
	return &types.Event{Type: TypeManagerChanged, Attributes: map[string]string{
		"manager": e.Manager.String(),
		"by":      e.By.String(),
	}}
}
