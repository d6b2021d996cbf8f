package rewardpool

import (
	"math/big"
	"sort"

	"stakepool/crypto"
)

// RewardIndex returns the reward index projected to the current time. The
// projection is not committed.
func (e *Engine) RewardIndex() (*big.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	projected := e.round.clone()
	if err := projected.advance(e.timestamp()); err != nil {
		return nil, err
	}
	return toBig(projected.rewardIndex), nil
}

// PendingReward returns the reward who could claim right now.
func (e *Engine) PendingReward(who crypto.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked(who)
}

func (e *Engine) pendingLocked(who crypto.Address) (*big.Int, error) {
	projected := e.round.clone()
	participant, ok := projected.participant(who)
	if !ok {
		return new(big.Int), nil
	}
	if err := projected.settle(participant, e.timestamp()); err != nil {
		return nil, err
	}
	return toBig(participant.accruedReward), nil
}

// RoundSnapshot returns the committed round state.
func (e *Engine) RoundSnapshot() RoundSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.snapshot()
}

// ParticipantSnapshot returns the committed entry for who together with the
// projected pending reward. The boolean reports whether who ever staked.
func (e *Engine) ParticipantSnapshot(who crypto.Address) (ParticipantSnapshot, bool, error) {
	if e == nil {
		return ParticipantSnapshot{}, false, errNilEngine
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.round.participants[who.Key()]
	if !ok {
		return ParticipantSnapshot{}, false, nil
	}
	snapshot := existing.snapshot()
	pending, err := e.pendingLocked(who)
	if err != nil {
		return ParticipantSnapshot{}, true, err
	}
	snapshot.PendingReward = pending
	return snapshot, true, nil
}

// Participants lists every address that ever staked, sorted by encoding.
func (e *Engine) Participants() []crypto.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]crypto.Address, 0, len(e.round.participants))
	for _, p := range e.round.participants {
		out = append(out, p.address)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
