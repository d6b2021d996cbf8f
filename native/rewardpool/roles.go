package rewardpool

import (
	"context"
	"math/big"
	"sync"

	"stakepool/crypto"
	"stakepool/core/events"
)

// AssetMover moves one fungible asset between a caller and the pool custody
// account. TransferIn and TransferOut must be all-or-nothing.
type AssetMover interface {
	TransferIn(ctx context.Context, from crypto.Address, amount *big.Int) error
	TransferOut(ctx context.Context, to crypto.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, holder crypto.Address) (*big.Int, error)
}

// AccessControl answers role queries for administrative operations.
type AccessControl interface {
	IsAdmin(caller crypto.Address) bool
	IsManager(caller crypto.Address) bool
}

// Store persists committed pool state. Commit must apply the round and the
// supplied participants atomically. LoadRound returns nil when nothing has been
// persisted yet.
type Store interface {
	Commit(round RoundSnapshot, participants ...ParticipantSnapshot) error
	LoadRound() (*RoundSnapshot, error)
	LoadParticipants() ([]ParticipantSnapshot, error)
}

// Roles is the default AccessControl: a fixed owner acting as admin and a
// single manager the owner may rotate.
type Roles struct {
	mu      sync.RWMutex
	owner   crypto.Address
	manager crypto.Address
	emitter events.Emitter
}

// NewRoles returns Roles with owner as admin and no manager.
func NewRoles(owner crypto.Address) *Roles {
	return &Roles{owner: owner}
}

// SetEmitter wires the sink used to report manager rotations.
func (r *Roles) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.emitter = emitter
	r.mu.Unlock()
}

func (r *Roles) IsAdmin(caller crypto.Address) bool {
	if r == nil || caller.IsZero() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner.Equal(caller)
}

func (r *Roles) IsManager(caller crypto.Address) bool {
	if r == nil || caller.IsZero() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.manager.IsZero() && r.manager.Equal(caller)
}

func (r *Roles) Owner() crypto.Address {
	if r == nil {
		return crypto.Address{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

func (r *Roles) Manager() crypto.Address {
	if r == nil {
		return crypto.Address{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manager
}

// SetManager replaces the manager. Only the owner may call it; a zero address
// clears the role.
func (r *Roles) SetManager(caller, manager crypto.Address) error {
	if r == nil {
		return ErrRolesNotConfigured
	}
	if !r.IsAdmin(caller) {
		return ErrUnauthorized
	}
	r.mu.Lock()
	r.manager = manager
	emitter := r.emitter
	r.mu.Unlock()
	if emitter != nil {
		emitter.Emit(events.ManagerChanged{Manager: manager, By: caller})
	}
	return nil
}
