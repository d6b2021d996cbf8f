package rewardpool

import (
	"math/big"

	"github.com/holiman/uint256"

	"stakepool/crypto"
)

// Round is the single pool configuration together with its accrual history.
// It owns the participant map; both are only reachable through Engine methods.
type Round struct {
	rewardRate     *uint256.Int
	reduceRate     uint8
	duration       uint64
	startTime      uint64
	endTime        uint64
	lastUpdateTime uint64

	rewardIndex      *uint256.Int
	totalPrincipal   *uint256.Int
	nextRewardAmount *uint256.Int

	initiated  bool
	isOpen     bool
	isFinished bool
	emergency  bool

	fundedReward    *uint256.Int
	emittedReward   *uint256.Int
	forfeitedReward *uint256.Int
	claimedReward   *uint256.Int

	participants map[string]*Participant
}

// Participant tracks one staker's principal and settled reward.
type Participant struct {
	address       crypto.Address
	principal     *uint256.Int
	indexSnapshot *uint256.Int
	accruedReward *uint256.Int
}

func newRound() *Round {
	return &Round{
		rewardRate:       zero(),
		rewardIndex:      zero(),
		totalPrincipal:   zero(),
		nextRewardAmount: zero(),
		fundedReward:     zero(),
		emittedReward:    zero(),
		forfeitedReward:  zero(),
		claimedReward:    zero(),
		participants:     make(map[string]*Participant),
	}
}

// clone copies every scalar so staged changes never leak into the live round.
// The participant map is shared; entries are only replaced on commit.
func (r *Round) clone() *Round {
	out := *r
	out.rewardRate = cloneU256(r.rewardRate)
	out.rewardIndex = cloneU256(r.rewardIndex)
	out.totalPrincipal = cloneU256(r.totalPrincipal)
	out.nextRewardAmount = cloneU256(r.nextRewardAmount)
	out.fundedReward = cloneU256(r.fundedReward)
	out.emittedReward = cloneU256(r.emittedReward)
	out.forfeitedReward = cloneU256(r.forfeitedReward)
	out.claimedReward = cloneU256(r.claimedReward)
	return &out
}

// participant returns a private copy of the participant entry, creating an
// empty one when the address has never staked.
func (r *Round) participant(addr crypto.Address) (*Participant, bool) {
	existing, ok := r.participants[addr.Key()]
	if !ok {
		return &Participant{
			address:       addr,
			principal:     zero(),
			indexSnapshot: cloneU256(r.rewardIndex),
			accruedReward: zero(),
		}, false
	}
	return existing.clone(), true
}

func (p *Participant) clone() *Participant {
	return &Participant{
		address:       p.address,
		principal:     cloneU256(p.principal),
		indexSnapshot: cloneU256(p.indexSnapshot),
		accruedReward: cloneU256(p.accruedReward),
	}
}

// RoundSnapshot is an immutable copy of the round state.
type RoundSnapshot struct {
	RewardRate       *big.Int
	RewardReduceRate uint8
	Duration         uint64
	StartTime        uint64
	EndTime          uint64
	LastUpdateTime   uint64
	RewardIndex      *big.Int
	TotalPrincipal   *big.Int
	NextRewardAmount *big.Int
	Initiated        bool
	IsOpen           bool
	IsFinished       bool
	Emergency        bool
	FundedReward     *big.Int
	EmittedReward    *big.Int
	ForfeitedReward  *big.Int
	ClaimedReward    *big.Int
	Participants     int
}

// ParticipantSnapshot is an immutable copy of a participant entry.
// PendingReward is the projected owed reward at query time and is not
// persisted.
type ParticipantSnapshot struct {
	Address       crypto.Address
	Principal     *big.Int
	IndexSnapshot *big.Int
	AccruedReward *big.Int
	PendingReward *big.Int
}

func (r *Round) snapshot() RoundSnapshot {
	return RoundSnapshot{
		RewardRate:       toBig(r.rewardRate),
		RewardReduceRate: r.reduceRate,
		Duration:         r.duration,
		StartTime:        r.startTime,
		EndTime:          r.endTime,
		LastUpdateTime:   r.lastUpdateTime,
		RewardIndex:      toBig(r.rewardIndex),
		TotalPrincipal:   toBig(r.totalPrincipal),
		NextRewardAmount: toBig(r.nextRewardAmount),
		Initiated:        r.initiated,
		IsOpen:           r.isOpen,
		IsFinished:       r.isFinished,
		Emergency:        r.emergency,
		FundedReward:     toBig(r.fundedReward),
		EmittedReward:    toBig(r.emittedReward),
		ForfeitedReward:  toBig(r.forfeitedReward),
		ClaimedReward:    toBig(r.claimedReward),
		Participants:     len(r.participants),
	}
}

func (p *Participant) snapshot() ParticipantSnapshot {
	return ParticipantSnapshot{
		Address:       p.address,
		Principal:     toBig(p.principal),
		IndexSnapshot: toBig(p.indexSnapshot),
		AccruedReward: toBig(p.accruedReward),
	}
}

func roundFromSnapshot(s RoundSnapshot) (*Round, error) {
	r := newRound()
	var err error
	fields := []struct {
		dst **uint256.Int
		src *big.Int
	}{
		{&r.rewardRate, s.RewardRate},
		{&r.rewardIndex, s.RewardIndex},
		{&r.totalPrincipal, s.TotalPrincipal},
		{&r.nextRewardAmount, s.NextRewardAmount},
		{&r.fundedReward, s.FundedReward},
		{&r.emittedReward, s.EmittedReward},
		{&r.forfeitedReward, s.ForfeitedReward},
		{&r.claimedReward, s.ClaimedReward},
	}
	for _, f := range fields {
		if *f.dst, err = toU256(f.src); err != nil {
			return nil, err
		}
	}
	r.reduceRate = s.RewardReduceRate
	r.duration = s.Duration
	r.startTime = s.StartTime
	r.endTime = s.EndTime
	r.lastUpdateTime = s.LastUpdateTime
	r.initiated = s.Initiated
	r.isOpen = s.IsOpen
	r.isFinished = s.IsFinished
	r.emergency = s.Emergency
	return r, nil
}

func participantFromSnapshot(s ParticipantSnapshot) (*Participant, error) {
	principal, err := toU256(s.Principal)
	if err != nil {
		return nil, err
	}
	index, err := toU256(s.IndexSnapshot)
	if err != nil {
		return nil, err
	}
	accrued, err := toU256(s.AccruedReward)
	if err != nil {
		return nil, err
	}
	return &Participant{
		address:       s.Address,
		principal:     principal,
		indexSnapshot: index,
		accruedReward: accrued,
	}, nil
}
