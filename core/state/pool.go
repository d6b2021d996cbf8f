package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"stakepool/crypto"
	"stakepool/native/rewardpool"
	"stakepool/storage"
)

var (
	poolRoundKey          = []byte("pool/round")
	poolParticipantPrefix = []byte("pool/participant/")
)

func poolParticipantKey(addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, 0, len(poolParticipantPrefix)+len(raw))
	buf = append(buf, poolParticipantPrefix...)
	return append(buf, raw...)
}

type storedRound struct {
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
	Participants     uint64
}

type storedParticipant struct {
	Prefix        string
	Address       []byte
	Principal     *big.Int
	IndexSnapshot *big.Int
	AccruedReward *big.Int
}

func copyAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newStoredRound(r rewardpool.RoundSnapshot) *storedRound {
	participants := r.Participants
	if participants < 0 {
		participants = 0
	}
	return &storedRound{
		RewardRate:       copyAmount(r.RewardRate),
		RewardReduceRate: r.RewardReduceRate,
		Duration:         r.Duration,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		LastUpdateTime:   r.LastUpdateTime,
		RewardIndex:      copyAmount(r.RewardIndex),
		TotalPrincipal:   copyAmount(r.TotalPrincipal),
		NextRewardAmount: copyAmount(r.NextRewardAmount),
		Initiated:        r.Initiated,
		IsOpen:           r.IsOpen,
		IsFinished:       r.IsFinished,
		Emergency:        r.Emergency,
		FundedReward:     copyAmount(r.FundedReward),
		EmittedReward:    copyAmount(r.EmittedReward),
		ForfeitedReward:  copyAmount(r.ForfeitedReward),
		ClaimedReward:    copyAmount(r.ClaimedReward),
		Participants:     uint64(participants),
	}
}

func (s *storedRound) toSnapshot() *rewardpool.RoundSnapshot {
	return &rewardpool.RoundSnapshot{
		RewardRate:       copyAmount(s.RewardRate),
		RewardReduceRate: s.RewardReduceRate,
		Duration:         s.Duration,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		LastUpdateTime:   s.LastUpdateTime,
		RewardIndex:      copyAmount(s.RewardIndex),
		TotalPrincipal:   copyAmount(s.TotalPrincipal),
		NextRewardAmount: copyAmount(s.NextRewardAmount),
		Initiated:        s.Initiated,
		IsOpen:           s.IsOpen,
		IsFinished:       s.IsFinished,
		Emergency:        s.Emergency,
		FundedReward:     copyAmount(s.FundedReward),
		EmittedReward:    copyAmount(s.EmittedReward),
		ForfeitedReward:  copyAmount(s.ForfeitedReward),
		ClaimedReward:    copyAmount(s.ClaimedReward),
		Participants:     int(s.Participants),
	}
}

func newStoredParticipant(p rewardpool.ParticipantSnapshot) *storedParticipant {
	return &storedParticipant{
		Prefix:        string(p.Address.Prefix()),
		Address:       p.Address.Bytes(),
		Principal:     copyAmount(p.Principal),
		IndexSnapshot: copyAmount(p.IndexSnapshot),
		AccruedReward: copyAmount(p.AccruedReward),
	}
}

func (s *storedParticipant) toSnapshot() (rewardpool.ParticipantSnapshot, error) {
	addr, err := crypto.NewAddress(crypto.AddressPrefix(s.Prefix), s.Address)
	if err != nil {
		return rewardpool.ParticipantSnapshot{}, err
	}
	return rewardpool.ParticipantSnapshot{
		Address:       addr,
		Principal:     copyAmount(s.Principal),
		IndexSnapshot: copyAmount(s.IndexSnapshot),
		AccruedReward: copyAmount(s.AccruedReward),
	}, nil
}

// PoolStore persists the reward pool round and its participants.
type PoolStore struct {
	db storage.Database
}

func NewPoolStore(db storage.Database) *PoolStore {
	return &PoolStore{db: db}
}

// Commit writes the round and the supplied participants in a single batch.
func (s *PoolStore) Commit(round rewardpool.RoundSnapshot, participants ...rewardpool.ParticipantSnapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pool store unavailable")
	}
	batch := s.db.NewBatch()
	encoded, err := rlp.EncodeToBytes(newStoredRound(round))
	if err != nil {
		return fmt.Errorf("encode round: %w", err)
	}
	batch.Put(poolRoundKey, encoded)
	for _, participant := range participants {
		if participant.Address.IsZero() {
			return fmt.Errorf("participant without address")
		}
		encoded, err := rlp.EncodeToBytes(newStoredParticipant(participant))
		if err != nil {
			return fmt.Errorf("encode participant %s: %w", participant.Address, err)
		}
		batch.Put(poolParticipantKey(participant.Address), encoded)
	}
	return batch.Write()
}

// LoadRound returns nil when no round has been committed.
func (s *PoolStore) LoadRound() (*rewardpool.RoundSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pool store unavailable")
	}
	data, err := s.db.Get(poolRoundKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedRound)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("decode round: %w", err)
	}
	return stored.toSnapshot(), nil
}

// LoadParticipants returns every committed participant ordered by address
// bytes.
func (s *PoolStore) LoadParticipants() ([]rewardpool.ParticipantSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pool store unavailable")
	}
	keys, err := s.db.Keys(poolParticipantPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]rewardpool.ParticipantSnapshot, 0, len(keys))
	for _, key := range keys {
		data, err := s.db.Get(key)
		if err != nil {
			return nil, err
		}
		stored := new(storedParticipant)
		if err := rlp.DecodeBytes(data, stored); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		snapshot, err := stored.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, nil
}
