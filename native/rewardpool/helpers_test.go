package rewardpool

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"stakepool/core/events"
	"stakepool/crypto"
)

var errInsufficientFunds = errors.New("insufficient funds")

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x5a
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.StakePrefix, raw)
}

// mockMover is an in-memory AssetMover for one denomination.
type mockMover struct {
	custody   crypto.Address
	balances  map[string]*big.Int
	failIn    error
	failOut   error
	transfers int
}

func newMockMover(custody crypto.Address) *mockMover {
	return &mockMover{custody: custody, balances: make(map[string]*big.Int)}
}

func (m *mockMover) fund(addr crypto.Address, amount int64) {
	m.balances[addr.Key()] = new(big.Int).Add(m.balance(addr), big.NewInt(amount))
}

func (m *mockMover) balance(addr crypto.Address) *big.Int {
	if bal, ok := m.balances[addr.Key()]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (m *mockMover) move(from, to crypto.Address, amount *big.Int) error {
	src := m.balance(from)
	if src.Cmp(amount) < 0 {
		return errInsufficientFunds
	}
	m.balances[from.Key()] = src.Sub(src, amount)
	m.balances[to.Key()] = new(big.Int).Add(m.balance(to), amount)
	m.transfers++
	return nil
}

func (m *mockMover) TransferIn(_ context.Context, from crypto.Address, amount *big.Int) error {
	if m.failIn != nil {
		return m.failIn
	}
	return m.move(from, m.custody, amount)
}

func (m *mockMover) TransferOut(_ context.Context, to crypto.Address, amount *big.Int) error {
	if m.failOut != nil {
		return m.failOut
	}
	return m.move(m.custody, to, amount)
}

func (m *mockMover) BalanceOf(_ context.Context, holder crypto.Address) (*big.Int, error) {
	return m.balance(holder), nil
}

// memStore keeps the last committed records in memory.
type memStore struct {
	round        *RoundSnapshot
	participants map[string]ParticipantSnapshot
	order        []string
	fail         error
	commits      int
}

func newMemStore() *memStore {
	return &memStore{participants: make(map[string]ParticipantSnapshot)}
}

func (s *memStore) Commit(round RoundSnapshot, participants ...ParticipantSnapshot) error {
	if s.fail != nil {
		return s.fail
	}
	s.round = &round
	for _, p := range participants {
		key := p.Address.Key()
		if _, ok := s.participants[key]; !ok {
			s.order = append(s.order, key)
		}
		s.participants[key] = p
	}
	s.commits++
	return nil
}

func (s *memStore) LoadRound() (*RoundSnapshot, error) { return s.round, nil }

func (s *memStore) LoadParticipants() ([]ParticipantSnapshot, error) {
	out := make([]ParticipantSnapshot, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.participants[key])
	}
	return out, nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine   *Engine
	stake    *mockMover
	reward   *mockMover
	store    *memStore
	clock    *manualClock
	recorder *events.Recorder
	roles    *Roles
	admin    crypto.Address
	manager  crypto.Address
	custody  crypto.Address
}

const day = 24 * time.Hour

func newHarness(t *testing.T) *harness {
	t.Helper()
	custody := makeAddress(0xC0)
	admin := makeAddress(0xA0)
	manager := makeAddress(0xA1)
	h := &harness{
		stake:    newMockMover(custody),
		reward:   newMockMover(custody),
		store:    newMemStore(),
		clock:    &manualClock{now: time.Unix(1_700_000_000, 0)},
		recorder: &events.Recorder{},
		roles:    NewRoles(admin),
		admin:    admin,
		manager:  manager,
		custody:  custody,
	}
	if err := h.roles.SetManager(admin, manager); err != nil {
		t.Fatalf("set manager: %v", err)
	}
	h.engine = NewEngine(custody, h.stake, h.reward, h.roles)
	h.engine.SetClock(h.clock.Now)
	h.engine.SetStore(h.store)
	h.engine.SetEmitter(h.recorder)
	h.reward.fund(admin, 1_000_000_000)
	h.reward.fund(manager, 1_000_000_000)
	return h
}

// open starts a round at the current instant.
func (h *harness) open(t *testing.T, rate int64, duration time.Duration) {
	t.Helper()
	if err := h.engine.OpenRound(context.Background(), h.admin, big.NewInt(rate), 0, uint64(duration/time.Second)); err != nil {
		t.Fatalf("open round: %v", err)
	}
}

func (h *harness) stakeAs(t *testing.T, who crypto.Address, amount int64) {
	t.Helper()
	if h.stake.balance(who).Cmp(big.NewInt(amount)) < 0 {
		h.stake.fund(who, amount)
	}
	if err := h.engine.Stake(context.Background(), who, big.NewInt(amount)); err != nil {
		t.Fatalf("stake %d: %v", amount, err)
	}
}

func (h *harness) pending(t *testing.T, who crypto.Address) *big.Int {
	t.Helper()
	pending, err := h.engine.PendingReward(who)
	if err != nil {
		t.Fatalf("pending reward: %v", err)
	}
	return pending
}

func requireAmount(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", label, want, got)
	}
}
