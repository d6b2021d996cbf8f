package rewardpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"stakepool/core/events"
	"stakepool/crypto"
	nativecommon "stakepool/native/common"
)

func TestSingleStakerEarnsFullEmission(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 1, 30*day)
	h.stakeAs(t, x, 100)
	h.clock.Advance(10 * time.Second)

	requireAmount(t, "pending", h.pending(t, x), 10)
	requireAmount(t, "admin funding", h.reward.balance(h.admin), 1_000_000_000-30*86_400)
}

func TestRewardSplitsProportionally(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	y := makeAddress(0x02)

	h.open(t, 1, 30*day)
	h.stakeAs(t, x, 100)
	h.clock.Advance(10 * time.Second)
	h.stakeAs(t, y, 100)
	h.clock.Advance(10 * time.Second)

	px := h.pending(t, x)
	py := h.pending(t, y)
	requireAmount(t, "x pending", px, 15)
	requireAmount(t, "y pending", py, 5)
	requireAmount(t, "total", new(big.Int).Add(px, py), 20)
}

func TestWithdrawMaxReturnsExactPrincipal(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	h.open(t, 1, day)
	h.stake.fund(x, 100)
	h.stakeAs(t, x, 100)
	h.clock.Advance(5 * time.Second)

	if err := h.engine.Withdraw(ctx, x, MaxAmount); err != nil {
		t.Fatalf("withdraw max: %v", err)
	}
	requireAmount(t, "stake balance", h.stake.balance(x), 100)
	snap, ok, err := h.engine.ParticipantSnapshot(x)
	if err != nil || !ok {
		t.Fatalf("participant snapshot: ok=%v err=%v", ok, err)
	}
	requireAmount(t, "principal", snap.Principal, 0)
	requireAmount(t, "accrued kept", snap.AccruedReward, 5)

	if err := h.engine.Stake(ctx, x, big.NewInt(40)); err != nil {
		t.Fatalf("restake: %v", err)
	}
	snap, _, _ = h.engine.ParticipantSnapshot(x)
	requireAmount(t, "principal after restake", snap.Principal, 40)
	requireAmount(t, "total principal", h.engine.RoundSnapshot().TotalPrincipal, 40)
}

func TestClaimWithNothingOwed(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 1, day)
	h.stakeAs(t, x, 100)
	transfers := h.reward.transfers

	if _, _, err := h.engine.Claim(context.Background(), x); !errors.Is(err, ErrZeroReward) {
		t.Fatalf("expected ErrZeroReward, got %v", err)
	}
	if h.reward.transfers != transfers {
		t.Fatalf("claim moved reward asset")
	}
	stranger := makeAddress(0x09)
	if _, _, err := h.engine.Claim(context.Background(), stranger); !errors.Is(err, ErrZeroReward) {
		t.Fatalf("expected ErrZeroReward for unknown participant, got %v", err)
	}
}

func TestExtendRoundCarriesIndexForward(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	h.open(t, 10, 100*time.Second)
	h.stakeAs(t, x, 100)
	h.clock.Advance(40 * time.Second)

	before := h.pending(t, x)
	adminBefore := h.reward.balance(h.admin)
	if err := h.engine.ExtendRound(ctx, h.manager, big.NewInt(20), 100); err != nil {
		t.Fatalf("extend: %v", err)
	}
	after := h.pending(t, x)
	if before.Cmp(after) != 0 {
		t.Fatalf("pending changed across extension: %s -> %s", before, after)
	}
	requireAmount(t, "pending", after, 400)

	// 60s of the old schedule was already funded: 20*100 - 10*60.
	managerSpent := new(big.Int).Sub(big.NewInt(1_000_000_000), h.reward.balance(h.manager))
	requireAmount(t, "manager funding", managerSpent, 1400)
	if h.reward.balance(h.admin).Cmp(adminBefore) != 0 {
		t.Fatalf("admin charged for manager extension")
	}

	round := h.engine.RoundSnapshot()
	start := uint64(h.clock.Now().Unix())
	if round.StartTime != start || round.EndTime != start+100 || round.LastUpdateTime != start {
		t.Fatalf("unexpected window: %+v", round)
	}

	h.clock.Advance(10 * time.Second)
	requireAmount(t, "pending after", h.pending(t, x), 600)
}

func TestExtendRoundAppliesReduceRate(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 10, 100*time.Second)
	h.stakeAs(t, x, 100)
	if err := h.engine.SetRewardReduceRate(h.admin, 50); err != nil {
		t.Fatalf("reduce rate: %v", err)
	}
	if err := h.engine.ExtendRound(context.Background(), h.admin, big.NewInt(20), 100); err != nil {
		t.Fatalf("extend: %v", err)
	}
	requireAmount(t, "rate", h.engine.RoundSnapshot().RewardRate, 10)

	if err := h.engine.SetRewardReduceRate(h.admin, 101); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.engine.SetRewardReduceRate(h.manager, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	evt := h.recorder.Events[len(h.recorder.Events)-1]
	extended, ok := evt.(events.RoundExtended)
	if !ok {
		t.Fatalf("expected RoundExtended, got %T", evt)
	}
	requireAmount(t, "requested", extended.RequestedRate, 20)
	requireAmount(t, "funded", extended.Funded, 0)
}

func TestNoAccrualAfterClose(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	h.open(t, 1, 100*time.Second)
	h.stakeAs(t, x, 100)
	h.clock.Advance(30 * time.Second)
	if err := h.engine.CloseRound(ctx, h.admin); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed, err := h.engine.RewardIndex()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(3), new(big.Int).Div(Precision, big.NewInt(10)))
	if closed.Cmp(want) != 0 {
		t.Fatalf("index at close: want %s got %s", want, closed)
	}

	h.clock.Advance(50 * time.Second)
	if err := h.engine.Settle(x); err != nil {
		t.Fatalf("settle: %v", err)
	}
	later, _ := h.engine.RewardIndex()
	if later.Cmp(closed) != 0 {
		t.Fatalf("index moved after close: %s -> %s", closed, later)
	}
	requireAmount(t, "pending", h.pending(t, x), 30)

	round := h.engine.RoundSnapshot()
	if round.IsOpen || !round.IsFinished {
		t.Fatalf("unexpected flags after close: %+v", round)
	}
	if err := h.engine.Stake(ctx, x, big.NewInt(1)); !errors.Is(err, ErrRoundClosed) {
		t.Fatalf("expected ErrRoundClosed, got %v", err)
	}
	if err := h.engine.OpenRound(ctx, h.admin, big.NewInt(1), 0, 10); !errors.Is(err, ErrRoundFinished) {
		t.Fatalf("expected ErrRoundFinished, got %v", err)
	}
	if err := h.engine.CloseRound(ctx, h.admin); !errors.Is(err, ErrRoundFinished) {
		t.Fatalf("expected ErrRoundFinished, got %v", err)
	}
	if err := h.engine.Withdraw(ctx, x, nil); err != nil {
		t.Fatalf("withdraw after close: %v", err)
	}
	claimed, _, err := h.engine.Claim(ctx, x)
	if err != nil {
		t.Fatalf("claim after close: %v", err)
	}
	requireAmount(t, "claimed", claimed, 30)
}

func TestAccrualStopsAtRoundEnd(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 2, 100*time.Second)
	h.stakeAs(t, x, 50)
	h.clock.Advance(150 * time.Second)

	requireAmount(t, "pending", h.pending(t, x), 200)
	if err := h.engine.Settle(x); err != nil {
		t.Fatalf("settle: %v", err)
	}
	round := h.engine.RoundSnapshot()
	if round.LastUpdateTime != round.EndTime {
		t.Fatalf("last update %d beyond end %d", round.LastUpdateTime, round.EndTime)
	}
}

func TestEmissionWithoutPrincipalIsForfeited(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 3, 100*time.Second)
	h.clock.Advance(10 * time.Second)
	h.stakeAs(t, x, 100)
	h.clock.Advance(10 * time.Second)

	requireAmount(t, "pending", h.pending(t, x), 30)
	if err := h.engine.Settle(x); err != nil {
		t.Fatalf("settle: %v", err)
	}
	round := h.engine.RoundSnapshot()
	requireAmount(t, "forfeited", round.ForfeitedReward, 30)
	requireAmount(t, "emitted", round.EmittedReward, 30)
}

func TestConservationAcrossParticipants(t *testing.T) {
	h := newHarness(t)
	a, b, c := makeAddress(0x01), makeAddress(0x02), makeAddress(0x03)
	ctx := context.Background()

	h.open(t, 7, 1000*time.Second)
	h.stakeAs(t, a, 3)
	h.clock.Advance(13 * time.Second)
	h.stakeAs(t, b, 11)
	h.clock.Advance(16 * time.Second)
	h.stakeAs(t, c, 5)
	h.clock.Advance(12 * time.Second)
	if err := h.engine.Withdraw(ctx, a, big.NewInt(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	h.clock.Advance(59 * time.Second)
	if err := h.engine.CloseRound(ctx, h.admin); err != nil {
		t.Fatalf("close: %v", err)
	}

	total := new(big.Int)
	for _, who := range h.engine.Participants() {
		claimed, _, err := h.engine.Claim(ctx, who)
		if err != nil {
			t.Fatalf("claim %s: %v", who, err)
		}
		total.Add(total, claimed)
	}
	round := h.engine.RoundSnapshot()
	requireAmount(t, "emitted", round.EmittedReward, 700)
	if total.Cmp(round.EmittedReward) > 0 {
		t.Fatalf("claimed %s exceeds emitted %s", total, round.EmittedReward)
	}
	if dust := new(big.Int).Sub(round.EmittedReward, total); dust.Cmp(big.NewInt(int64(2*len(h.engine.Participants())))) > 0 {
		t.Fatalf("rounding dust %s too large", dust)
	}
	requireAmount(t, "claimed reward", round.ClaimedReward, total.Int64())
}

func TestRewardIndexMonotonic(t *testing.T) {
	h := newHarness(t)
	a, b := makeAddress(0x01), makeAddress(0x02)
	ctx := context.Background()

	h.open(t, 5, 200*time.Second)
	last := new(big.Int)
	check := func(step string) {
		t.Helper()
		idx, err := h.engine.RewardIndex()
		if err != nil {
			t.Fatalf("%s: %v", step, err)
		}
		if idx.Cmp(last) < 0 {
			t.Fatalf("%s: index decreased %s -> %s", step, last, idx)
		}
		last = idx
	}
	h.stakeAs(t, a, 10)
	check("stake a")
	h.clock.Advance(7 * time.Second)
	h.stakeAs(t, b, 1000)
	check("stake b")
	h.clock.Advance(3 * time.Second)
	if err := h.engine.Withdraw(ctx, b, MaxAmount); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	check("withdraw b")
	h.clock.Advance(20 * time.Second)
	if err := h.engine.ExtendRound(ctx, h.admin, big.NewInt(1), 50); err != nil {
		t.Fatalf("extend: %v", err)
	}
	check("extend")
	h.clock.Advance(500 * time.Second)
	check("expired")
}

func TestSettleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 3, 100*time.Second)
	h.stakeAs(t, x, 9)
	h.clock.Advance(17 * time.Second)
	if err := h.engine.Settle(x); err != nil {
		t.Fatalf("settle: %v", err)
	}
	first := fmt.Sprintf("%+v", h.engine.RoundSnapshot())
	p1, _, _ := h.engine.ParticipantSnapshot(x)
	if err := h.engine.Settle(x); err != nil {
		t.Fatalf("settle again: %v", err)
	}
	second := fmt.Sprintf("%+v", h.engine.RoundSnapshot())
	p2, _, _ := h.engine.ParticipantSnapshot(x)
	if first != second {
		t.Fatalf("round changed:\n%s\n%s", first, second)
	}
	if fmt.Sprintf("%+v", p1) != fmt.Sprintf("%+v", p2) {
		t.Fatalf("participant changed: %+v vs %+v", p1, p2)
	}
}

func TestFailedTransferLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	h.open(t, 1, day)
	h.stakeAs(t, x, 100)
	h.clock.Advance(10 * time.Second)

	before := fmt.Sprintf("%+v", h.engine.RoundSnapshot())
	boom := errors.New("ledger offline")

	h.stake.fund(x, 50)
	h.stake.failIn = boom
	if err := h.engine.Stake(ctx, x, big.NewInt(50)); !errors.Is(err, ErrTransferFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transfer failure, got %v", err)
	}
	h.stake.failIn = nil

	h.reward.failOut = boom
	if _, _, err := h.engine.Claim(ctx, x); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	h.reward.failOut = nil

	if after := fmt.Sprintf("%+v", h.engine.RoundSnapshot()); after != before {
		t.Fatalf("round mutated by failed operations:\n%s\n%s", before, after)
	}
	requireAmount(t, "pending", h.pending(t, x), 10)
	if got := h.recorder.Types(); len(got) != 2 || got[1] != events.TypeStakeRecorded {
		t.Fatalf("expected only the open and stake events, got %v", got)
	}
}

func TestPersistenceFailureRefundsTransfer(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 1, day)
	h.stake.fund(x, 100)
	h.store.fail = errors.New("disk full")

	if err := h.engine.Stake(context.Background(), x, big.NewInt(100)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	requireAmount(t, "refunded", h.stake.balance(x), 100)
	requireAmount(t, "custody", h.stake.balance(h.custody), 0)
	if len(h.engine.Participants()) != 0 {
		t.Fatalf("participant recorded despite failure")
	}
}

func TestWithdrawValidation(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	if err := h.engine.Withdraw(ctx, x, big.NewInt(1)); !errors.Is(err, ErrNotYetInitiated) {
		t.Fatalf("expected ErrNotYetInitiated, got %v", err)
	}
	h.open(t, 1, day)
	h.stakeAs(t, x, 100)

	err := h.engine.Withdraw(ctx, x, big.NewInt(101))
	if !errors.Is(err, ErrInsufficientPrincipal) {
		t.Fatalf("expected ErrInsufficientPrincipal, got %v", err)
	}
	var insufficient *InsufficientPrincipalError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientPrincipalError, got %T", err)
	}
	requireAmount(t, "available", insufficient.Available, 100)

	if err := h.engine.Withdraw(ctx, x, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.engine.Withdraw(ctx, makeAddress(0x07), MaxAmount); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for empty principal, got %v", err)
	}
}

func TestStakeValidation(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()
	h.stake.fund(x, 100)

	if err := h.engine.Stake(ctx, x, big.NewInt(10)); !errors.Is(err, ErrNotYetInitiated) {
		t.Fatalf("expected ErrNotYetInitiated, got %v", err)
	}
	h.open(t, 1, day)
	if err := h.engine.Stake(ctx, x, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.engine.Stake(ctx, x, big.NewInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if err := h.engine.Stake(ctx, x, big.NewInt(500)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed for unfunded stake, got %v", err)
	}
}

func TestEmergencyBlocksStakeOnly(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	h.open(t, 1, day)
	h.stakeAs(t, x, 100)
	h.clock.Advance(4 * time.Second)

	if err := h.engine.SetEmergency(h.manager, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.SetEmergency(h.admin, true); err != nil {
		t.Fatalf("emergency: %v", err)
	}
	h.stake.fund(x, 10)
	if err := h.engine.Stake(ctx, x, big.NewInt(10)); !errors.Is(err, ErrRoundClosed) {
		t.Fatalf("expected ErrRoundClosed in emergency, got %v", err)
	}
	if _, _, err := h.engine.Claim(ctx, x); err != nil {
		t.Fatalf("claim in emergency: %v", err)
	}
	if err := h.engine.Withdraw(ctx, x, MaxAmount); err != nil {
		t.Fatalf("withdraw in emergency: %v", err)
	}
	types := h.recorder.Types()
	if types[len(types)-3] != events.TypeEmergencyToggled {
		t.Fatalf("unexpected event order %v", types)
	}
}

func TestPauseGuardsStakeAndClaim(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	ctx := context.Background()

	h.open(t, 1, day)
	h.stakeAs(t, x, 100)
	h.clock.Advance(4 * time.Second)

	pauses := nativecommon.NewPauseSet(ModuleName)
	h.engine.SetPauses(pauses)
	if err := h.engine.Stake(ctx, x, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, _, err := h.engine.Claim(ctx, x); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := h.engine.Withdraw(ctx, x, big.NewInt(30)); err != nil {
		t.Fatalf("withdraw while paused: %v", err)
	}
	pauses.Set(ModuleName, false)
	claimed, remaining, err := h.engine.Claim(ctx, x)
	if err != nil {
		t.Fatalf("claim after resume: %v", err)
	}
	requireAmount(t, "claimed", claimed, 4)
	requireAmount(t, "remaining", remaining, 86_400-4)
}

func TestOpenRoundRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outsider := makeAddress(0x33)

	if err := h.engine.OpenRound(ctx, outsider, big.NewInt(1), 0, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.OpenRound(ctx, h.manager, big.NewInt(1), 0, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("manager must not open rounds, got %v", err)
	}
	if err := h.engine.OpenRound(ctx, h.admin, big.NewInt(0), 0, 10); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.engine.ExtendRound(ctx, h.admin, big.NewInt(1), 10); !errors.Is(err, ErrNotYetInitiated) {
		t.Fatalf("expected ErrNotYetInitiated, got %v", err)
	}

	future := uint64(h.clock.Now().Add(time.Hour).Unix())
	if err := h.engine.OpenRound(ctx, h.admin, big.NewInt(2), future, 60); err != nil {
		t.Fatalf("open: %v", err)
	}
	round := h.engine.RoundSnapshot()
	if round.StartTime != future || round.EndTime != future+60 || round.LastUpdateTime != future {
		t.Fatalf("unexpected schedule %+v", round)
	}
	requireAmount(t, "funded", round.FundedReward, 120)
	if err := h.engine.OpenRound(ctx, h.admin, big.NewInt(2), 0, 60); !errors.Is(err, ErrRoundOpen) {
		t.Fatalf("expected ErrRoundOpen, got %v", err)
	}

	x := makeAddress(0x01)
	h.stakeAs(t, x, 10)
	h.clock.Advance(30 * time.Minute)
	requireAmount(t, "pending before start", h.pending(t, x), 0)
	h.clock.Advance(31 * time.Minute)
	requireAmount(t, "pending after start", h.pending(t, x), 120)
}

func TestFundNextRoundOffsetsOpening(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.engine.FundNextRound(ctx, h.manager, big.NewInt(500)); err != nil {
		t.Fatalf("fund next: %v", err)
	}
	if err := h.engine.FundNextRound(ctx, makeAddress(0x44), big.NewInt(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	adminBefore := h.reward.balance(h.admin)
	h.open(t, 1, 300*time.Second)
	if h.reward.balance(h.admin).Cmp(adminBefore) != 0 {
		t.Fatalf("admin charged although pre-funded")
	}
	requireAmount(t, "next reward", h.engine.RoundSnapshot().NextRewardAmount, 200)
}

func TestRetrieveResidue(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	sink := makeAddress(0x55)
	ctx := context.Background()

	h.open(t, 1, 100*time.Second)
	if err := h.engine.FundNextRound(ctx, h.admin, big.NewInt(50)); err != nil {
		t.Fatalf("fund next: %v", err)
	}
	h.clock.Advance(20 * time.Second)
	h.stakeAs(t, x, 100)
	if _, err := h.engine.RetrieveResidue(ctx, h.admin, sink); !errors.Is(err, ErrRoundOpen) {
		t.Fatalf("expected ErrRoundOpen, got %v", err)
	}
	h.clock.Advance(80 * time.Second)
	if err := h.engine.CloseRound(ctx, h.admin); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.engine.RetrieveResidue(ctx, h.manager, sink); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	residue, err := h.engine.RetrieveResidue(ctx, h.admin, sink)
	if err != nil {
		t.Fatalf("residue: %v", err)
	}
	requireAmount(t, "residue", residue, 20)
	requireAmount(t, "sink", h.reward.balance(sink), 20)

	claimed, remaining, err := h.engine.Claim(ctx, x)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	requireAmount(t, "claimed", claimed, 80)
	requireAmount(t, "remaining", remaining, 50)
	if _, err := h.engine.RetrieveResidue(ctx, h.admin, sink); !errors.Is(err, ErrZeroReward) {
		t.Fatalf("expected ErrZeroReward, got %v", err)
	}
}

func TestRestoreReproducesState(t *testing.T) {
	h := newHarness(t)
	a, b := makeAddress(0x01), makeAddress(0x02)

	h.open(t, 4, 100*time.Second)
	h.stakeAs(t, a, 20)
	h.clock.Advance(5 * time.Second)
	h.stakeAs(t, b, 20)
	h.clock.Advance(5 * time.Second)

	restored := NewEngine(h.custody, h.stake, h.reward, h.roles)
	restored.SetClock(h.clock.Now)
	if err := restored.Restore(h.store); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, want := fmt.Sprintf("%+v", restored.RoundSnapshot()), fmt.Sprintf("%+v", h.engine.RoundSnapshot()); got != want {
		t.Fatalf("round mismatch:\n%s\n%s", got, want)
	}
	if len(restored.Participants()) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(restored.Participants()))
	}
	for _, who := range h.engine.Participants() {
		want := h.pending(t, who)
		got, err := restored.PendingReward(who)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if got.Cmp(want) != 0 {
			t.Fatalf("pending mismatch for %s: %s vs %s", who, got, want)
		}
	}
	got, _ := restored.PendingReward(a)
	requireAmount(t, "a pending", got, 30)
}

func TestStakeEmitsRecordedEvent(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)

	h.open(t, 1, day)
	h.stakeAs(t, x, 100)
	h.clock.Advance(10 * time.Second)
	h.stakeAs(t, x, 50)

	last := h.recorder.Events[len(h.recorder.Events)-1]
	recorded, ok := last.(events.StakeRecorded)
	if !ok {
		t.Fatalf("expected StakeRecorded, got %T", last)
	}
	requireAmount(t, "amount", recorded.Amount, 50)
	requireAmount(t, "principal", recorded.NewPrincipal, 150)
	want := new(big.Int).Div(Precision, big.NewInt(10))
	if recorded.NewIndex.Cmp(want) != 0 {
		t.Fatalf("index: want %s got %s", want, recorded.NewIndex)
	}
}

func TestRolesManagerRotation(t *testing.T) {
	owner := makeAddress(0xA0)
	manager := makeAddress(0xA1)
	recorder := &events.Recorder{}
	roles := NewRoles(owner)
	roles.SetEmitter(recorder)

	if err := roles.SetManager(manager, manager); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := roles.SetManager(owner, manager); err != nil {
		t.Fatalf("set manager: %v", err)
	}
	if !roles.IsManager(manager) || roles.IsAdmin(manager) || !roles.IsAdmin(owner) {
		t.Fatalf("unexpected role resolution")
	}
	if err := roles.SetManager(owner, crypto.Address{}); err != nil {
		t.Fatalf("clear manager: %v", err)
	}
	if roles.IsManager(manager) {
		t.Fatalf("manager still recognised after clearing")
	}
	if got := recorder.Types(); len(got) != 2 || got[0] != events.TypeManagerChanged {
		t.Fatalf("unexpected events %v", got)
	}
}

// cancelAwareMover refuses transfers once the context is done.
type cancelAwareMover struct {
	*mockMover
}

func (m cancelAwareMover) TransferIn(ctx context.Context, from crypto.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.mockMover.TransferIn(ctx, from, amount)
}

func (m cancelAwareMover) TransferOut(ctx context.Context, to crypto.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.mockMover.TransferOut(ctx, to, amount)
}

// cancellingStore cancels the request context and then fails the commit.
type cancellingStore struct {
	*memStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Commit(round RoundSnapshot, participants ...ParticipantSnapshot) error {
	if s.cancel != nil {
		s.cancel()
		return errors.New("commit timed out")
	}
	return s.memStore.Commit(round, participants...)
}

func TestRefundSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	store := &cancellingStore{memStore: newMemStore()}
	engine := NewEngine(h.custody, cancelAwareMover{h.stake}, h.reward, h.roles)
	engine.SetClock(h.clock.Now)
	engine.SetStore(store)

	if err := engine.OpenRound(context.Background(), h.admin, big.NewInt(1), 0, 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	h.stake.fund(x, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancel = cancel
	if err := engine.Stake(ctx, x, big.NewInt(100)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("expected the request context to be cancelled")
	}
	requireAmount(t, "refunded", h.stake.balance(x), 100)
	requireAmount(t, "custody", h.stake.balance(h.custody), 0)
	if len(engine.Participants()) != 0 {
		t.Fatalf("participant recorded despite failure")
	}
}

func TestCloseBeforeStartKeepsTimelineMonotonic(t *testing.T) {
	h := newHarness(t)
	x := makeAddress(0x01)
	sink := makeAddress(0x55)
	ctx := context.Background()
	start := uint64(h.clock.Now().Unix()) + 1_000

	if err := h.engine.OpenRound(ctx, h.admin, big.NewInt(1), start, 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	h.stakeAs(t, x, 100)
	h.clock.Advance(10 * time.Second)
	if err := h.engine.CloseRound(ctx, h.admin); err != nil {
		t.Fatalf("close: %v", err)
	}

	round := h.engine.RoundSnapshot()
	if round.LastUpdateTime != start {
		t.Fatalf("last update moved from %d to %d", start, round.LastUpdateTime)
	}
	if round.StartTime != start || round.EndTime != start || round.Duration != 0 {
		t.Fatalf("unexpected window start=%d end=%d duration=%d", round.StartTime, round.EndTime, round.Duration)
	}
	if round.EndTime < round.LastUpdateTime {
		t.Fatalf("end %d precedes last update %d", round.EndTime, round.LastUpdateTime)
	}
	requireAmount(t, "pending", h.pending(t, x), 0)
	requireAmount(t, "emitted", round.EmittedReward, 0)

	h.clock.Advance(2_000 * time.Second)
	requireAmount(t, "pending after start", h.pending(t, x), 0)
	residue, err := h.engine.RetrieveResidue(ctx, h.admin, sink)
	if err != nil {
		t.Fatalf("residue: %v", err)
	}
	requireAmount(t, "residue", residue, 100)
}

func TestConcurrentOperationsConservePrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const stakers = 8

	h.open(t, 1, day)
	addrs := make([]crypto.Address, stakers)
	for i := range addrs {
		addrs[i] = makeAddress(byte(0x10 + i))
		h.stake.fund(addrs[i], 100)
	}

	var wg sync.WaitGroup
	errs := make(chan error, stakers*3)
	for _, who := range addrs {
		wg.Add(1)
		go func(who crypto.Address) {
			defer wg.Done()
			errs <- h.engine.Stake(ctx, who, big.NewInt(100))
		}(who)
	}
	wg.Wait()

	h.clock.Advance(100 * time.Second)
	claimed := make([]*big.Int, stakers)
	for i, who := range addrs {
		wg.Add(1)
		go func(i int, who crypto.Address) {
			defer wg.Done()
			amount, _, err := h.engine.Claim(ctx, who)
			claimed[i] = amount
			if err != nil {
				errs <- fmt.Errorf("claim %d: %w", i, err)
				return
			}
			if err := h.engine.Withdraw(ctx, who, big.NewInt(50)); err != nil {
				errs <- fmt.Errorf("withdraw %d: %w", i, err)
				return
			}
			errs <- h.engine.Stake(ctx, who, big.NewInt(25))
		}(i, who)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent operation: %v", err)
		}
	}

	sum := new(big.Int)
	for _, who := range addrs {
		snap, ok, err := h.engine.ParticipantSnapshot(who)
		if err != nil || !ok {
			t.Fatalf("participant %s: ok=%v err=%v", who, ok, err)
		}
		requireAmount(t, "principal", snap.Principal, 75)
		sum.Add(sum, snap.Principal)
	}
	round := h.engine.RoundSnapshot()
	if round.TotalPrincipal.Cmp(sum) != 0 {
		t.Fatalf("total principal %v does not match participant sum %v", round.TotalPrincipal, sum)
	}
	requireAmount(t, "custody", h.stake.balance(h.custody), stakers*75)

	paid := new(big.Int)
	for i, amount := range claimed {
		if amount == nil {
			t.Fatalf("claim %d returned no amount", i)
		}
		paid.Add(paid, amount)
	}
	requireAmount(t, "claimed total", round.ClaimedReward, paid.Int64())
	if paid.Cmp(round.EmittedReward) > 0 {
		t.Fatalf("paid %v exceeds emitted %v", paid, round.EmittedReward)
	}
	dust := new(big.Int).Sub(round.EmittedReward, paid)
	if dust.Cmp(big.NewInt(stakers)) > 0 {
		t.Fatalf("rounding loss %v exceeds one unit per staker", dust)
	}
}

func TestNilRolesReportsUnconfigured(t *testing.T) {
	var roles *Roles
	if !roles.Owner().IsZero() || !roles.Manager().IsZero() {
		t.Fatalf("expected zero addresses from nil roles")
	}
	if err := roles.SetManager(makeAddress(0xA0), makeAddress(0xA1)); !errors.Is(err, ErrRolesNotConfigured) {
		t.Fatalf("expected ErrRolesNotConfigured, got %v", err)
	}
}
