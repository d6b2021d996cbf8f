package rewardpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"stakepool/core/events"
	"stakepool/crypto"
	nativecommon "stakepool/native/common"
	"stakepool/observability/metrics"
)

// ModuleName is the pause key guarding participant operations.
const ModuleName = "rewardpool"

// ErrInvalidAddress rejects the zero address as a participant or recipient.
var ErrInvalidAddress = errors.New("rewardpool: address required")

// Engine is the pool accounting engine. Every operation runs under a single
// mutex, stages its changes on copies, moves assets, persists and only then
// installs the staged state.
type Engine struct {
	mu sync.Mutex

	round   *Round
	custody crypto.Address
	stake   AssetMover
	reward  AssetMover
	access  AccessControl
	store   Store
	emitter events.Emitter
	pauses  nativecommon.PauseView
	metrics *metrics.RewardPoolMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine constructs an engine whose assets are held by custody. stake and
// reward must move distinct denominations.
func NewEngine(custody crypto.Address, stake, reward AssetMover, access AccessControl) *Engine {
	return &Engine{
		round:   newRound(),
		custody: custody,
		stake:   stake,
		reward:  reward,
		access:  access,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// SetStore wires the persistence layer. Without one, state lives in memory.
func (e *Engine) SetStore(store Store) {
	if e == nil {
		return
	}
	e.store = store
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetMetrics(m *metrics.RewardPoolMetrics) {
	if e == nil {
		return
	}
	e.metrics = m
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Custody returns the account holding staked principal and reward funding.
func (e *Engine) Custody() crypto.Address { return e.custody }

// Restore replaces the in-memory state with whatever store has persisted.
// The store is also wired for subsequent commits.
func (e *Engine) Restore(store Store) error {
	if e == nil || store == nil {
		return errNilEngine
	}
	snapshot, err := store.LoadRound()
	if err != nil {
		return fmt.Errorf("rewardpool: load round: %w", err)
	}
	round := newRound()
	if snapshot != nil {
		if round, err = roundFromSnapshot(*snapshot); err != nil {
			return fmt.Errorf("rewardpool: decode round: %w", err)
		}
	}
	records, err := store.LoadParticipants()
	if err != nil {
		return fmt.Errorf("rewardpool: load participants: %w", err)
	}
	for _, record := range records {
		participant, err := participantFromSnapshot(record)
		if err != nil {
			return fmt.Errorf("rewardpool: decode participant %s: %w", record.Address, err)
		}
		round.participants[participant.address.Key()] = participant
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.round = round
	e.store = store
	e.recordMetrics()
	return nil
}

func (e *Engine) ready() error {
	if e == nil || e.stake == nil || e.reward == nil || e.access == nil {
		return errNilEngine
	}
	return nil
}

func (e *Engine) timestamp() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) observe(op string, err error) {
	if e == nil {
		return
	}
	e.metrics.ObserveOperation(op, err)
	if err != nil {
		e.logger.Debug("rewardpool operation rejected", "op", op, "error", err)
	}
}

// advance accrues pool-wide reward up to now, clamped to the round end. It
// never moves lastUpdateTime backwards.
func (r *Round) advance(now uint64) error {
	if !r.initiated {
		return nil
	}
	effective := minU64(now, r.endTime)
	if effective <= r.lastUpdateTime {
		return nil
	}
	emitted, err := emission(r.rewardRate, effective-r.lastUpdateTime)
	if err != nil {
		return err
	}
	if r.totalPrincipal.IsZero() {
		if r.forfeitedReward, err = checkedAdd(r.forfeitedReward, emitted); err != nil {
			return err
		}
	} else {
		delta, err := indexDelta(emitted, r.totalPrincipal)
		if err != nil {
			return err
		}
		if r.rewardIndex, err = checkedAdd(r.rewardIndex, delta); err != nil {
			return err
		}
		if r.emittedReward, err = checkedAdd(r.emittedReward, emitted); err != nil {
			return err
		}
	}
	r.lastUpdateTime = effective
	return nil
}

// settle advances the pool and moves the participant's owed reward into
// accruedReward.
func (r *Round) settle(p *Participant, now uint64) error {
	if err := r.advance(now); err != nil {
		return err
	}
	owed, err := accrual(p.principal, r.rewardIndex, p.indexSnapshot)
	if err != nil {
		return err
	}
	if p.accruedReward, err = checkedAdd(p.accruedReward, owed); err != nil {
		return err
	}
	p.indexSnapshot = cloneU256(r.rewardIndex)
	return nil
}

type movement struct {
	mover   AssetMover
	who     crypto.Address
	amount  *uint256.Int
	inbound bool
}

func (m movement) apply(ctx context.Context) error {
	if m.inbound {
		return m.mover.TransferIn(ctx, m.who, m.amount.ToBig())
	}
	return m.mover.TransferOut(ctx, m.who, m.amount.ToBig())
}

func (m movement) reverse(ctx context.Context) error {
	if m.inbound {
		return m.mover.TransferOut(ctx, m.who, m.amount.ToBig())
	}
	return m.mover.TransferIn(ctx, m.who, m.amount.ToBig())
}

// finish moves assets, persists the staged round and installs it. Transfers
// already applied are reversed when a later step fails. Callers hold e.mu.
func (e *Engine) finish(ctx context.Context, op string, staged *Round, touched []*Participant, moves ...movement) error {
	applied := make([]movement, 0, len(moves))
	for _, mv := range moves {
		if mv.amount == nil || mv.amount.IsZero() {
			continue
		}
		if err := mv.apply(ctx); err != nil {
			e.compensate(ctx, op, applied)
			return transferFailed(op, err)
		}
		applied = append(applied, mv)
	}
	if err := e.persist(staged, touched); err != nil {
		e.compensate(ctx, op, applied)
		return err
	}
	for _, p := range touched {
		staged.participants[p.address.Key()] = p
	}
	e.round = staged
	e.recordMetrics()
	return nil
}

// compensate reverses applied movements. The caller's deadline or cancellation
// must not strand assets in custody, so reversals ignore it.
func (e *Engine) compensate(ctx context.Context, op string, applied []movement) {
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		mv := applied[i]
		if err := mv.reverse(ctx); err != nil {
			e.logger.Error("rewardpool compensation failed",
				"op", op,
				"account", mv.who.String(),
				"amount", mv.amount.Dec(),
				"error", err)
		}
	}
}

func (e *Engine) persist(staged *Round, touched []*Participant) error {
	if e.store == nil {
		return nil
	}
	snapshot := staged.snapshot()
	records := make([]ParticipantSnapshot, 0, len(touched))
	for _, p := range touched {
		if _, ok := staged.participants[p.address.Key()]; !ok {
			snapshot.Participants++
		}
		records = append(records, p.snapshot())
	}
	if err := e.store.Commit(snapshot, records...); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (e *Engine) recordMetrics() {
	if e.metrics == nil {
		return
	}
	r := e.round
	e.metrics.RecordState(toBig(r.totalPrincipal), toBig(r.rewardIndex), Precision,
		toBig(r.emittedReward), toBig(r.forfeitedReward), r.isOpen, r.emergency)
}

// Stake credits amount of the stake asset to who after settling their reward.
func (e *Engine) Stake(ctx context.Context, who crypto.Address, amount *big.Int) (err error) {
	defer func() { e.observe("stake", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if who.IsZero() {
		return ErrInvalidAddress
	}
	value, err := toU256(amount)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	switch {
	case !staged.initiated:
		return ErrNotYetInitiated
	case !staged.isOpen, staged.emergency:
		return ErrRoundClosed
	case value.IsZero():
		return ErrInvalidAmount
	}
	participant, _ := staged.participant(who)
	if err = staged.settle(participant, e.timestamp()); err != nil {
		return err
	}
	if participant.principal, err = checkedAdd(participant.principal, value); err != nil {
		return err
	}
	if staged.totalPrincipal, err = checkedAdd(staged.totalPrincipal, value); err != nil {
		return err
	}
	err = e.finish(ctx, "stake", staged, []*Participant{participant},
		movement{mover: e.stake, who: who, amount: value, inbound: true})
	if err != nil {
		return err
	}
	e.emitter.Emit(events.StakeRecorded{
		Who:          who,
		Amount:       value.ToBig(),
		NewIndex:     toBig(staged.rewardIndex),
		NewPrincipal: toBig(participant.principal),
	})
	e.logger.Info("rewardpool stake recorded",
		"who", who.String(),
		"amount", value.Dec(),
		"principal", participant.principal.Dec())
	return nil
}

// Withdraw releases principal back to who. Passing nil or MaxAmount withdraws
// everything. Withdrawal is never gated by round state, pauses or emergency.
func (e *Engine) Withdraw(ctx context.Context, who crypto.Address, amount *big.Int) (err error) {
	defer func() { e.observe("withdraw", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if who.IsZero() {
		return ErrInvalidAddress
	}
	value, err := toU256(amount)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	if !staged.initiated {
		return ErrNotYetInitiated
	}
	participant, _ := staged.participant(who)
	if amount == nil || value.Eq(maxUint256) {
		value = cloneU256(participant.principal)
	}
	if participant.principal.Lt(value) {
		return &InsufficientPrincipalError{Requested: value.ToBig(), Available: toBig(participant.principal)}
	}
	if value.IsZero() {
		return ErrInvalidAmount
	}
	if err = staged.settle(participant, e.timestamp()); err != nil {
		return err
	}
	participant.principal = new(uint256.Int).Sub(participant.principal, value)
	if staged.totalPrincipal, err = checkedSub(staged.totalPrincipal, value); err != nil {
		return err
	}
	err = e.finish(ctx, "withdraw", staged, []*Participant{participant},
		movement{mover: e.stake, who: who, amount: value})
	if err != nil {
		return err
	}
	e.emitter.Emit(events.WithdrawRecorded{
		Who:          who,
		Amount:       value.ToBig(),
		NewIndex:     toBig(staged.rewardIndex),
		NewPrincipal: toBig(participant.principal),
	})
	e.logger.Info("rewardpool withdraw recorded",
		"who", who.String(),
		"amount", value.Dec(),
		"principal", participant.principal.Dec())
	return nil
}

// Claim pays out everything owed to who and reports the reward balance left
// in custody afterwards.
func (e *Engine) Claim(ctx context.Context, who crypto.Address) (claimed *big.Int, remaining *big.Int, err error) {
	defer func() { e.observe("claim", err) }()
	if err = e.ready(); err != nil {
		return nil, nil, err
	}
	if err = nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, nil, err
	}
	if who.IsZero() {
		return nil, nil, ErrInvalidAddress
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	if !staged.initiated {
		return nil, nil, ErrNotYetInitiated
	}
	participant, _ := staged.participant(who)
	if err = staged.settle(participant, e.timestamp()); err != nil {
		return nil, nil, err
	}
	owed := participant.accruedReward
	if owed.IsZero() {
		return nil, nil, ErrZeroReward
	}
	balance, err := e.reward.BalanceOf(ctx, e.custody)
	if err != nil {
		return nil, nil, transferFailed("claim", err)
	}
	before, err := toU256(balance)
	if err != nil {
		return nil, nil, err
	}
	participant.accruedReward = zero()
	if staged.claimedReward, err = checkedAdd(staged.claimedReward, owed); err != nil {
		return nil, nil, err
	}
	err = e.finish(ctx, "claim", staged, []*Participant{participant},
		movement{mover: e.reward, who: who, amount: owed})
	if err != nil {
		return nil, nil, err
	}
	claimed = owed.ToBig()
	remaining = saturatingSub(before, owed).ToBig()
	e.metrics.AddClaimed(claimed)
	e.emitter.Emit(events.ClaimRecorded{
		Who:                    who,
		Amount:                 claimed,
		RemainingRewardBalance: remaining,
	})
	e.logger.Info("rewardpool claim recorded",
		"who", who.String(),
		"amount", claimed.String(),
		"remaining", remaining.String())
	return claimed, remaining, nil
}

// Settle brings the pool and, when who has an entry, that participant up to
// date without moving assets. Repeated calls at the same instant are no-ops.
func (e *Engine) Settle(who crypto.Address) (err error) {
	defer func() { e.observe("settle", err) }()
	if err = e.ready(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	if !staged.initiated {
		return ErrNotYetInitiated
	}
	now := e.timestamp()
	var touched []*Participant
	if participant, ok := staged.participant(who); ok {
		if err = staged.settle(participant, now); err != nil {
			return err
		}
		touched = append(touched, participant)
	} else if err = staged.advance(now); err != nil {
		return err
	}
	return e.finish(context.Background(), "settle", staged, touched)
}

// fundFrom draws required reward first from the pre-funded balance and returns
// the remainder the caller must transfer in.
func (r *Round) fundFrom(required *uint256.Int) *uint256.Int {
	fromNext := required
	if r.nextRewardAmount.Lt(required) {
		fromNext = r.nextRewardAmount
	}
	remainder := new(uint256.Int).Sub(required, fromNext)
	r.nextRewardAmount = new(uint256.Int).Sub(r.nextRewardAmount, fromNext)
	return remainder
}

// OpenRound initiates the round. A start in the past, or zero, means now.
// The full emission rate*duration is funded up front.
func (e *Engine) OpenRound(ctx context.Context, caller crypto.Address, rate *big.Int, start, duration uint64) (err error) {
	defer func() { e.observe("open_round", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if !e.access.IsAdmin(caller) {
		return ErrUnauthorized
	}
	rewardRate, err := toU256(rate)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	switch {
	case staged.isFinished:
		return ErrRoundFinished
	case staged.isOpen:
		return ErrRoundOpen
	case rewardRate.IsZero(), duration == 0:
		return ErrInvalidAmount
	}
	now := e.timestamp()
	if start < now {
		start = now
	}
	if start > ^uint64(0)-duration {
		return ErrArithmeticOverflow
	}
	required, err := emission(rewardRate, duration)
	if err != nil {
		return err
	}
	fromCaller := staged.fundFrom(required)
	if staged.fundedReward, err = checkedAdd(staged.fundedReward, required); err != nil {
		return err
	}
	staged.rewardRate = rewardRate
	staged.duration = duration
	staged.startTime = start
	staged.endTime = start + duration
	staged.lastUpdateTime = start
	staged.initiated = true
	staged.isOpen = true

	err = e.finish(ctx, "open_round", staged, nil,
		movement{mover: e.reward, who: caller, amount: fromCaller, inbound: true})
	if err != nil {
		return err
	}
	e.emitter.Emit(events.RoundOpened{
		RewardRate: rewardRate.ToBig(),
		Start:      staged.startTime,
		End:        staged.endTime,
		Funded:     required.ToBig(),
	})
	e.logger.Info("rewardpool round opened",
		"rate", rewardRate.Dec(),
		"start", staged.startTime,
		"end", staged.endTime,
		"funded_by_caller", fromCaller.Dec())
	return nil
}

// ExtendRound renews the emission window from now using rate reduced by the
// configured reduce percentage. Only the emission not already funded by the
// previous schedule is collected.
func (e *Engine) ExtendRound(ctx context.Context, caller crypto.Address, rate *big.Int, duration uint64) (err error) {
	defer func() { e.observe("extend_round", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if !e.access.IsAdmin(caller) && !e.access.IsManager(caller) {
		return ErrUnauthorized
	}
	requested, err := toU256(rate)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	switch {
	case !staged.initiated:
		return ErrNotYetInitiated
	case staged.isFinished:
		return ErrRoundFinished
	case requested.IsZero(), duration == 0:
		return ErrInvalidAmount
	}
	now := e.timestamp()
	if err = staged.advance(now); err != nil {
		return err
	}
	effective, err := decayRate(requested, staged.reduceRate)
	if err != nil {
		return err
	}
	// Funded but not yet emitted under the old schedule.
	unemitted := zero()
	if staged.endTime > staged.lastUpdateTime {
		if unemitted, err = emission(staged.rewardRate, staged.endTime-staged.lastUpdateTime); err != nil {
			return err
		}
	}
	// A round that has not started yet keeps its scheduled start.
	start := now
	if staged.lastUpdateTime > start {
		start = staged.lastUpdateTime
	}
	if start > ^uint64(0)-duration {
		return ErrArithmeticOverflow
	}
	scheduled, err := emission(effective, duration)
	if err != nil {
		return err
	}
	increment := saturatingSub(scheduled, unemitted)
	fromCaller := staged.fundFrom(increment)
	if staged.fundedReward, err = checkedAdd(staged.fundedReward, increment); err != nil {
		return err
	}
	staged.rewardRate = effective
	staged.duration = duration
	staged.startTime = start
	staged.endTime = start + duration
	staged.lastUpdateTime = start

	err = e.finish(ctx, "extend_round", staged, nil,
		movement{mover: e.reward, who: caller, amount: fromCaller, inbound: true})
	if err != nil {
		return err
	}
	e.emitter.Emit(events.RoundExtended{
		RequestedRate: requested.ToBig(),
		RewardRate:    effective.ToBig(),
		ReduceRate:    staged.reduceRate,
		Start:         staged.startTime,
		End:           staged.endTime,
		Funded:        increment.ToBig(),
	})
	e.logger.Info("rewardpool round extended",
		"requested_rate", requested.Dec(),
		"rate", effective.Dec(),
		"start", staged.startTime,
		"end", staged.endTime,
		"funded", increment.Dec())
	return nil
}

// CloseRound terminates the round permanently. Accrual stops at
// min(now, EndTime).
func (e *Engine) CloseRound(ctx context.Context, caller crypto.Address) (err error) {
	defer func() { e.observe("close_round", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if !e.access.IsAdmin(caller) {
		return ErrUnauthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	switch {
	case !staged.initiated:
		return ErrNotYetInitiated
	case staged.isFinished:
		return ErrRoundFinished
	case !staged.isOpen:
		return ErrRoundClosed
	}
	now := e.timestamp()
	if err = staged.advance(now); err != nil {
		return err
	}
	staged.endTime = minU64(now, staged.endTime)
	if staged.endTime < staged.lastUpdateTime {
		// Closed before it started: collapse the window onto the last update,
		// which never moves backwards.
		staged.endTime = staged.lastUpdateTime
	}
	if staged.startTime > staged.endTime {
		staged.startTime = staged.endTime
	}
	staged.duration = staged.endTime - staged.startTime
	staged.isOpen = false
	staged.isFinished = true

	if err = e.finish(ctx, "close_round", staged, nil); err != nil {
		return err
	}
	e.emitter.Emit(events.RoundClosed{End: staged.endTime, FinalIndex: toBig(staged.rewardIndex)})
	e.logger.Info("rewardpool round closed",
		"end", staged.endTime,
		"index", staged.rewardIndex.Dec())
	return nil
}

// SetEmergency raises or clears the emergency flag. While raised no new
// principal is accepted; withdrawals and claims continue.
func (e *Engine) SetEmergency(caller crypto.Address, enabled bool) (err error) {
	defer func() { e.observe("set_emergency", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if !e.access.IsAdmin(caller) {
		return ErrUnauthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	staged.emergency = enabled
	if err = e.finish(context.Background(), "set_emergency", staged, nil); err != nil {
		return err
	}
	e.emitter.Emit(events.EmergencyToggled{Enabled: enabled, By: caller})
	e.logger.Warn("rewardpool emergency toggled", "enabled", enabled, "by", caller.String())
	return nil
}

// SetRewardReduceRate sets the percentage by which ExtendRound reduces the
// requested rate.
func (e *Engine) SetRewardReduceRate(caller crypto.Address, percent uint8) (err error) {
	defer func() { e.observe("set_reduce_rate", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if !e.access.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if percent > 100 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	staged.reduceRate = percent
	if err = e.finish(context.Background(), "set_reduce_rate", staged, nil); err != nil {
		return err
	}
	e.logger.Info("rewardpool reduce rate updated", "percent", percent, "by", caller.String())
	return nil
}

// FundNextRound pre-funds reward consumed by the next OpenRound or
// ExtendRound before the caller is charged.
func (e *Engine) FundNextRound(ctx context.Context, caller crypto.Address, amount *big.Int) (err error) {
	defer func() { e.observe("fund_next_round", err) }()
	if err = e.ready(); err != nil {
		return err
	}
	if !e.access.IsAdmin(caller) && !e.access.IsManager(caller) {
		return ErrUnauthorized
	}
	value, err := toU256(amount)
	if err != nil {
		return err
	}
	if value.IsZero() {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	if staged.isFinished {
		return ErrRoundFinished
	}
	if staged.nextRewardAmount, err = checkedAdd(staged.nextRewardAmount, value); err != nil {
		return err
	}
	err = e.finish(ctx, "fund_next_round", staged, nil,
		movement{mover: e.reward, who: caller, amount: value, inbound: true})
	if err != nil {
		return err
	}
	e.emitter.Emit(events.NextRoundFunded{Amount: value.ToBig(), Total: toBig(staged.nextRewardAmount)})
	e.logger.Info("rewardpool next round funded",
		"amount", value.Dec(),
		"total", staged.nextRewardAmount.Dec())
	return nil
}

// RetrieveResidue sweeps reward that no participant is owed out of a finished
// pool: forfeited emission, unscheduled funding and rounding dust.
func (e *Engine) RetrieveResidue(ctx context.Context, caller, to crypto.Address) (amount *big.Int, err error) {
	defer func() { e.observe("retrieve_residue", err) }()
	if err = e.ready(); err != nil {
		return nil, err
	}
	if !e.access.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if to.IsZero() {
		return nil, ErrInvalidAddress
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.round.clone()
	switch {
	case !staged.initiated:
		return nil, ErrNotYetInitiated
	case !staged.isFinished:
		return nil, ErrRoundOpen
	}
	balance, err := e.reward.BalanceOf(ctx, e.custody)
	if err != nil {
		return nil, transferFailed("retrieve_residue", err)
	}
	held, err := toU256(balance)
	if err != nil {
		return nil, err
	}
	owed := saturatingSub(staged.emittedReward, staged.claimedReward)
	reserved, err := checkedAdd(owed, staged.nextRewardAmount)
	if err != nil {
		return nil, err
	}
	residue := saturatingSub(held, reserved)
	if residue.IsZero() {
		return nil, ErrZeroReward
	}
	err = e.finish(ctx, "retrieve_residue", staged, nil,
		movement{mover: e.reward, who: to, amount: residue})
	if err != nil {
		return nil, err
	}
	amount = residue.ToBig()
	e.emitter.Emit(events.ResidueRetrieved{To: to, Amount: amount})
	e.logger.Info("rewardpool residue retrieved", "to", to.String(), "amount", amount.String())
	return amount, nil
}
