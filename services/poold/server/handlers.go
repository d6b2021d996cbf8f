package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"stakepool/crypto"
	"stakepool/native/rewardpool"
)

type roundView struct {
	RewardRate       string `json:"rewardRate"`
	RewardReduceRate uint8  `json:"rewardReduceRate"`
	Duration         uint64 `json:"duration"`
	StartTime        uint64 `json:"startTime"`
	EndTime          uint64 `json:"endTime"`
	LastUpdateTime   uint64 `json:"lastUpdateTime"`
	RewardIndex      string `json:"rewardIndex"`
	TotalPrincipal   string `json:"totalPrincipal"`
	NextRewardAmount string `json:"nextRewardAmount"`
	Initiated        bool   `json:"initiated"`
	IsOpen           bool   `json:"isOpen"`
	IsFinished       bool   `json:"isFinished"`
	Emergency        bool   `json:"emergency"`
	FundedReward     string `json:"fundedReward"`
	EmittedReward    string `json:"emittedReward"`
	ForfeitedReward  string `json:"forfeitedReward"`
	ClaimedReward    string `json:"claimedReward"`
	Participants     int    `json:"participants"`
}

func roundViewFrom(s rewardpool.RoundSnapshot) roundView {
	return roundView{
		RewardRate:       formatAmount(s.RewardRate),
		RewardReduceRate: s.RewardReduceRate,
		Duration:         s.Duration,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		LastUpdateTime:   s.LastUpdateTime,
		RewardIndex:      formatAmount(s.RewardIndex),
		TotalPrincipal:   formatAmount(s.TotalPrincipal),
		NextRewardAmount: formatAmount(s.NextRewardAmount),
		Initiated:        s.Initiated,
		IsOpen:           s.IsOpen,
		IsFinished:       s.IsFinished,
		Emergency:        s.Emergency,
		FundedReward:     formatAmount(s.FundedReward),
		EmittedReward:    formatAmount(s.EmittedReward),
		ForfeitedReward:  formatAmount(s.ForfeitedReward),
		ClaimedReward:    formatAmount(s.ClaimedReward),
		Participants:     s.Participants,
	}
}

type participantView struct {
	Address       string `json:"address"`
	Principal     string `json:"principal"`
	IndexSnapshot string `json:"indexSnapshot"`
	AccruedReward string `json:"accruedReward"`
	PendingReward string `json:"pendingReward"`
}

func participantViewFrom(s rewardpool.ParticipantSnapshot) participantView {
	return participantView{
		Address:       s.Address.String(),
		Principal:     formatAmount(s.Principal),
		IndexSnapshot: formatAmount(s.IndexSnapshot),
		AccruedReward: formatAmount(s.AccruedReward),
		PendingReward: formatAmount(s.PendingReward),
	}
}

func (s *Server) getRound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, roundViewFrom(s.cfg.Engine.RoundSnapshot()))
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	index, err := s.cfg.Engine.RewardIndex()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"rewardIndex": index.String(),
		"precision":   rewardpool.Precision.String(),
	})
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	addrs := s.cfg.Engine.Participants()
	out := make([]participantView, 0, len(addrs))
	for _, addr := range addrs {
		snapshot, ok, err := s.cfg.Engine.ParticipantSnapshot(addr)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if ok {
			out = append(out, participantViewFrom(snapshot))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (s *Server) getParticipant(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshot, ok, err := s.cfg.Engine.ParticipantSnapshot(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "participant not found"})
		return
	}
	writeJSON(w, http.StatusOK, participantViewFrom(snapshot))
}

type amountRequest struct {
	Amount Amount `json:"amount"`
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.parse("amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.cfg.Engine.Stake(ctx, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeParticipant(w, r, caller)
}

// withdraw treats an empty amount or "max" as the whole principal.
func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount := rewardpool.MaxAmount
	if raw := strings.TrimSpace(string(req.Amount)); raw != "" && !strings.EqualFold(raw, "max") {
		if amount, err = req.Amount.parse("amount"); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.cfg.Engine.Withdraw(ctx, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeParticipant(w, r, caller)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	claimed, remaining, err := s.cfg.Engine.Claim(ctx, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"claimed":                formatAmount(claimed),
		"remainingRewardBalance": formatAmount(remaining),
	})
}

func (s *Server) writeParticipant(w http.ResponseWriter, r *http.Request, addr crypto.Address) {
	snapshot, _, err := s.cfg.Engine.ParticipantSnapshot(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participantViewFrom(snapshot))
}

type openRequest struct {
	Rate     Amount `json:"rate"`
	Start    uint64 `json:"start"`
	Duration uint64 `json:"duration"`
}

func (s *Server) openRound(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req openRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rate, err := req.Rate.parse("rate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.cfg.Engine.OpenRound(ctx, caller, rate, req.Start, req.Duration); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getRound(w, r)
}

type extendRequest struct {
	Rate     Amount `json:"rate"`
	Duration uint64 `json:"duration"`
}

func (s *Server) extendRound(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req extendRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rate, err := req.Rate.parse("rate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.cfg.Engine.ExtendRound(ctx, caller, rate, req.Duration); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getRound(w, r)
}

func (s *Server) closeRound(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.cfg.Engine.CloseRound(ctx, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getRound(w, r)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setEmergency(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Engine.SetEmergency(caller, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getRound(w, r)
}

type reduceRateRequest struct {
	Percent uint8 `json:"percent"`
}

func (s *Server) setReduceRate(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reduceRateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Engine.SetRewardReduceRate(caller, req.Percent); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getRound(w, r)
}

func (s *Server) fundNextRound(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.parse("amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.cfg.Engine.FundNextRound(ctx, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getRound(w, r)
}

type residueRequest struct {
	To string `json:"to"`
}

func (s *Server) retrieveResidue(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req residueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to := caller
	if strings.TrimSpace(req.To) != "" {
		if to, err = parseAddress("to", req.To); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	amount, err := s.cfg.Engine.RetrieveResidue(ctx, caller, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"to": to.String(), "amount": formatAmount(amount)})
}

type managerRequest struct {
	Manager string `json:"manager"`
}

// setManager clears the manager when the request names none.
func (s *Server) setManager(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req managerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var manager crypto.Address
	if strings.TrimSpace(req.Manager) != "" {
		if manager, err = parseAddress("manager", req.Manager); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.cfg.Roles.SetManager(caller, manager); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   s.cfg.Roles.Owner().String(),
		"manager": s.cfg.Roles.Manager().String(),
	})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	caller, err := s.requireAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Pauses == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "pause control not configured"})
		return
	}
	var req pauseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cfg.Pauses.Set(rewardpool.ModuleName, req.Paused)
	s.logger.Warn("rewardpool pause toggled", "by", caller.String(), "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.cfg.Pauses.IsPaused(rewardpool.ModuleName)})
}

type mintRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount Amount `json:"amount"`
}

// mint credits development balances. Asset is "stake" or "reward".
func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowMint {
		s.writeError(w, r, errMintDisabled)
		return
	}
	if _, err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req mintRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ledger := s.cfg.StakeLedger
	switch strings.ToLower(strings.TrimSpace(req.Asset)) {
	case "stake":
	case "reward":
		ledger = s.cfg.RewardLedger
	default:
		s.writeError(w, r, badRequest("asset must be stake or reward"))
		return
	}
	if ledger == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "ledger not configured"})
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.parse("amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := ledger.Mint(to, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := ledger.BalanceOf(to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"denom":   ledger.Denom(),
		"to":      to.String(),
		"balance": balance.String(),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "journal not configured"})
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.cfg.Journal.List(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	head, _ := s.cfg.Journal.Head()
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "head": head})
}

func pageParams(r *http.Request) (uint64, int, error) {
	query := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, badRequest("after must be an unsigned integer")
		}
		after = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, badRequest("limit must be a non-negative integer")
		}
		limit = parsed
	}
	return after, limit, nil
}
