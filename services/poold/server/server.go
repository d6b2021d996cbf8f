package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stakepool/crypto"
	"stakepool/gateway/middleware"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
	"stakepool/native/rewardpool"
	"stakepool/services/poold/journal"
)

const (
	requestLimit   = 1 << 20 // 1 MiB
	defaultTimeout = 10 * time.Second
	// CallerHeader names the caller when bearer auth is disabled.
	CallerHeader = "X-Pool-Caller"
)

// Config wires the HTTP API to the pool components.
type Config struct {
	Engine        *rewardpool.Engine
	Roles         *rewardpool.Roles
	StakeLedger   *bank.Ledger
	RewardLedger  *bank.Ledger
	Pauses        *nativecommon.PauseSet
	Journal       *journal.Journal
	Hub           *Hub
	Authenticator *middleware.Authenticator
	AuthEnabled   bool
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	AllowMint     bool
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Server exposes the pool engine over HTTP.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Roles == nil {
		return nil, errors.New("server: roles required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}, nil
}

// Handler assembles the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Observability != nil {
		r.Handle("/metrics", s.cfg.Observability.MetricsHandler())
	}

	r.Route("/v1/pool", func(sr chi.Router) {
		s.limit(sr, "pool")
		sr.With(s.observe("pool.round")).Get("/round", s.getRound)
		sr.With(s.observe("pool.index")).Get("/index", s.getIndex)
		sr.With(s.observe("pool.participants")).Get("/participants", s.listParticipants)
		sr.With(s.observe("pool.participant")).Get("/participants/{addr}", s.getParticipant)

		sr.Group(func(wr chi.Router) {
			s.authorize(wr, middleware.ScopeParticipant)
			wr.With(s.observe("pool.stake")).Post("/stake", s.stake)
			wr.With(s.observe("pool.withdraw")).Post("/withdraw", s.withdraw)
			wr.With(s.observe("pool.claim")).Post("/claim", s.claim)
		})
	})

	r.Route("/v1/admin", func(sr chi.Router) {
		s.limit(sr, "admin")
		s.authorize(sr, middleware.ScopeAdmin)
		sr.With(s.observe("admin.open")).Post("/round/open", s.openRound)
		sr.With(s.observe("admin.extend")).Post("/round/extend", s.extendRound)
		sr.With(s.observe("admin.close")).Post("/round/close", s.closeRound)
		sr.With(s.observe("admin.emergency")).Post("/emergency", s.setEmergency)
		sr.With(s.observe("admin.reduceRate")).Post("/reduce-rate", s.setReduceRate)
		sr.With(s.observe("admin.fundNext")).Post("/fund-next", s.fundNextRound)
		sr.With(s.observe("admin.residue")).Post("/residue", s.retrieveResidue)
		sr.With(s.observe("admin.manager")).Post("/manager", s.setManager)
		sr.With(s.observe("admin.pause")).Post("/pause", s.setPause)
		sr.With(s.observe("admin.mint")).Post("/mint", s.mint)
	})

	r.Route("/v1/events", func(sr chi.Router) {
		s.limit(sr, "events")
		sr.With(s.observe("events.list")).Get("/", s.listEvents)
		sr.Get("/ws", s.streamEvents)
	})
	return r
}

func (s *Server) limit(r chi.Router, key string) {
	if s.cfg.RateLimiter != nil {
		r.Use(s.cfg.RateLimiter.Middleware(key))
	}
}

func (s *Server) authorize(r chi.Router, scope string) {
	if s.cfg.Authenticator != nil {
		r.Use(s.cfg.Authenticator.Middleware(scope))
	}
}

func (s *Server) observe(route string) func(http.Handler) http.Handler {
	if s.cfg.Observability == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.cfg.Observability.Middleware(route)
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.Timeout)
}

// caller resolves the acting address from the bearer subject. With auth
// disabled the CallerHeader is honoured instead.
func (s *Server) caller(r *http.Request) (crypto.Address, error) {
	subject, ok := middleware.Subject(r.Context())
	if !ok && !s.cfg.AuthEnabled {
		subject = strings.TrimSpace(r.Header.Get(CallerHeader))
		ok = subject != ""
	}
	if !ok {
		return crypto.Address{}, errMissingCaller
	}
	addr, err := crypto.DecodeAddress(subject)
	if err != nil {
		return crypto.Address{}, badRequest("invalid caller address: %v", err)
	}
	return addr, nil
}

func decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func parseAddress(field, value string) (crypto.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return crypto.Address{}, badRequest("%s required", field)
	}
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, badRequest("invalid %s: %v", field, err)
	}
	return addr, nil
}

// Amount is a decimal integer carried as a JSON string.
type Amount string

func (a Amount) parse(field string) (*big.Int, error) {
	raw := strings.TrimSpace(string(a))
	if raw == "" {
		return nil, badRequest("%s required", field)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, badRequest("%s must be a non-negative integer", field)
	}
	return value, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) requireAdmin(r *http.Request) (crypto.Address, error) {
	caller, err := s.caller(r)
	if err != nil {
		return crypto.Address{}, err
	}
	if !s.cfg.Roles.IsAdmin(caller) {
		return crypto.Address{}, fmt.Errorf("%w: %s", errForbidden, caller)
	}
	return caller, nil
}
