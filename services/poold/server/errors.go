package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
	"stakepool/native/rewardpool"
)

var (
	errMissingCaller = errors.New("caller identity required")
	errForbidden     = errors.New("caller lacks the required role")
	errMintDisabled  = errors.New("mint endpoint disabled")
)

type errorBody struct {
	Error     string `json:"error"`
	Available string `json:"available,omitempty"`
}

// statusFor maps pool errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingCaller):
		return http.StatusUnauthorized
	case errors.Is(err, rewardpool.ErrUnauthorized), errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errMintDisabled):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, rewardpool.ErrInsufficientPrincipal),
		errors.Is(err, rewardpool.ErrZeroReward),
		errors.Is(err, rewardpool.ErrRoundClosed),
		errors.Is(err, rewardpool.ErrRoundFinished),
		errors.Is(err, rewardpool.ErrRoundOpen),
		errors.Is(err, rewardpool.ErrNotYetInitiated):
		return http.StatusConflict
	case errors.Is(err, rewardpool.ErrTransferFailed), errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, rewardpool.ErrInvalidAmount),
		errors.Is(err, rewardpool.ErrInvalidAddress),
		errors.Is(err, rewardpool.ErrArithmeticOverflow),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrSupplyOverflow):
		return http.StatusBadRequest
	default:
		var bad badRequestError
		if errors.As(err, &bad) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// badRequestError marks malformed client input.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return badRequestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: strings.TrimSpace(err.Error())}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	var short *rewardpool.InsufficientPrincipalError
	if errors.As(err, &short) && short.Available != nil {
		body.Available = short.Available.String()
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("pool request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}
