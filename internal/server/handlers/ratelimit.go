package handlers

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	apperrors "github.com/amu-labs/gatekeep/internal/errors"
)

// RateLimitHandler exposes the limiter for one scope per request.
type RateLimitHandler struct {
	Limiter *engine.RateLimiter
}

// RateLimitResponse is the status of one scope under its effective config.
type RateLimitResponse struct {
	Scope       string `json:"scope"`
	MaxAttempts int    `json:"max_attempts"`
	WindowMS    int64  `json:"window_ms"`
	CooldownMS  int64  `json:"cooldown_ms"`
	core.RateLimitStatus
	RetryAfterMS int64 `json:"retry_after_ms"`
}

// Status handles GET /v1/rate-limits/{scope}.
func (h *RateLimitHandler) Status(w http.ResponseWriter, r *http.Request) {
	scope, override, ok := h.parse(w, r)
	if !ok {
		return
	}

	cfg, err := h.Limiter.Config(scope, override)
	if err != nil {
		respondWithError(w, r, apperrors.WrapBadRequest(r.Context(), err, "invalid rate limit override"))
		return
	}
	status, err := h.Limiter.Check(r.Context(), scope, override)
	if err != nil {
		respondWithError(w, r, storeUnavailable(r, err))
		return
	}

	writeJSON(w, http.StatusOK, RateLimitResponse{
		Scope:           scope,
		MaxAttempts:     cfg.MaxAttempts,
		WindowMS:        cfg.Window.Milliseconds(),
		CooldownMS:      cfg.Cooldown.Milliseconds(),
		RateLimitStatus: status,
		RetryAfterMS:    status.RetryAfter.Milliseconds(),
	})
}

// Record handles POST /v1/rate-limits/{scope}/attempts.
func (h *RateLimitHandler) Record(w http.ResponseWriter, r *http.Request) {
	scope, override, ok := h.parse(w, r)
	if !ok {
		return
	}
	if _, err := h.Limiter.Config(scope, override); err != nil {
		respondWithError(w, r, apperrors.WrapBadRequest(r.Context(), err, "invalid rate limit override"))
		return
	}

	err := h.Limiter.RecordAttempt(r.Context(), scope, override)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrQuotaExhausted):
		status, checkErr := h.Limiter.Check(r.Context(), scope, override)
		if checkErr != nil {
			respondWithError(w, r, storeUnavailable(r, checkErr))
			return
		}
		respondWithError(w, r, RateLimited(scope, status))
	default:
		respondWithError(w, r, storeUnavailable(r, err))
	}
}

// Clear handles DELETE /v1/rate-limits/{scope}.
func (h *RateLimitHandler) Clear(w http.ResponseWriter, r *http.Request) {
	scope, _, ok := h.parse(w, r)
	if !ok {
		return
	}
	if err := h.Limiter.Clear(r.Context(), scope); err != nil {
		respondWithError(w, r, storeUnavailable(r, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RateLimitHandler) parse(w http.ResponseWriter, r *http.Request) (string, core.RateLimitOverride, bool) {
	if h == nil || h.Limiter == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("rate limiter is not configured"))
		return "", core.RateLimitOverride{}, false
	}

	scope, err := url.PathUnescape(chi.URLParam(r, "scope"))
	if err != nil || strings.TrimSpace(scope) == "" {
		respondWithError(w, r, apperrors.NewBadRequestError("scope is required"))
		return "", core.RateLimitOverride{}, false
	}

	override, err := ParseOverride(r.URL.Query())
	if err != nil {
		respondWithError(w, r, apperrors.WrapBadRequest(r.Context(), err, err.Error()))
		return "", core.RateLimitOverride{}, false
	}
	return scope, override, true
}

// ParseOverride reads max_attempts, window and cooldown query parameters.
// Durations use Go syntax ("90s", "1h").
func ParseOverride(q url.Values) (core.RateLimitOverride, error) {
	var override core.RateLimitOverride

	if raw := strings.TrimSpace(q.Get("max_attempts")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return override, fmt.Errorf("max_attempts must be a positive integer, got %q", raw)
		}
		override.MaxAttempts = n
	}
	if raw := strings.TrimSpace(q.Get("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return override, fmt.Errorf("window must be a positive duration, got %q", raw)
		}
		override.Window = d
	}
	if raw := strings.TrimSpace(q.Get("cooldown")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return override, fmt.Errorf("cooldown must be a non-negative duration, got %q", raw)
		}
		override.Cooldown = &d
	}
	return override, nil
}

// RateLimited builds the 429 envelope for a denied scope.
func RateLimited(scope string, status core.RateLimitStatus) error {
	details := map[string]any{
		"scope":              scope,
		"attempts":           status.Attempts,
		"remaining_attempts": status.RemainingAttempts,
		"retry_after_ms":     status.RetryAfter.Milliseconds(),
	}
	if status.ResetAt != nil {
		details["reset_at"] = status.ResetAt.UTC().Format(time.RFC3339)
	}
	if status.CooldownEndsAt != nil {
		details["cooldown_ends_at"] = status.CooldownEndsAt.UTC().Format(time.RFC3339)
	}

	message := status.Message
	if message == "" {
		message = "Rate limit exceeded."
	}
	return apperrors.NewRateLimitedError(message, retryAfterSeconds(status.RetryAfter), details)
}

func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func storeUnavailable(r *http.Request, err error) error {
	return apperrors.Wrap(r.Context(), apperrors.CodeServiceUnavailable, err, "rate limit state is unavailable")
}
