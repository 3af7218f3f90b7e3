package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amu-labs/gatekeep/internal/core/engine"
	apperrors "github.com/amu-labs/gatekeep/internal/errors"
	"github.com/amu-labs/gatekeep/internal/upstream"
)

// maxRequestBytes bounds inbound gateway bodies.
const maxRequestBytes = 1 << 20

var errUpstream = errors.New("upstream request failed")

// GatewayHandler forwards gated requests to the upstream API.
type GatewayHandler struct {
	Guard         *engine.Guard
	Upstream      *upstream.Client
	SubjectHeader string
	CourseScope   string
}

// CreateCourse handles POST /v1/courses. Each subject may generate a bounded
// number of courses per window, one at a time.
func (h *GatewayHandler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(r.Header.Get(h.SubjectHeader))
	if subject == "" {
		respondWithError(w, r, apperrors.NewBadRequestError(h.SubjectHeader+" header is required"))
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	scope := h.CourseScope + ":" + subject
	resp, err := engine.Guarded(r.Context(), h.Guard, scope, "course:"+subject, h.forward(r, "courses", "/courses", body))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	relay(w, resp)
}

// LessonChat handles POST /v1/lessons/{lessonID}/chat. Chat turns for one
// lesson are serialized; they are not rate limited.
func (h *GatewayHandler) LessonChat(w http.ResponseWriter, r *http.Request) {
	lessonID := strings.TrimSpace(chi.URLParam(r, "lessonID"))
	if lessonID == "" {
		respondWithError(w, r, apperrors.NewBadRequestError("lesson id is required"))
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var coordinator *engine.Coordinator
	if h.Guard != nil {
		coordinator = h.Guard.Coordinator
	}
	chat := &engine.Guard{Coordinator: coordinator}

	resp, err := engine.Guarded(r.Context(), chat, "", "lesson-chat:"+lessonID, h.forward(r, "lesson_chat", "/lessons/"+lessonID+"/chat", body))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	relay(w, resp)
}

func (h *GatewayHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if h.Upstream == nil || !h.Upstream.Configured() {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("upstream is not configured"))
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		respondWithError(w, r, apperrors.WrapBadRequest(r.Context(), err, "request body is unreadable or too large"))
		return nil, false
	}
	return body, true
}

func (h *GatewayHandler) forward(r *http.Request, route, path string, body []byte) func(context.Context) (*upstream.Response, error) {
	return func(ctx context.Context) (*upstream.Response, error) {
		resp, err := h.Upstream.Forward(ctx, route, http.MethodPost, path, r.Header, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUpstream, err)
		}
		return resp, nil
	}
}

func (h *GatewayHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var limited *engine.RateLimitedError
	switch {
	case errors.As(err, &limited):
		respondWithError(w, r, RateLimited(limited.Scope, limited.Status))
	case errors.Is(err, engine.ErrWaitTimeout):
		respondWithError(w, r, apperrors.Wrap(ctx, apperrors.CodeWaitTimeout, err, "another request for this resource is still in progress"))
	case errors.Is(err, errUpstream):
		respondWithError(w, r, apperrors.WrapUpstream(ctx, err, "upstream request failed"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, r, apperrors.Wrap(ctx, apperrors.CodeTimeout, err, "request ended while waiting for its turn"))
	default:
		respondWithError(w, r, storeUnavailable(r, err))
	}
}

func relay(w http.ResponseWriter, resp *upstream.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
