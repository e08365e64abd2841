package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"actionplane/internal/audit"
	"actionplane/internal/kernel"
	"actionplane/pkg/middleware"
)

// maxBody bounds the envelope; per-action schemas bound the params inside.
const maxBody = 1 << 20

type actionEnvelope struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key"`
	DryRun         bool           `json:"dry_run"`
	TenantID       string         `json:"tenant_id"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var env actionEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&env); err != nil {
		e := kernel.ErrInvalidInput("malformed JSON body")
		writeJSON(w, kernel.Response{Status: e.Status(), RequestID: middleware.RequestIDFrom(r.Context()), Err: e}, http.StatusBadRequest)
		return
	}

	resp := s.router.Dispatch(r.Context(), kernel.Request{
		Credential:     credentialFrom(r),
		TenantHint:     env.TenantID,
		Action:         env.Action,
		IdempotencyKey: env.IdempotencyKey,
		DryRun:         env.DryRun,
		Params:         env.Params,
		SourceIP:       clientIP(r),
		RequestID:      middleware.RequestIDFrom(r.Context()),
	})
	s.metrics.Observe(env.Action, resp, time.Since(start))

	if resp.Err != nil && resp.Err.RetryAfter > 0 {
		secs := int64((resp.Err.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, resp, httpStatus(resp))
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		http.Error(w, "audit sink not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	f := audit.Filter{TenantID: q.Get("tenant"), Action: q.Get("action"), Limit: limit}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	entries, err := s.sink.QueryAudit(r.Context(), f)
	if err != nil {
		s.log.Errorw("audit query", "err", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"entries": entries}, http.StatusOK)
}

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		http.Error(w, "audit sink not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	tenant := q.Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	days, _ := strconv.Atoi(q.Get("days"))
	if days <= 0 || days > 90 {
		days = 7
	}
	sum, err := s.sink.UsageSummary(r.Context(), tenant, time.Now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		s.log.Errorw("usage query", "err", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sum, http.StatusOK)
}

// httpStatus maps the kernel's error kinds onto wire statuses. Quota and
// policy denials are 4xx; only genuine backend trouble is 5xx.
func httpStatus(resp kernel.Response) int {
	if resp.Err == nil {
		return http.StatusOK
	}
	switch resp.Err.Kind {
	case kernel.KindUnauthenticated:
		return http.StatusUnauthorized
	case kernel.KindForbidden:
		return http.StatusForbidden
	case kernel.KindUnknownAction:
		return http.StatusNotFound
	case kernel.KindInvalidInput, kernel.KindInvalidVerificationToken:
		return http.StatusBadRequest
	case kernel.KindIdempotencyConflict:
		return http.StatusConflict
	case kernel.KindRateLimited, kernel.KindCeilingExceeded:
		return http.StatusTooManyRequests
	case kernel.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// credentialFrom accepts Authorization: Bearer or X-API-Key.
func credentialFrom(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// clientIP is the peer address after RealIP has folded in proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
