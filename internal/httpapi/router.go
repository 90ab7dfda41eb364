// Package httpapi serves health, run status and optional pprof over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"adsbot/internal/broadcast"
	logx "adsbot/pkg/logx"
)

// StatusSource is the read side of the broadcast service.
type StatusSource interface {
	Status(ctx context.Context, owner int64) (broadcast.Status, error)
	Running() []int64
}

type statusJSON struct {
	Owner        int64     `json:"owner"`
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	Paused       bool      `json:"paused"`
	RunID        string    `json:"run_id,omitempty"`
	Mode         string    `json:"mode"`
	CycleIndex   int64     `json:"cycle_index"`
	MessageIndex int       `json:"message_index"`
	WindowSize   int       `json:"window_size"`
	Sent         int64     `json:"sent"`
	Failed       int64     `json:"failed"`
	Senders      int       `json:"senders"`
	Groups       int       `json:"groups"`
	Suspended    int       `json:"suspended"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	RestingUntil time.Time `json:"resting_until,omitzero"`
}

func toJSON(owner int64, st broadcast.Status) statusJSON {
	return statusJSON{
		Owner:        owner,
		State:        string(st.State),
		Running:      st.Running,
		Paused:       st.Paused,
		RunID:        st.RunID,
		Mode:         string(st.Mode),
		CycleIndex:   st.CycleIndex,
		MessageIndex: st.MessageIndex,
		WindowSize:   st.WindowSize,
		Sent:         st.Sent,
		Failed:       st.Failed,
		Senders:      st.Senders,
		Groups:       st.Groups,
		Suspended:    st.Suspended,
		StartedAt:    st.StartedAt,
		RestingUntil: st.RestingUntil,
	}
}

type api struct {
	src     StatusSource
	log     logx.Logger
	started time.Time
}

// NewRouter builds the handler tree. token, when set, guards everything but
// /healthz with a bearer token.
func NewRouter(src StatusSource, log logx.Logger, token string, pprof bool) http.Handler {
	a := &api{src: src, log: log, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(a.requestLog)

	r.Get("/healthz", a.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(bearer(token))
		r.Get("/status/{owner}", a.handleStatus)
		r.Get("/metrics/runs", a.handleRuns)
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("rid", middleware.GetReqID(r.Context())),
		)
	})
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(a.started).Round(time.Second).String(),
		"running": len(a.src.Running()),
	})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, err := strconv.ParseInt(chi.URLParam(r, "owner"), 10, 64)
	if err != nil || owner <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner must be a positive integer"})
		return
	}
	st, err := a.src.Status(r.Context(), owner)
	if err != nil {
		a.log.Warn("status lookup failed", logx.Owner(owner), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toJSON(owner, st))
}

func (a *api) handleRuns(w http.ResponseWriter, r *http.Request) {
	owners := a.src.Running()
	runs := make([]statusJSON, 0, len(owners))
	var sent, failed int64
	for _, o := range owners {
		st, err := a.src.Status(r.Context(), o)
		if err != nil {
			continue
		}
		sent += st.Sent
		failed += st.Failed
		runs = append(runs, toJSON(o, st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": len(runs),
		"sent":    sent,
		"failed":  failed,
		"runs":    runs,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
