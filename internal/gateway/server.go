package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/config"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/MEKXH/deskhand/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Items is the read side of the ledger.
type Items interface {
	Get(id string) (ledger.WorkItem, bool)
	List(s vault.State) []ledger.WorkItem
	All() []ledger.WorkItem
}

// Approvals lists approval artifacts by directory.
type Approvals interface {
	List(status approval.RequestStatus) ([]approval.Located, error)
}

// History returns the audit trail of one item.
type History interface {
	ReadItem(id string) ([]audit.Entry, error)
}

// Sources wires the read models served by the status API. Nil fields are
// reported as not configured.
type Sources struct {
	Items     Items
	Approvals Approvals
	History   History
	Metrics   *metrics.Recorder
}

type Server struct {
	cfg        config.GatewayConfig
	handler    http.Handler
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, src Sources) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		cfg.Port = 18791
	}
	cfg.Host = host
	return &Server{cfg: cfg, handler: NewHandler(cfg.Token, src)}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return <-errCh
}

func NewHandler(token string, src Sources) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, getRequestID(r), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, getRequestID(r), http.StatusNotFound, "not_found", "not found")
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": getRequestID(r),
		})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"commit":     version.Commit,
			"request_id": getRequestID(r),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(token))

		r.Get("/items", func(w http.ResponseWriter, r *http.Request) {
			rid := getRequestID(r)
			if src.Items == nil {
				writeError(w, rid, http.StatusServiceUnavailable, "unavailable", "ledger is not configured")
				return
			}
			items := src.Items.All()
			if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
				s, ok := vault.ParseState(raw)
				if !ok {
					writeError(w, rid, http.StatusBadRequest, "bad_request", "unknown state "+raw)
					return
				}
				items = src.Items.List(s)
			}
			if items == nil {
				items = []ledger.WorkItem{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"items":      items,
				"count":      len(items),
				"request_id": rid,
			})
		})

		r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
			rid := getRequestID(r)
			if src.Items == nil {
				writeError(w, rid, http.StatusServiceUnavailable, "unavailable", "ledger is not configured")
				return
			}
			item, ok := src.Items.Get(chi.URLParam(r, "id"))
			if !ok {
				writeError(w, rid, http.StatusNotFound, "not_found", "work item not found")
				return
			}
			resp := map[string]any{"item": item, "request_id": rid}
			if src.History != nil {
				history, err := src.History.ReadItem(item.ID)
				if err != nil {
					slog.Error("gateway read history failed", "request_id", rid, "item_id", item.ID, "error", err)
					writeError(w, rid, http.StatusInternalServerError, "internal_error", "failed to read audit history")
					return
				}
				resp["history"] = history
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Get("/approvals", func(w http.ResponseWriter, r *http.Request) {
			rid := getRequestID(r)
			if src.Approvals == nil {
				writeError(w, rid, http.StatusServiceUnavailable, "unavailable", "approval gate is not configured")
				return
			}
			var status approval.RequestStatus
			if raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))); raw != "" {
				status = approval.RequestStatus(raw)
				if status != approval.StatusPending && status != approval.StatusApproved && status != approval.StatusRejected {
					writeError(w, rid, http.StatusBadRequest, "bad_request", "unknown status "+raw)
					return
				}
			}
			located, err := src.Approvals.List(status)
			if err != nil {
				slog.Error("gateway list approvals failed", "request_id", rid, "error", err)
				writeError(w, rid, http.StatusInternalServerError, "internal_error", "failed to list approvals")
				return
			}
			out := make([]approvalView, 0, len(located))
			for _, loc := range located {
				out = append(out, newApprovalView(loc))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"approvals":  out,
				"count":      len(out),
				"request_id": rid,
			})
		})

		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"metrics":    src.Metrics.Snapshot(),
				"request_id": getRequestID(r),
			})
		})
	})
	return r
}

type approvalView struct {
	ID         string            `json:"id"`
	WorkItemID string            `json:"work_item_id,omitempty"`
	ItemName   string            `json:"work_item_name,omitempty"`
	Kind       string            `json:"action_kind,omitempty"`
	Params     map[string]string `json:"action_parameters,omitempty"`
	Location   string            `json:"location"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newApprovalView(loc approval.Located) approvalView {
	v := approvalView{
		ID:         loc.ID,
		WorkItemID: loc.Request.WorkItemID,
		ItemName:   loc.Request.WorkItemName,
		Kind:       loc.Request.ActionKind,
		Params:     loc.Request.ActionParameters,
		Location:   string(loc.Location),
	}
	if !loc.Request.ExpiresAt.IsZero() {
		exp := loc.Request.ExpiresAt
		v.ExpiresAt = &exp
	}
	if loc.Err != nil {
		v.Error = loc.Err.Error()
	}
	return v
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, rid)))
	})
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(token) != "" && !isAuthorized(r, token) {
				writeError(w, getRequestID(r), http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	if rid, ok := r.Context().Value(requestIDKey{}).(string); ok && rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
