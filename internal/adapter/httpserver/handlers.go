package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Muxite/webrag/internal/auth"
	"github.com/Muxite/webrag/internal/config"
	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/gateway"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Tasks       *gateway.Service
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, tasks *gateway.Service, dbCheck, redisCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Tasks: tasks, DBCheck: dbCheck, RedisCheck: redisCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type createTaskRequest struct {
	Mandate       string `json:"mandate" validate:"required"`
	MaxTicks      int    `json:"max_ticks" validate:"gte=0"`
	CorrelationID string `json:"correlation_id" validate:"omitempty,max=128"`
}

// CreateTaskHandler accepts a mandate for asynchronous execution and responds
// 202 with the queued record.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "PAYLOAD_TOO_LARGE", Message: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: malformed json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		p, _ := auth.PrincipalFrom(r.Context())
		resp, err := s.Tasks.CreateTask(r.Context(), gateway.CreateTaskRequest{
			Mandate:       req.Mandate,
			MaxTicks:      req.MaxTicks,
			CorrelationID: req.CorrelationID,
		}, p)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// GetTaskHandler returns the merged view of one task.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id required", domain.ErrInvalidArgument), nil)
			return
		}
		resp, err := s.Tasks.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListTasksHandler returns the caller's task history.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.Tasks.ListTasks(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
	}
}

// AgentCountHandler reports how many workers are currently alive.
func (s *Server) AgentCountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"count": s.Tasks.AgentCount(r.Context())})
	}
}

// HealthHandler always answers 200 with per-component states; it is the
// human-facing view, while /readyz gates orchestrator traffic.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		components := map[string]string{}
		overall := "ok"
		for name, check := range map[string]func(context.Context) error{
			"db": s.DBCheck, "redis": s.RedisCheck, "broker": s.BrokerCheck,
		} {
			if check == nil {
				components[name] = "unknown"
				continue
			}
			if err := check(ctx); err != nil {
				components[name] = "down"
				overall = "degraded"
				continue
			}
			components[name] = "ok"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": overall, "components": components})
	}
}

// ReadyzHandler reports dependency health: 200 when every backing service
// answers within the probe budget, 503 otherwise.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type probe struct {
		name  string
		check func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		statuses := map[string]string{}
		healthy := true
		for _, p := range []probe{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"broker", s.BrokerCheck},
		} {
			if p.check == nil {
				statuses[p.name] = "skipped"
				continue
			}
			if err := p.check(ctx); err != nil {
				statuses[p.name] = err.Error()
				healthy = false
				continue
			}
			statuses[p.name] = "ok"
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"healthy": healthy, "checks": statuses})
	}
}
