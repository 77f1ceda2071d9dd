package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/config"
	"github.com/g960059/nfcbridge/internal/coordinator"
	"github.com/g960059/nfcbridge/internal/db"
	"github.com/g960059/nfcbridge/internal/model"
	"github.com/g960059/nfcbridge/internal/uidfmt"
)

const (
	maxRequestBody  = 64 << 10
	maxHistoryLimit = 500
)

// Coordinator is the part of the coordinator the API exposes.
type Coordinator interface {
	Handle(ctx context.Context, req api.ActionRequest) (api.ActionReply, error)
	Snapshot(ctx context.Context) (model.State, error)
}

type HistoryReader interface {
	ListCardReads(ctx context.Context, limit int) ([]model.CardRead, error)
}

// Deps wires the server to the rest of the daemon. Nil members disable
// their routes.
type Deps struct {
	Coordinator Coordinator
	History     HistoryReader
	Push        http.Handler
	Metrics     http.Handler
	Logger      *slog.Logger
}

type Server struct {
	cfg         config.Config
	deps        Deps
	log         *slog.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Coordinator != nil {
		mux.HandleFunc("/v1/state", s.stateHandler)
		mux.HandleFunc("/v1/actions/", s.actionHandler)
		mux.HandleFunc("/v1/messages", s.messagesHandler)
	}
	if deps.History != nil {
		mux.HandleFunc("/v1/history", s.historyHandler)
	}
	if deps.Push != nil {
		mux.Handle("/v1/ws", deps.Push)
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	return s
}

// Handler exposes the routes for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	if s.deps.Coordinator != nil {
		st, err := s.deps.Coordinator.Snapshot(r.Context())
		if err != nil {
			resp.Status = "degraded"
		} else {
			resp.Connected = st.Connected
			resp.Listening = st.IsListening
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	st, err := s.deps.Coordinator.Snapshot(r.Context())
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StateEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		State:         st,
	})
}

// routedActions may be posted to /v1/actions/{action}.
var routedActions = map[string]bool{
	api.ActionConnect:          true,
	api.ActionDisconnect:       true,
	api.ActionEnsureConnection: true,
	api.ActionListReaders:      true,
	api.ActionStartListening:   true,
	api.ActionStopListening:    true,
	api.ActionSetFormat:        true,
	api.ActionGetState:         true,
}

func (s *Server) actionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/actions/"), "/")
	if !routedActions[name] {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "unknown action")
		return
	}
	var req api.ActionRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, err.Error())
		return
	}
	req.Action = name
	s.dispatch(w, r, req)
}

// messagesHandler accepts the generic {action, ...} envelope.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ActionRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, err.Error())
		return
	}
	s.dispatch(w, r, req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req api.ActionRequest) {
	reply, err := s.deps.Coordinator.Handle(r.Context(), req)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := db.DefaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	reads, err := s.deps.History.ListCardReads(r.Context(), limit)
	if err != nil {
		s.log.Error("list card reads", "error", err)
		s.writeError(w, http.StatusInternalServerError, api.ErrUnavailable, "history unavailable")
		return
	}
	items := make([]api.CardReadItem, 0, len(reads))
	for _, read := range reads {
		items = append(items, api.CardReadItem{
			ID:          read.ID,
			UID:         read.UID,
			UIDType:     read.UIDType,
			ReaderIndex: read.ReaderIndex,
			ReaderName:  read.ReaderName,
			Formatted:   uidfmt.Apply(read.UID, read.Format),
			ReadAt:      read.ReadAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.HistoryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Reads:         items,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst *api.ActionRequest, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if !allowEmpty && strings.TrimSpace(dst.Action) == "" {
		return errors.New("action is required")
	}
	return nil
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	if errors.Is(err, coordinator.ErrStopped) {
		s.writeError(w, http.StatusServiceUnavailable, api.ErrUnavailable, "coordinator stopped")
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusServiceUnavailable, api.ErrUnavailable, "request cancelled")
		return
	}
	s.log.Error("coordinator request failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, api.ErrPreconditionFail, "request failed")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, api.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
