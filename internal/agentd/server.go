package agentd

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server exposes the agent's request/response surface over HTTP JSON,
// plus the console-side confirm endpoint used during development in
// place of the cloud console.
type Server struct {
	store *Store
	log   zerolog.Logger

	httpServer *http.Server
	exitOnce   sync.Once
	exit       chan struct{}
}

// New builds a server listening on addr.
func New(addr string, store *Store, log zerolog.Logger) *Server {
	s := &Server{
		store: store,
		log:   log.With().Str("component", "agentd").Logger(),
		exit:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ping", s.handlePing)
	mux.HandleFunc("/v1/provision/status", s.handleProvisionStatus)
	mux.HandleFunc("/v1/provision/code", s.handleGenerateCode)
	mux.HandleFunc("/v1/provision/submit", s.handleSubmitCode)
	mux.HandleFunc("/v1/machine/id", s.handleMachineID)
	mux.HandleFunc("/v1/machine/info", s.handleMachineInfo)
	mux.HandleFunc("/v1/exit", s.handleExit)
	mux.HandleFunc("/console/confirm", s.handleConsoleConfirm)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until ctx is cancelled or an exit request arrives.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("agent daemon listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.exit:
		s.log.Info().Msg("exit requested")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"code": "success"})
}

func (s *Server) handleProvisionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Provision(r.Context())
	if err != nil {
		s.internalError(w, "provision status", err)
		return
	}
	writeJSON(w, map[string]bool{"status": st.Provisioned})
}

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	code, err := newPairingCode()
	if err != nil {
		s.internalError(w, "generate code", err)
		return
	}
	if err := s.store.SetActiveCode(r.Context(), code); err != nil {
		s.internalError(w, "generate code", err)
		return
	}
	s.log.Debug().Str("code", code).Msg("issued pairing code")
	writeJSON(w, map[string]string{"code": code})
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ok, err := s.store.Submit(r.Context(), req.Code)
	if err != nil {
		s.internalError(w, "submit code", err)
		return
	}
	writeJSON(w, map[string]bool{"success": ok})
}

func (s *Server) handleMachineID(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Provision(r.Context())
	if err != nil {
		s.internalError(w, "machine id", err)
		return
	}
	if !st.Provisioned {
		http.Error(w, "machine not provisioned", http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"machine_id": st.MachineID})
}

func (s *Server) handleMachineInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	value, err := s.store.Setting(r.Context(), req.Key)
	if err != nil {
		s.internalError(w, "machine info", err)
		return
	}
	writeJSON(w, map[string]string{"value": value})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	s.exitOnce.Do(func() { close(s.exit) })
}

func (s *Server) handleConsoleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := s.store.Confirm(r.Context(), req.Code)
	if errors.Is(err, ErrUnknownCode) {
		http.Error(w, "unknown code", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "console confirm", err)
		return
	}
	s.log.Info().Msg("pairing code confirmed")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error().Err(err).Str("op", op).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newPairingCode mints a console code of the form "ABCD 1234". Ambiguous
// characters are excluded from the charset.
func newPairingCode() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	const digits = "23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	code := make([]byte, 9)
	for i := 0; i < 4; i++ {
		code[i] = letters[int(buf[i])%len(letters)]
	}
	code[4] = ' '
	for i := 4; i < 8; i++ {
		code[i+1] = digits[int(buf[i])%len(digits)]
	}
	return string(code), nil
}
