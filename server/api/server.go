// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the writer's statistics and runtime tuning knobs
// over h2c, so management tooling can poll stats cheaply on one
// multiplexed connection. Every read is atomics-only on the writer
// side; pollers never contend with producers or the batch loop.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/absmach/fluxlog/queue"
	"github.com/absmach/fluxlog/writer"
)

// Config holds configuration for the admin API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Writer is the slice of the batch writer the API needs.
type Writer interface {
	Stats() writer.StatsSnapshot
	State() writer.State
	SetBatchDelay(time.Duration)
	SetDiscardThreshold(int)
	SetDiscardAction(queue.DiscardPolicy)
}

// Server provides the admin/statistics HTTP API.
type Server struct {
	config   Config
	writer   Writer
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new API server. A nil logger falls back to
// slog.Default().
func New(cfg Config, w Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		writer: w,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/state", s.handleState)
	mux.HandleFunc("/v1/writer/tuning", s.handleTuning)

	h2s := &http2.Server{}
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(mux, h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the API server and blocks until the context is
// cancelled or the server fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting admin API server (h2c)", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.writer.Stats())
}

// StateResponse carries the writer's lifecycle state.
type StateResponse struct {
	State string `json:"state"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(StateResponse{State: s.writer.State().String()})
}

// TuningRequest is a partial update of the writer's runtime knobs.
// Absent fields are left unchanged.
type TuningRequest struct {
	BatchDelay       *string `json:"batch_delay,omitempty"`
	DiscardThreshold *int    `json:"discard_threshold,omitempty"`
	DiscardAction    *string `json:"discard_action,omitempty"`
}

func (s *Server) handleTuning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TuningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Validate everything before applying anything, so a bad request
	// never half-applies.
	var delay time.Duration
	if req.BatchDelay != nil {
		var err error
		delay, err = time.ParseDuration(*req.BatchDelay)
		if err != nil || delay <= 0 {
			http.Error(w, "batch_delay must be a positive duration", http.StatusBadRequest)
			return
		}
	}
	if req.DiscardThreshold != nil && *req.DiscardThreshold < 1 {
		http.Error(w, "discard_threshold must be at least 1", http.StatusBadRequest)
		return
	}
	if req.DiscardAction != nil {
		if err := queue.DiscardPolicy(*req.DiscardAction).Validate(); err != nil {
			http.Error(w, "discard_action must be one of: none, oldest, newest", http.StatusBadRequest)
			return
		}
	}

	if req.BatchDelay != nil {
		s.writer.SetBatchDelay(delay)
		s.logger.Info("batch delay updated", slog.Duration("batch_delay", delay))
	}
	if req.DiscardThreshold != nil {
		s.writer.SetDiscardThreshold(*req.DiscardThreshold)
		s.logger.Info("discard threshold updated", slog.Int("discard_threshold", *req.DiscardThreshold))
	}
	if req.DiscardAction != nil {
		s.writer.SetDiscardAction(queue.DiscardPolicy(*req.DiscardAction))
		s.logger.Info("discard action updated", slog.String("discard_action", *req.DiscardAction))
	}

	w.WriteHeader(http.StatusNoContent)
}
