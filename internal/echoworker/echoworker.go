// Package echoworker is a minimal worker speaking the job submission HTTP
// protocol. Every job imports its inputs from the run directory named by
// the importer node and exports them back unchanged as outputs.
package echoworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Legion/internal/exchange"
	"github.com/CZERTAINLY/Legion/internal/workflow"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Server implements the /queue, /prompt and /history/{id} endpoints.
type Server struct {
	mx       sync.Mutex
	exchange *exchange.Exchange
	delay    time.Duration
	history  map[string]Entry
	running  map[string]struct{}
	wg       sync.WaitGroup
	mux      *http.ServeMux
	// ctx is the parent of all jobs
	ctx context.Context
}

type Entry struct {
	Prompt  workflow.Workflow `json:"prompt"`
	Outputs map[string]any    `json:"outputs,omitempty"`
	Status  Status            `json:"status"`
}

type Status struct {
	StatusStr string   `json:"status_str"`
	Completed bool     `json:"completed"`
	Messages  []string `json:"messages,omitempty"`
}

type Option func(*Server)

// WithDelay makes every job take at least d.
func WithDelay(d time.Duration) Option {
	return func(s *Server) {
		s.delay = d
	}
}

func New(ctx context.Context, x *exchange.Exchange, opts ...Option) *Server {
	s := &Server{
		exchange: x,
		history:  make(map[string]Entry),
		running:  make(map[string]struct{}),
		mux:      http.NewServeMux(),
		ctx:      ctx,
	}
	for _, o := range opts {
		o(s)
	}
	s.mux.HandleFunc("GET /queue", s.queue)
	s.mux.HandleFunc("POST /prompt", s.prompt)
	s.mux.HandleFunc("GET /history/{id}", s.historyEntry)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Wait blocks until all accepted jobs finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) queue(w http.ResponseWriter, _ *http.Request) {
	s.mx.Lock()
	running := make([]string, 0, len(s.running))
	for id := range s.running {
		running = append(running, id)
	}
	s.mx.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_running": running,
		"queue_pending": []string{},
	})
}

type promptRequest struct {
	Prompt   workflow.Workflow `json:"prompt"`
	ClientID string            `json:"client_id"`
}

func (s *Server) prompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}
	runDir, err := exchangeRoot(req.Prompt)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "node_errors": map[string]any{}})
		return
	}

	id := uuid.NewString()
	s.mx.Lock()
	s.running[id] = struct{}{}
	s.mx.Unlock()

	ctx := context.WithoutCancel(s.ctx)
	slog.InfoContext(ctx, "job accepted", "prompt_id", id, "client_id", req.ClientID, "run_dir", runDir)
	s.wg.Go(func() {
		entry := s.run(ctx, req.Prompt, runDir)
		s.mx.Lock()
		delete(s.running, id)
		s.history[id] = entry
		s.mx.Unlock()
		slog.InfoContext(ctx, "job finished", "prompt_id", id, "status", entry.Status.StatusStr)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"prompt_id":   id,
		"number":      0,
		"node_errors": map[string]any{},
	})
}

func (s *Server) run(ctx context.Context, prompt workflow.Workflow, runDir string) Entry {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	entry := Entry{Prompt: prompt}
	values, err := s.exchange.ImportInputs(ctx, runDir)
	if err == nil {
		err = s.exchange.ExportOutputs(ctx, runDir, values)
	}
	if err != nil {
		slog.ErrorContext(ctx, "job failed", "run_dir", runDir, "error", err)
		entry.Status = Status{StatusStr: StatusError, Messages: []string{err.Error()}}
		return entry
	}
	entry.Outputs = map[string]any{
		"legion": map[string]any{"names": values.Names()},
	}
	entry.Status = Status{StatusStr: StatusSuccess, Completed: true}
	return entry
}

func (s *Server) historyEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mx.Lock()
	entry, ok := s.history[id]
	s.mx.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]Entry{id: entry})
}

func exchangeRoot(prompt workflow.Workflow) (string, error) {
	id, ok := prompt.FindNode(workflow.ImporterClass)
	if !ok {
		return "", fmt.Errorf("no %s node in prompt", workflow.ImporterClass)
	}
	v, ok := prompt.Get(id + ".inputs." + workflow.ExchangeRootInput)
	if !ok {
		return "", fmt.Errorf("node %s has no %s input", id, workflow.ExchangeRootInput)
	}
	root, ok := v.(string)
	if !ok || root == "" {
		return "", fmt.Errorf("node %s: %s must be a non empty string", id, workflow.ExchangeRootInput)
	}
	return root, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
