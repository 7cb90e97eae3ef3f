package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/storage"
)

const maxRequestBody = 1 << 20

func newServeCommand(flags *rootFlags) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline execution API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if listenAddr == "" {
				listenAddr = a.cfg.Server.Address
			}

			if flags.configPath != "" {
				watcher, err := config.NewWatcher(flags.configPath, func(cfg *config.Config) error {
					a.service.SetDefaults(cfg.Sandbox.ExecutionContext())
					a.logger.Info("sandbox defaults reloaded",
						"isolation", cfg.Sandbox.IsolationLevel,
						"policy", cfg.Sandbox.SecurityPolicy,
					)
					return nil
				}, a.logger)
				if err != nil {
					return err
				}
				if err := watcher.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := watcher.Stop(); err != nil {
						a.logger.Warn("stopping config watcher", "error", err)
					}
				}()
			}

			return serveHTTP(ctx, a, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")
	return cmd
}

func serveHTTP(ctx context.Context, a *app, addr string) error {
	api := &apiServer{app: a}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("POST /v1/run", api.handleRun)
	mux.HandleFunc("POST /v1/validate", api.handleValidate)
	mux.HandleFunc("GET /v1/engines", api.handleEngines)
	mux.HandleFunc("GET /v1/runs", api.handleRuns)
	mux.HandleFunc("GET /v1/events", api.handleEvents)

	server := &http.Server{
		Handler:      otelhttp.NewHandler(mux, "conveyor.api"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // pipeline runs happen inline
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.logger.Info("server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type apiServer struct {
	app *app
}

type stagePayload struct {
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Output   string `json:"output,omitempty"`
	Err      string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

type jobPayload struct {
	ID         string         `json:"id"`
	Pipeline   string         `json:"pipeline"`
	Status     string         `json:"status"`
	Stages     []stagePayload `json:"stages,omitempty"`
	LogExcerpt string         `json:"log_excerpt,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   string         `json:"duration"`
}

type findingPayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

type validationPayload struct {
	Valid    bool             `json:"valid"`
	Findings []findingPayload `json:"findings,omitempty"`
}

type enginePayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Extensions   []string `json:"extensions"`
	Capabilities []string `json:"capabilities"`
}

type eventPayload struct {
	Sequence    uint64    `json:"sequence"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	EngineID    string    `json:"engine_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (s *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "pipeline.yaml"
	}
	engineID := r.URL.Query().Get("engine")

	job := s.app.service.ExecuteSource(r.Context(), name, content, engineID)
	status := http.StatusOK
	if job.Status == domain.StageFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toJobPayload(job))
}

func (s *apiServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engineID := r.URL.Query().Get("engine")
	result, err := s.app.service.ValidateContent(r.Context(), content, engineID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload := validationPayload{Valid: result.Valid}
	for _, f := range result.Findings {
		fp := findingPayload{Severity: string(f.Severity), Message: f.Message}
		if f.Location != nil {
			fp.File = f.Location.File
			fp.Line = f.Location.Line
		}
		payload.Findings = append(payload.Findings, fp)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleEngines(w http.ResponseWriter, r *http.Request) {
	descriptors := s.app.service.Engines()
	payload := make([]enginePayload, 0, len(descriptors))
	for _, d := range descriptors {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, string(c))
		}
		payload = append(payload, enginePayload{
			ID:           d.ID,
			Name:         d.Name,
			Version:      d.Version,
			Extensions:   d.Extensions,
			Capabilities: caps,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	runs, err := s.app.service.Runs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload := make([]jobPayload, 0, len(runs))
	for _, job := range runs {
		payload = append(payload, toJobPayload(job))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	var buffered []storage.BufferedEvent
	if executionID := r.URL.Query().Get("execution"); executionID != "" {
		buffered = s.app.buffer.ForExecution(executionID)
	} else {
		buffered = s.app.buffer.All()
	}

	payload := make([]eventPayload, 0, len(buffered))
	for _, be := range buffered {
		ep := eventPayload{
			Sequence:    be.Sequence,
			Type:        string(be.Event.Type),
			ExecutionID: be.Event.ExecutionID,
			EngineID:    be.Event.EngineID,
			Timestamp:   be.Event.Timestamp,
			Message:     be.Event.Message,
		}
		if be.Event.Err != nil {
			ep.Error = be.Event.Err.Error()
		}
		payload = append(payload, ep)
	}
	writeJSON(w, http.StatusOK, payload)
}

func toJobPayload(job domain.JobResult) jobPayload {
	payload := jobPayload{
		ID:         job.ID,
		Pipeline:   job.Pipeline,
		Status:     string(job.Status),
		LogExcerpt: job.LogExcerpt,
		StartedAt:  job.StartedAt,
		Duration:   job.Duration.String(),
	}
	for _, stage := range job.Stages {
		payload.Stages = append(payload.Stages, stagePayload{
			Stage:    stage.Stage,
			Status:   string(stage.Status),
			Output:   stage.Output,
			Err:      stage.Err,
			Duration: stage.Duration.String(),
		})
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out; an encode failure has nowhere to go.
	_ = json.NewEncoder(w).Encode(payload)
}
