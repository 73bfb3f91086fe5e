// Command taskcored runs the task orchestration core as a long-lived
// process: it loads task definitions, wires every subsystem together via
// internal/manager, and exposes the control surface over plain net/http,
// the way the teacher's cmd/orchestrator main.go does it (no web
// framework, signal.NotifyContext for graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/config"
	"github.com/swarmguard/taskcore/internal/depgraph"
	"github.com/swarmguard/taskcore/internal/executors"
	"github.com/swarmguard/taskcore/internal/manager"
	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/notify"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/resources"
	"github.com/swarmguard/taskcore/internal/statestore"
	"github.com/swarmguard/taskcore/internal/telemetry"
	"github.com/swarmguard/taskcore/internal/worker"
)

const serviceName = "taskcored"

func main() {
	configPath := flag.String("config", "", "path to the global config JSON document")
	tasksPath := flag.String("tasks", "", "path to the task definitions JSON document")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	telemetry.InitLogging(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, meter := telemetry.InitMetrics(ctx, serviceName)

	global := config.DefaultGlobal()
	if *configPath != "" {
		g, err := config.LoadGlobal(*configPath)
		if err != nil {
			slog.Error("load config failed", "error", err)
			return
		}
		global = g
	}

	var storeOpts []statestore.OpenOption
	if global.IntegrityHistory {
		storeOpts = append(storeOpts, statestore.WithIntegrity())
	}
	store, err := statestore.Open(global.StateDBPath, meter, storeOpts...)
	if err != nil {
		slog.Error("open state store failed", "error", err)
		return
	}
	defer store.Close()

	budget := resources.New(global.ResourcePools, meter)
	graph := depgraph.New(budget)
	reg := registry.New()

	var notifier notify.Notifier = &notify.Recorder{}
	if global.NATSURL != "" {
		nc, err := nats.Connect(global.NATSURL)
		if err != nil {
			slog.Warn("nats connect failed, falling back to in-memory notifier", "error", err)
		} else {
			defer nc.Close()
			notifier = notify.NewNATSNotifier(nc)
		}
	}

	svc := &executors.Services{
		HTTPClient:     executors.DefaultHTTPClient(),
		PolicyURL:      global.OTLPEndpoint, // placeholder wiring point; overridden per-task via executor_params.policy_url
		ShellWhitelist: map[string]bool{"echo": true, "date": true, "ls": true},
		Breaker:        executors.DefaultBreaker(),
	}
	executors.RegisterAll(reg, svc)

	pool := worker.New(global.MaxWorkers, global.QueueCapacity, meter)

	mgr := manager.New(manager.Config{
		Graph:           graph,
		Budget:          budget,
		Registry:        reg,
		Store:           store,
		Pool:            pool,
		Notifier:        notifier,
		Services:        svc,
		MisfireGrace:    time.Duration(global.MisfireGraceSeconds) * time.Second,
		ShutdownTimeout: global.ShutdownTimeout(),
		Meter:           meter,
	})

	if *tasksPath != "" {
		defs, err := config.LoadTaskDefinitions(*tasksPath, global)
		if err != nil {
			slog.Error("load task definitions failed", "error", err)
			return
		}
		for _, def := range defs {
			if errs := mgr.AddTaskDefinition(ctx, def); len(errs) > 0 {
				slog.Error("task admission rejected", "task_id", def.TaskID, "errors", errs)
			}
		}
	}

	if err := mgr.Start(ctx, global.SchedulerPollInterval()); err != nil {
		slog.Error("manager start failed", "error", err)
		return
	}

	mux := buildMux(mgr)
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("taskcored started", "addr", *addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), global.ShutdownTimeout())
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = mgr.Stop()
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func buildMux(mgr *manager.Manager) *http.ServeMux {
	mux := http.NewServeMux()
	tr := otel.Tracer("taskcored-http")

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		// OTLP push exports metrics out-of-band; this endpoint only signals
		// the process is emitting, matching the teacher's Prometheus-less
		// pattern of leaving /metrics unbacked by a pull exporter.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("metrics exported via OTLP\n"))
	})

	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		_, span := tr.Start(r.Context(), "http.tasks")
		defer span.End()
		switch r.Method {
		case http.MethodPost:
			var doc taskRequest
			if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
				http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
			def := doc.toDefinition()
			if errs := mgr.AddTaskDefinition(r.Context(), def); len(errs) > 0 {
				writeErrors(w, http.StatusUnprocessableEntity, errs)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"task_id": def.TaskID, "status": "admitted"})
		case http.MethodGet:
			writeJSON(w, http.StatusOK, mgr.ListStatuses())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
		parts := strings.SplitN(rest, "/", 2)
		id := parts[0]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 2 {
			switch {
			case parts[1] == "submit" && r.Method == http.MethodPost:
				mgr.SubmitNow(r.Context(), id)
				w.WriteHeader(http.StatusAccepted)
				return
			case parts[1] == "cancel" && r.Method == http.MethodPost:
				if mgr.Cancel(id) {
					w.WriteHeader(http.StatusAccepted)
				} else {
					http.Error(w, "task is not running", http.StatusConflict)
				}
				return
			default:
				http.NotFound(w, r)
				return
			}
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		node, ok := mgr.Status(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, node)
	})

	mux.HandleFunc("/v1/scheduler/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mgr.SchedulerStats())
	})

	mux.HandleFunc("/v1/resources", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mgr.ResourceStatus())
	})

	mux.HandleFunc("/v1/dag", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mgr.ListStatuses())
	})

	mux.HandleFunc("/v1/dag/cycles", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mgr.CheckCycles())
	})

	mux.HandleFunc("/v1/dag/execution-order", func(w http.ResponseWriter, _ *http.Request) {
		layers, err := mgr.ExecutionOrder()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, layers)
	})

	mux.HandleFunc("/v1/dag/edges", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodDelete:
			var edge edgeRequest
			if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
				http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
			if r.Method == http.MethodDelete {
				// Edge removal is a no-op at the graph level today: the core
				// models dependency edges as admission-time only. Exposed
				// here for API symmetry; returns 501 until the graph grows
				// an edge-removal primitive.
				http.Error(w, "edge removal is not supported", http.StatusNotImplemented)
				return
			}
			kind := model.EdgeKind(edge.Kind)
			if kind == "" {
				kind = model.EdgeRequired
			}
			if err := mgr.AddDependency(edge.FromTaskID, edge.ToTaskID, kind, nil); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

type taskRequest struct {
	TaskID               string             `json:"task_id"`
	TaskType             string             `json:"task_type"`
	Enabled              bool               `json:"enabled"`
	Priority             int                `json:"priority"`
	Schedule             scheduleRequest    `json:"schedule"`
	ResourceRequirements map[string]float64 `json:"resource_requirements"`
	TimeoutMS            int64              `json:"timeout_ms"`
	ExecutorParams       map[string]any     `json:"executor_params"`
}

type scheduleRequest struct {
	Kind            string   `json:"kind"`
	CronExpressions []string `json:"cron_expressions"`
}

type edgeRequest struct {
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
	Kind       string `json:"kind"`
}

func (t taskRequest) toDefinition() model.TaskDefinition {
	return model.TaskDefinition{
		TaskID:               t.TaskID,
		TaskType:             t.TaskType,
		Enabled:              t.Enabled,
		Priority:             t.Priority,
		Schedule:             model.Schedule{Kind: model.ScheduleKind(t.Schedule.Kind), CronExpressions: t.Schedule.CronExpressions},
		ResourceRequirements: t.ResourceRequirements,
		RetryPolicy:          model.DefaultRetryPolicy(),
		TimeoutMS:            t.TimeoutMS,
		ExecutorParams:       t.ExecutorParams,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, errs []error) {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	writeJSON(w, status, map[string]any{"errors": msgs})
}
