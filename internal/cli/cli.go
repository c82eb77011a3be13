// Package cli builds the orchestrator's command line interface on top
// of Cobra. `run` starts the HTTP surface in-process; `submit`,
// `status`, `cancel`, and `pool` are thin HTTP clients talking to a
// running `run` process. Every non-`run` command is a client, since
// the only server this core exposes is HTTP.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/adapter"
	"github.com/lesleslie/mahavishnu/internal/audit"
	"github.com/lesleslie/mahavishnu/internal/breaker"
	"github.com/lesleslie/mahavishnu/internal/checkpoint"
	"github.com/lesleslie/mahavishnu/internal/config"
	"github.com/lesleslie/mahavishnu/internal/health"
	"github.com/lesleslie/mahavishnu/internal/metrics"
	"github.com/lesleslie/mahavishnu/internal/pool"
	"github.com/lesleslie/mahavishnu/internal/retry"
	"github.com/lesleslie/mahavishnu/internal/router"
	"github.com/lesleslie/mahavishnu/internal/runtime"
	"github.com/lesleslie/mahavishnu/internal/server"
	"github.com/lesleslie/mahavishnu/internal/storage/wal"
	"github.com/lesleslie/mahavishnu/internal/worker"
	"github.com/lesleslie/mahavishnu/internal/workflow"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

var (
	configFile string
	serverAddr string
)

// BuildCLI assembles the root command and every subcommand.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mahavishnu",
		Short: "Mahavishnu: a multi-engine AI-agent and data-workflow orchestrator",
		Long: `Mahavishnu coordinates pools of workers across pluggable execution
adapters, running task sequences as checkpointed workflows with
circuit breakers, retries, and admission control in front.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8080", "orchestrator HTTP address (for client subcommands)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildPoolCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator's HTTP surface",
		Long:  "Load configuration, wire every component, and serve the request/response surface until a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on")
	return cmd
}

func runSystem(port int) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt := runtime.New()
	rt.Logger.Info("starting mahavishnu", "port", port, "config", configFile)

	workers := worker.NewManager(worker.Config{
		HeartbeatInterval: config.Seconds(cfg.Deadlines.WorkerHeartbeatTimeoutS) / 2,
		HeartbeatTimeout:  config.Seconds(cfg.Deadlines.WorkerHeartbeatTimeoutS),
		DefaultGrace:      config.Seconds(cfg.Deadlines.CancelGracePeriodS),
	}, nil)

	breakers := breaker.NewRegistry(func(string) breaker.Config {
		return breaker.Config{
			Threshold:            cfg.Breaker.Threshold,
			ConsecutiveThreshold: cfg.Breaker.ConsecutiveThreshold,
			Cooldown:             config.Seconds(cfg.Breaker.CooldownS),
			MaxCooldown:          config.Seconds(cfg.Breaker.MaxCooldownS),
		}
	})

	adapters := adapter.NewRegistry(func(name string) types.BreakerState {
		return breakers.Get(name).State()
	})

	pools := pool.NewManager(workers, func(poolID types.PoolID) types.BreakerState {
		return breakers.Get(string(poolID)).State()
	})

	poolsFunc := func() []router.PoolInfo {
		out := make([]router.PoolInfo, 0)
		for id, m := range pools.List() {
			out = append(out, router.PoolInfo{
				ID: id, State: types.PoolRunningState,
				Breaker: breakers.Get(string(id)).State(), Metrics: m,
				MaxWorkers: cfg.Concurrency.MaxConcurrentWorkersPerPool,
			})
		}
		return out
	}
	admission := router.NewAdmission(router.AdmissionConfig{
		MaxConcurrentWorkflows: cfg.Concurrency.MaxConcurrentWorkflows,
		TenantRatePerSecond:    10,
		TenantBurst:            20,
	})
	rtr := router.New(poolsFunc, admission, config.Millis(cfg.Concurrency.AdmissionWaitMS))

	store, err := checkpoint.Open(checkpoint.Config{
		Path:    cfg.Storage.CheckpointStorePath,
		MaxSize: cfg.Storage.CheckpointMaxSizeBytes,
	})
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	events := audit.NewBuffer(1024)
	auditLog, err := wal.Open(cfg.Storage.AuditLogPath, 0, 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()
	events.AddSink(wal.NewAuditSink(auditLog))

	engine := workflow.New(workflow.Deps{
		Checkpoints: store,
		Breakers:    breakers,
		Execute:     pools.Execute,
		Events:      events,
		IDs:         rt.IDs,
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   config.Millis(cfg.Retry.BaseDelayMS),
			MaxDelay:    config.Millis(cfg.Retry.MaxDelayMS),
			Multiplier:  cfg.Retry.Multiplier,
		},
		StepTimeout: config.Seconds(cfg.Deadlines.DefaultTaskTimeoutS),
	})

	retention := time.Duration(cfg.Storage.CheckpointRetentionOnFailureDays) * 24 * time.Hour
	gcStop := startCheckpointGC(rt.Logger, store, retention, time.Hour)
	defer gcStop()

	sup := health.New(health.Config{
		MemoryThresholdPercent: cfg.Health.MemoryThresholdPercent,
		StuckWorkflowThreshold: cfg.Health.StuckWorkflowThresholdCnt,
		StuckWorkflowAge:       5 * time.Minute,
		SchedulerWedgeTimeout:  30 * time.Second,
		HeartbeatStaleTimeout:  config.Seconds(cfg.Deadlines.WorkerHeartbeatTimeoutS),
		DegradedCooldown:       config.Seconds(cfg.Health.DegradedCooldownS),
	}, health.Probes{
		AdapterInitialized:      func() bool { return len(adapters.Names()) > 0 },
		CheckpointStoreWritable: func() bool { return true },
		EligiblePoolCount:       func() int { return len(pools.List()) },
	}, nil)

	collector := metrics.NewCollector(rt.Registry)

	srv := server.New(server.Deps{
		Router: rtr, Pools: pools, Workers: workers, Adapters: adapters,
		Workflows: engine, Health: sup, Metrics: collector, Events: events,
		Logger: rt.Logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", metrics.Handler(rt.Registry))

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.Logger.Error("http server failed", "error", err)
		}
	}()

	rt.Logger.Info("mahavishnu is running", "addr", httpSrv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rt.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	workers.Shutdown()
	return httpSrv.Shutdown(ctx)
}

// startCheckpointGC runs checkpoint.Store.GCExpired on interval until
// the returned stop func is called, enforcing the operator-configured
// retention TTL (§4.4) without requiring an operator to invoke GC by
// hand. It fires once immediately so a freshly restarted process
// doesn't wait a full interval before its first sweep.
func startCheckpointGC(logger *slog.Logger, store *checkpoint.Store, retention, interval time.Duration) (stop func()) {
	if retention <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	sweep := func() {
		deleted, err := store.GCExpired(time.Now().Add(-retention))
		if err != nil {
			logger.Warn("checkpoint gc failed", "error", err)
			return
		}
		if len(deleted) > 0 {
			logger.Info("checkpoint gc swept expired workflows", "count", len(deleted))
		}
	}

	go func() {
		sweep()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweep()
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func httpClient() *http.Client { return &http.Client{Timeout: 10 * time.Second} }

func postJSON(path string, body any) ([]byte, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	resp, err := httpClient().Post(serverAddr+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func getJSON(path string) ([]byte, int, error) {
	resp, err := httpClient().Get(serverAddr + path)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func buildSubmitCommand() *cobra.Command {
	var taskType, paramsFile, adapterName, poolID, idempotencyKey, strategy string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to a running orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if paramsFile != "" {
				raw, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("read params file: %w", err)
				}
				if err := json.Unmarshal(raw, &params); err != nil {
					return fmt.Errorf("parse params file: %w", err)
				}
			}

			data, status, err := postJSON("/workflows", map[string]any{
				"task_type":        taskType,
				"params":           params,
				"adapter":          adapterName,
				"pool_id":          poolID,
				"idempotency_key":  idempotencyKey,
				"routing_strategy": strategy,
			})
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "task-type", "", "task type to run")
	cmd.Flags().StringVar(&paramsFile, "params", "", "JSON file of task parameters")
	cmd.Flags().StringVar(&adapterName, "adapter", "", "preferred adapter name")
	cmd.Flags().StringVar(&poolID, "pool", "", "sticky routing key, hashed to pick a pool (used with --strategy sticky)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency / tenant key")
	cmd.Flags().StringVar(&strategy, "strategy", "round_robin", "routing strategy: round_robin, least_loaded, random, sticky")
	cmd.MarkFlagRequired("task-type")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show a workflow's status, or the orchestrator's component health with no argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return showComponentHealth()
			}
			return showWorkflowStatus(args[0])
		},
	}
	return cmd
}

func showWorkflowStatus(workflowID string) error {
	data, status, err := getJSON("/workflows/" + workflowID)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	fmt.Printf("status=%d\n%s\n", status, data)
	return nil
}

func showComponentHealth() error {
	data, status, err := getJSON("/health/components")
	if err != nil {
		return fmt.Errorf("fetch component health: %w", err)
	}
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        Mahavishnu Component Health         ║")
	fmt.Println("╚═══════════════════════════════════════════╝")
	fmt.Printf("http status: %d\n%s\n", status, data)
	return nil
}

func buildCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel [workflow-id]",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := postJSON("/workflows/"+args[0]+"/cancel", map[string]any{"reason": reason})
			if err != nil {
				return fmt.Errorf("cancel workflow: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "optional human-readable cancellation reason")
	return cmd
}

func buildPoolCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "pool", Short: "Manage worker pools"}
	cmd.AddCommand(buildPoolSpawnCommand())
	cmd.AddCommand(buildPoolListCommand())
	cmd.AddCommand(buildPoolScaleCommand())
	cmd.AddCommand(buildPoolHealthCommand())
	cmd.AddCommand(buildPoolDrainCommand())
	cmd.AddCommand(buildPoolCloseCommand())
	return cmd
}

func buildPoolSpawnCommand() *cobra.Command {
	var workerType string
	var minWorkers, maxWorkers int

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a new worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := postJSON("/pools", map[string]any{
				"worker_type": workerType, "min_workers": minWorkers, "max_workers": maxWorkers,
			})
			if err != nil {
				return fmt.Errorf("spawn pool: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
	cmd.Flags().StringVar(&workerType, "worker-type", "", "worker type / adapter task type")
	cmd.Flags().IntVar(&minWorkers, "min", 1, "minimum workers")
	cmd.Flags().IntVar(&maxWorkers, "max", 4, "maximum workers")
	cmd.MarkFlagRequired("worker-type")
	return cmd
}

func buildPoolListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worker pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := getJSON("/pools")
			if err != nil {
				return fmt.Errorf("list pools: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
}

func buildPoolScaleCommand() *cobra.Command {
	var target int

	cmd := &cobra.Command{
		Use:   "scale [pool-id]",
		Short: "Scale a pool to a target worker count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := postJSON("/pools/"+args[0]+"/scale", map[string]any{"target": target})
			if err != nil {
				return fmt.Errorf("scale pool: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "target", 1, "target worker count")
	return cmd
}

func buildPoolHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health [pool-id]",
		Short: "Show a pool's health status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := getJSON("/pools/" + args[0] + "/health")
			if err != nil {
				return fmt.Errorf("fetch pool health: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
}

func buildPoolDrainCommand() *cobra.Command {
	var graceSeconds int

	cmd := &cobra.Command{
		Use:   "drain [pool-id]",
		Short: "Stop accepting new work on a pool and wait for in-flight work to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := postJSON("/pools/"+args[0]+"/drain", map[string]any{"grace_seconds": graceSeconds})
			if err != nil {
				return fmt.Errorf("drain pool: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
	cmd.Flags().IntVar(&graceSeconds, "grace", 30, "seconds to wait for in-flight work before forcing close")
	return cmd
}

func buildPoolCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close [pool-id]",
		Short: "Force-close a pool immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := postJSON("/pools/"+args[0]+"/close", map[string]any{})
			if err != nil {
				return fmt.Errorf("close pool: %w", err)
			}
			fmt.Printf("status=%d\n%s\n", status, data)
			return nil
		},
	}
}
