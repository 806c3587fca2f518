package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/autonomy"
	"github.com/basket/autopilot/internal/bulk"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	otelPkg "github.com/basket/autopilot/internal/otel"
	"github.com/basket/autopilot/internal/reliability"
	"github.com/basket/autopilot/internal/schedule"
	"github.com/basket/autopilot/internal/store"
	"github.com/basket/autopilot/internal/telemetry"
	"github.com/basket/autopilot/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the control-plane daemon in the foreground
  %s -quiet          File-only logs (skip stdout duplication)
  %s version         Print the version and exit

The daemon picks decision documents up from $AUTOPILOT_HOME/inbox/*.json,
routes them through the autonomy mode, and drains the task queue with an
in-process worker pool. Configuration lives in $AUTOPILOT_HOME/config.yaml
and is hot-reloaded on write.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quietFlag := flag.Bool("quiet", false, "file-only logs, no stdout duplication")
	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// When stdout is not a terminal the daemon is supervised and the JSONL
	// file is the canonical sink, so skip the stdout copy.
	quietLogs := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited; the
	// audit log only needs the home directory.
	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	// Event bus first so the store can publish lifecycle events.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "autopilot.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	auditLog.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	// Recovery scan: anything left running by a previous process goes back
	// through the retry path before workers start.
	stallWindow := time.Duration(cfg.Queue.StallWindowMinutes) * time.Minute
	requeued, err := st.RequeueStalled(ctx, stallWindow)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	validator, err := contract.NewValidator()
	if err != nil {
		fatalStartup(logger, "E_CONTRACT_INIT", err)
	}

	workerID := "autopilotd-" + uuid.NewString()[:8]
	exec := executor.New(st, validator, eventBus, auditLog, logger, metrics, otelProvider.Tracer, workerID)
	monitor := reliability.NewMonitor(st, eventBus, auditLog, logger, metrics, cfg.Autonomy)
	router := autonomy.NewRouter(st, exec, monitor, eventBus, auditLog, logger, metrics, cfg.Autonomy)
	runner := bulk.NewRunner(st, exec, auditLog, logger)

	pool := worker.NewPool(st, logger, metrics, cfg.WorkerCount)
	pool.Register(autonomy.ReviewActionType, worker.ReviewHandler(st, exec, validator, logger))

	inboxDir := filepath.Join(cfg.HomeDir, "inbox")
	for _, dir := range []string{inboxDir, filepath.Join(inboxDir, "processed"), filepath.Join(inboxDir, "rejected")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatalStartup(logger, "E_INBOX_DIR_CREATE", err)
		}
	}

	sched := schedule.New(schedule.Config{Logger: logger})
	mustRegister := func(name, expr string, run schedule.JobFunc) {
		if err := sched.Register(name, expr, run); err != nil {
			fatalStartup(logger, "E_SCHEDULE_REGISTER", err)
		}
	}
	mustRegister("reliability-monitor", "* * * * *", func(jobCtx context.Context) error {
		_, err := monitor.Tick(jobCtx)
		return err
	})
	mustRegister("queue-watchdog", "* * * * *", func(jobCtx context.Context) error {
		n, err := st.RequeueStalled(jobCtx, stallWindow)
		if n > 0 {
			logger.Warn("stalled tasks requeued", "count", n)
		}
		if err != nil {
			return err
		}
		n, err = st.RequeueStalledIntents(jobCtx, stallWindow)
		if n > 0 {
			logger.Warn("stalled intents requeued", "count", n)
		}
		return err
	})
	mustRegister("bulk-pump", "* * * * *", runner.Pump)
	mustRegister("inbox-scan", "* * * * *", func(jobCtx context.Context) error {
		return scanInbox(jobCtx, inboxDir, validator, router, logger)
	})
	mustRegister("rate-counter-prune", "0 * * * *", func(jobCtx context.Context) error {
		_, err := st.PruneRateCounters(jobCtx)
		return err
	})

	// Hot reload of autonomy thresholds; mode changes made through the store
	// still win over the config default.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.LoadDir(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				monitor.SetConfig(next.Autonomy)
				router.SetConfig(next.Autonomy)
				logger.Info("config reloaded", "fingerprint", next.Fingerprint())
			}
		}()
	}

	pool.Start(ctx)
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "ready",
		"workers", cfg.WorkerCount,
		"mode", string(cfg.Autonomy.Mode))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then drain the workers; the deferred store close
	// flushes last.
	sched.Stop()
	pool.Shutdown()
	logger.Info("shutdown complete")
}

// scanInbox routes decision documents dropped as JSON files into the home
// inbox. Files move to processed/ or rejected/ so a crash mid-scan never
// loses or double-routes a document: routing is idempotent by decision hash.
func scanInbox(ctx context.Context, inboxDir string, validator *contract.Validator, router *autonomy.Router, logger *slog.Logger) error {
	entries, err := os.ReadDir(inboxDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(inboxDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Error("inbox read failed", "file", entry.Name(), "error", err)
			continue
		}
		doc, err := validator.Validate(raw)
		if err != nil {
			logger.Warn("inbox document rejected", "file", entry.Name(), "error", err)
			moveInboxFile(path, filepath.Join(inboxDir, "rejected", entry.Name()), logger)
			continue
		}
		result, err := router.Route(ctx, doc, raw)
		if err != nil {
			logger.Error("inbox routing failed", "file", entry.Name(), "decision_hash", doc.Hash, "error", err)
			continue
		}
		logger.Info("inbox document routed",
			"file", entry.Name(),
			"decision_hash", doc.Hash,
			"disposition", string(result.Disposition),
			"reason", result.Reason)
		moveInboxFile(path, filepath.Join(inboxDir, "processed", entry.Name()), logger)
	}
	return nil
}

func moveInboxFile(from, to string, logger *slog.Logger) {
	if err := os.Rename(from, to); err != nil {
		logger.Error("inbox move failed", "from", from, "error", err)
	}
}

// loadDotEnv applies KEY=VALUE lines from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		payload, _ := json.Marshal(map[string]string{
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "ERROR",
			"component":   "runtime",
			"msg":         "startup failure",
			"reason_code": reasonCode,
			"error":       message,
		})
		fmt.Fprintln(os.Stderr, string(payload))
	}
	os.Exit(1)
}
