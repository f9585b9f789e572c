package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"machina/internal/anomaly"
	"machina/internal/api"
	"machina/internal/config"
	"machina/internal/logging"
	"machina/internal/telemetry"
	"machina/internal/tui"
)

const usage = `Usage: machina [--config=config.yaml] <command> [flags]

Commands:
  ingest <dir>        index documents under dir (--ext .txt,.md,.pdf)
  query <text>        print the passages nearest to text (--k, --min-score)
  analyze <machine>   run anomaly detection for a machine id (--sensor, --window)
  simulate            generate telemetry for the demo machines (--interval, --duration, --once)
  serve               run the HTTP API
  tui                 interactive search and analysis
  stats               print index and telemetry counts
  reindex             drop every indexed chunk
`

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/machina/config.yaml if not provided)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	logOut := os.Stderr
	if cmd == "tui" {
		logOut = tuiLogOutput()
	}
	logger := logging.New(logOut, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cmd, args, cfg, logger)
	stop()
	if err != nil {
		logger.Error("command failed", "command", cmd, "err", err)
		if cmd == "tui" {
			fmt.Fprintf(os.Stderr, "machina tui: %v\n", err)
		}
		os.Exit(1)
	}
}

// tuiLogOutput sends logs to machina.log so they do not draw over the UI.
func tuiLogOutput() *os.File {
	f, err := os.OpenFile("machina.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		f, _ = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return f
}

func run(ctx context.Context, cmd string, args []string, cfg *config.AppConfig, logger *slog.Logger) error {
	switch cmd {
	case "ingest":
		return runIngest(ctx, args, cfg, logger)
	case "query":
		return runQuery(ctx, args, cfg, logger)
	case "analyze":
		return runAnalyze(ctx, args, cfg, logger)
	case "simulate":
		return runSimulate(ctx, args, cfg, logger)
	case "serve":
		return runServe(ctx, cfg, logger)
	case "tui":
		return runTUI(ctx, cfg, logger)
	case "stats":
		return runStats(ctx, cfg, logger)
	case "reindex":
		return runReindex(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIngest(ctx context.Context, args []string, cfg *config.AppConfig, logger *slog.Logger) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	exts := fs.String("ext", ".txt,.md,.pdf", "comma-separated file extensions")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("ingest needs exactly one directory")
	}

	a, err := newApp(ctx, cfg, logger, parts{retrieval: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if a.index == nil {
		return errors.New("retrieval is unavailable, nothing was indexed")
	}

	n := a.retrieval.IngestDirectory(ctx, fs.Arg(0), strings.Split(*exts, ","))
	fmt.Printf("indexed %d chunks (%d total)\n", n, a.retrieval.Stats().TotalVectors)
	return nil
}

func runQuery(ctx context.Context, args []string, cfg *config.AppConfig, logger *slog.Logger) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	k := fs.Int("k", 5, "number of passages")
	minScore := fs.Float64("min-score", 0, "drop passages scoring below this value")
	_ = fs.Parse(args)
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("query needs text")
	}

	a, err := newApp(ctx, cfg, logger, parts{retrieval: true})
	if err != nil {
		return err
	}
	defer a.Close()

	passages := a.retrieval.Retrieve(ctx, query, *k, *minScore)
	return printJSON(map[string]any{
		"passages": passages,
		"digest":   a.retrieval.Digest(passages, query),
	})
}

func runAnalyze(ctx context.Context, args []string, cfg *config.AppConfig, logger *slog.Logger) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	sensor := fs.String("sensor", "", "restrict to one sensor type")
	window := fs.Int("window", cfg.Anomaly.WindowMinutes, "lookback in minutes (0 disables)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("analyze needs a machine id")
	}
	var id int64
	if _, err := fmt.Sscan(fs.Arg(0), &id); err != nil || id <= 0 {
		return fmt.Errorf("invalid machine id %q", fs.Arg(0))
	}

	a, err := newApp(ctx, cfg, logger, parts{telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	return printJSON(a.detector.Analyze(ctx, anomaly.Request{MachineID: id, SensorType: *sensor, WindowMinutes: *window}))
}

func runSimulate(ctx context.Context, args []string, cfg *config.AppConfig, logger *slog.Logger) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	interval := fs.Duration("interval", 2*time.Second, "time between readings")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	once := fs.Bool("once", false, "record a single step and exit")
	seed := fs.Int64("seed", time.Now().UnixNano(), "random seed")
	_ = fs.Parse(args)

	a, err := newApp(ctx, cfg, logger, parts{telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	machines, err := telemetry.SeedDemoMachines(ctx, a.store)
	if err != nil {
		return err
	}
	sim := telemetry.NewSimulator(a.store, *seed, logger)
	for _, m := range machines {
		if err := sim.AddMachine(m); err != nil {
			logger.Warn("machine not simulated", "machine_id", m.ID, "err", err)
		}
	}
	if *once {
		if err := sim.Step(ctx); err != nil {
			return err
		}
		st, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	}
	_, err = sim.Run(ctx, *interval, *duration)
	return err
}

func runServe(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, parts{retrieval: true, telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.retrieval, a.detector, a.store, cfg.Anomaly.WindowMinutes, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func runTUI(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, parts{retrieval: true, telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	m := tui.New(a.retrieval, a.detector, cfg.Anomaly.WindowMinutes)
	_, err = tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func runStats(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, parts{retrieval: true, telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	out := map[string]any{"index": a.retrieval.Stats()}
	if st, err := a.store.Stats(ctx); err == nil {
		out["telemetry"] = st
	} else {
		logger.Warn("telemetry stats unavailable", "err", err)
	}
	return printJSON(out)
}

func runReindex(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, parts{retrieval: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return a.retrieval.Rebuild(ctx)
}
