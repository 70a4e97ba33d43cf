package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nemanja-m/primenet/internal/shared/config"
	"github.com/nemanja-m/primenet/internal/shared/logging"
	"github.com/nemanja-m/primenet/internal/worker/api/primenet"
	"github.com/nemanja-m/primenet/internal/worker/ledger"
	"github.com/nemanja-m/primenet/internal/worker/progress"
	"github.com/nemanja-m/primenet/internal/worker/service"
)

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	if len(name) > 20 {
		name = name[:20]
	}
	return name
}

func parseFlags() (*config.Options, string, bool, func(string) bool) {
	opts := &config.Options{}
	var interval int

	configPath := flag.String("config", "", "path to client config file")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.StringVar(&opts.WorkDir, "workdir", ".", "working directory of the computation program")
	flag.StringVar(&opts.WorkFile, "workfile", "worktodo.ini", "work queue file, relative to workdir")
	flag.StringVar(&opts.ResultsFile, "resultsfile", "results.txt", "results file or glob pattern, relative to workdir")
	flag.StringVar(&opts.LocalFile, "localfile", "local.ini", "local configuration file, relative to workdir")
	flag.StringVar(&opts.SentFile, "sentfile", "results_sent.txt", "ledger of submitted results, relative to workdir")

	flag.StringVar(&opts.Username, "username", "", "PrimeNet user ID")
	flag.StringVar(&opts.Password, "password", "", "PrimeNet password, enables the manual web forms")

	flag.StringVar(&opts.WorkType, "worktype", "100", "type of work to request, code or mnemonic")
	flag.IntVar(&opts.CPU, "cpu", 0, "CPU core or GPU number the assignments are reported for")
	flag.IntVar(&opts.NumCache, "num_cache", 0, "number of assignments to cache")
	flag.IntVar(&opts.DaysOfWork, "days_work", 3, "days of work to queue")
	flag.IntVar(&interval, "timeout", 21600, "seconds between cycles, 0 runs a single cycle")
	flag.StringVar(&opts.GPU, "gpu", "", "CUDALucas output file, selects CUDALucas instead of Mlucas")
	flag.BoolVar(&opts.UnreserveAll, "unreserve_all", false, "release every queued assignment and exit")

	flag.StringVar(&opts.Hardware.Hostname, "hostname", defaultHostname(), "computer name")
	flag.StringVar(&opts.Hardware.CPUModel, "cpu_model", fmt.Sprintf("%s %s processor", runtime.GOOS, runtime.GOARCH), "processor model")
	flag.StringVar(&opts.Hardware.Features, "features", "", "processor features")
	flag.IntVar(&opts.Hardware.FrequencyMHz, "frequency", 1000, "processor frequency in MHz")
	flag.IntVar(&opts.Hardware.MemoryMiB, "memory", 0, "memory in MiB")
	flag.IntVar(&opts.Hardware.L1KiB, "l1", 8, "L1 cache size in KiB")
	flag.IntVar(&opts.Hardware.L2KiB, "l2", 512, "L2 cache size in KiB")
	flag.IntVar(&opts.Hardware.Cores, "np", runtime.NumCPU(), "number of cores")
	flag.IntVar(&opts.Hardware.ThreadsPerCore, "hp", 0, "hyperthreads per core, 0 for unknown")

	flag.Parse()
	opts.Interval = time.Duration(interval) * time.Second

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	return opts, *configPath, *debug, func(key string) bool { return explicit[key] }
}

func main() {
	opts, configPath, debug, explicit := parseFlags()

	cfg, err := config.LoadClient(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	store, err := config.OpenLocalStore(opts.LocalPath())
	if err != nil {
		logger.Fatal("Failed to open local configuration", "path", opts.LocalPath(), "error", err)
	}
	changed, err := store.Merge(opts, explicit)
	if err != nil {
		logger.Fatal("Invalid local configuration", "path", store.Path(), "error", err)
	}
	if err := opts.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	if changed {
		if err := store.Save(); err != nil {
			logger.Fatal("Failed to save local configuration", "error", err)
		}
	}

	httpClient, err := primenet.NewHTTPClient(cfg.Server.Timeout)
	if err != nil {
		logger.Fatal("Failed to create HTTP client", "error", err)
	}
	application, _ := store.Get(config.KeySWVersion)
	client := primenet.NewClient(primenet.Config{
		V5URL:           cfg.Server.V5URL,
		BaseURL:         cfg.Server.BaseURL,
		Username:        opts.Username,
		Program:         opts.Program(),
		Application:     application,
		CPU:             opts.CPU,
		Hardware:        opts.Hardware,
		MaxAttempts:     cfg.Server.MaxAttempts,
		RetryBackoff:    cfg.Server.RetryBackoff,
		MaxRetryBackoff: cfg.Server.MaxRetryBackoff,
	}, httpClient, store, logger)

	workLedger := ledger.New(opts.WorkDir, opts.WorkFile, opts.ResultsFile, opts.SentFile, logger)
	progressReader := progress.NewLogReader(opts.WorkDir, opts.GPU, logger)

	workerService := service.NewWorkerService(client, client, workLedger, progressReader, store, service.Settings{
		Username:           opts.Username,
		Password:           opts.Password,
		WorkType:           opts.WorkType,
		NumCache:           opts.NumCache,
		DaysOfWork:         opts.DaysOfWork,
		Interval:           opts.Interval,
		CheckIn:            cfg.Server.CheckIn,
		OptionsChanged:     changed,
		ExplicitWorkType:   explicit(config.KeyWorkType),
		ExplicitDaysOfWork: explicit(config.KeyDaysOfWork),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.UnreserveAll {
		if err := workerService.UnreserveAll(ctx); err != nil {
			logger.Error("Failed to release every assignment", "error", err)
			stop()
			os.Exit(1)
		}
		return
	}

	logger.Info("Client started",
		"user", opts.Username,
		"program", opts.Program(),
		"workdir", opts.WorkDir,
		"worktype", opts.WorkType,
		"interval", opts.Interval.String(),
		"manual", opts.ManualMode(),
	)

	if err := workerService.Run(ctx); err != nil {
		logger.Error("Client stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Client stopped")
}
