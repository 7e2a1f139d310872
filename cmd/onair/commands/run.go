package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/onair/am"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/pacer"
	"github.com/teranos/onair/pulse/retry"
	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/recording"
	"github.com/teranos/onair/recording/capture"
	"github.com/teranos/onair/recording/source"
	"github.com/teranos/onair/recording/storage"
	"github.com/teranos/onair/server"
	"github.com/teranos/onair/sym"
	"github.com/teranos/onair/version"
)

// RunCmd starts the daemon in the foreground.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Start the recording daemon",
	Long: sym.Pulse + ` run - start the recording daemon in the foreground

The daemon:
- recovers jobs interrupted by the previous run
- scans for due jobs and captures them with ffmpeg
- serves the control API and live events on --port
- reloads pacer and margin settings when a config file changes

Ctrl+C (or SIGTERM) stops scanning, interrupts running captures and leaves
their jobs for recovery on the next start.`,
	RunE: runDaemon,
}

func init() {
	RunCmd.Flags().Int("port", 0, "Control server port (overrides server.port)")
	RunCmd.Flags().String("db", "", "Database path (overrides database.path)")
}

// daemon is the assembled runtime.
type daemon struct {
	db        *sql.DB
	scheduler *schedule.Scheduler
	server    *server.Server
	pacer     *pacer.Pacer
	margins   *schedule.LiveMargins
	logger    *zap.SugaredLogger
}

func schedulerConfig(cfg *am.Config) schedule.Config {
	sc := schedule.DefaultConfig()
	sc.Ticker = schedule.TickerConfig{
		Interval:     cfg.Scheduler.ScanInterval(),
		BatchSize:    cfg.Scheduler.BatchSize,
		ErrorBackoff: cfg.Scheduler.ErrorBackoff(),
	}
	sc.RecoveryTimeout = cfg.Scheduler.RecoveryTimeout()
	return sc
}

// buildDaemon wires every component. Nothing runs until start.
func buildDaemon(ctx context.Context, cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*daemon, error) {
	loc, err := cfg.Recording.Location()
	if err != nil {
		return nil, errors.Wrap(err, "invalid recording.timezone")
	}

	fs, err := storage.NewFilesystem(storage.Config{
		RecordDir: cfg.Recording.RecordDir,
		TempDir:   cfg.Recording.TempDir,
		Extension: cfg.Recording.FileExtension,
		MinFreeMB: uint64(cfg.Recording.MinFreeMB),
		Location:  loc,
	}, log)
	if err != nil {
		return nil, err
	}
	var store recording.Storage = fs
	if cfg.Mirror.Enabled {
		mirror, err := buildMirror(ctx, cfg.Mirror, fs, log)
		if err != nil {
			return nil, err
		}
		store = mirror
	}

	ffmpeg, err := capture.NewFFmpeg(capture.Config{
		Path:      cfg.Recording.FFmpegPath,
		ExtraArgs: cfg.Recording.FFmpegArgs,
	}, log)
	if err != nil {
		return nil, err
	}

	p := pacer.New(cfg.Pacer.Interval(), cfg.Pacer.Jitter())
	var sources []recording.Source
	if cfg.Source.BaseURL != "" {
		policy := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay(), cfg.Retry.MaxDelay(), log)
		src, err := source.NewHTTPSource(source.Config{
			BaseURL:      cfg.Source.BaseURL,
			ServiceKinds: cfg.Source.ServiceKinds,
			UserAgent:    cfg.Source.UserAgent,
			Timeout:      cfg.Source.Timeout(),
			BlockPrivate: !cfg.Source.AllowPrivate,
		}, policy, p, log)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	} else {
		log.Warnw("No source.base_url configured, every job will fail as unsupported")
	}

	recStore := recording.NewStore(database)
	jobStore := schedule.NewStore(database)
	margins := schedule.NewLiveMargins(schedule.Margins{
		StartDelay: cfg.Recording.StartDelay(),
		EndDelay:   cfg.Recording.EndDelay(),
	})

	d := &daemon{db: database, pacer: p, margins: margins, logger: log}

	// The orchestrator publishes through the hub, which the server owns, so
	// the scheduler is wired with a recorder that is filled in below.
	rec := &lateRecorder{}
	d.scheduler = schedule.NewScheduler(ctx, jobStore, rec, nil, margins, schedulerConfig(cfg), log)
	d.scheduler.SetOrphanAborter(recStore)

	srv, err := server.New(ctx, server.Config{
		Port:              cfg.Server.Port,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}, server.Deps{
		Scheduler:  d.scheduler,
		Jobs:       jobStore,
		Running:    d.scheduler.Dispatcher(),
		Recordings: recStore,
		Stats:      d.stats,
	}, log)
	if err != nil {
		return nil, err
	}
	d.server = srv

	rec.Recorder = recording.NewOrchestrator(sources, store, ffmpeg, recStore,
		recording.WithStatePublisher(srv.Hub()),
		recording.WithToastPublisher(srv.Hub()),
		recording.WithLogger(log))
	d.scheduler.SetNotifier(srv.Hub())
	return d, nil
}

// lateRecorder forwards to a Recorder assigned after construction.
type lateRecorder struct {
	schedule.Recorder
}

func buildMirror(ctx context.Context, cfg am.MirrorConfig, inner recording.Storage, log *zap.SugaredLogger) (*storage.Mirror, error) {
	client, err := storage.NewMinioClient(storage.MirrorConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mirror client")
	}
	mirror := storage.NewMirror(inner, client, cfg.Bucket, log)

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mirror.EnsureBucket(checkCtx); err != nil {
		// Uploads are best effort; the daemon still records locally
		log.Warnw("Mirror bucket unavailable", logger.FieldError, err.Error())
	}
	return mirror, nil
}

func (d *daemon) stats() map[string]interface{} {
	stats := d.scheduler.Ticker().GetStats()
	stats["running"] = len(d.scheduler.Dispatcher().Running())
	stats["cancellable"] = d.scheduler.Cancellable()
	stats["recovered"] = d.scheduler.Recovered()
	stats["ws_clients"] = d.server.Hub().ClientCount()
	return stats
}

// applyConfig retunes what can change without a restart.
func (d *daemon) applyConfig(cfg *am.Config) error {
	d.pacer.SetInterval(cfg.Pacer.Interval(), cfg.Pacer.Jitter())
	d.margins.Set(schedule.Margins{
		StartDelay: cfg.Recording.StartDelay(),
		EndDelay:   cfg.Recording.EndDelay(),
	})
	d.logger.Infow("Live settings updated",
		"pacer_interval", cfg.Pacer.Interval(),
		"start_delay", cfg.Recording.StartDelay(),
		"end_delay", cfg.Recording.EndDelay())
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	log := logger.Logger
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(ctx, cfg, database, log)
	if err != nil {
		return err
	}

	if files := am.ConfigFiles(); len(files) > 0 {
		watcher, err := am.NewConfigWatcher(files, log)
		if err != nil {
			log.Warnw("Config watcher disabled", logger.FieldError, err.Error())
		} else {
			watcher.OnReload(d.applyConfig)
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			defer watcher.Stop()
		}
	}

	d.scheduler.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.ListenAndServe() }()

	info := version.Get()
	pterm.Info.Printfln("onair %s (commit %s)", info.Version, info.Short())
	pterm.Info.Printfln("Database:   %s", dbPath)
	pterm.Info.Printfln("Recordings: %s", cfg.Recording.RecordDir)
	pterm.Info.Printfln("Control:    http://localhost:%d", cfg.Server.Port)
	pterm.Info.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Infow("Shutdown requested", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			d.scheduler.Stop()
			return err
		}
	}

	pterm.Info.Println("Shutting down (interrupted captures resume on next start)...")
	return d.shutdown()
}

// shutdown stops the server first so no new jobs arrive, then the scheduler.
func (d *daemon) shutdown() error {
	logger.AddPulseCloseSymbol(d.logger).Infow("Daemon stopping")
	stopErr := d.server.Stop(context.Background())
	d.scheduler.Stop()
	if stopErr != nil {
		return stopErr
	}
	pterm.Success.Println("Stopped cleanly")
	return nil
}
