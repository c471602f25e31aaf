package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/immunet/internal/api"
	"github.com/tutu-network/immunet/internal/app/analyzer"
	"github.com/tutu-network/immunet/internal/app/behavior"
	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/health"
	"github.com/tutu-network/immunet/internal/infra/capture"
	"github.com/tutu-network/immunet/internal/infra/dispatch"
	"github.com/tutu-network/immunet/internal/infra/metrics"
	"github.com/tutu-network/immunet/internal/infra/report"
	"github.com/tutu-network/immunet/internal/infra/selection"
	"github.com/tutu-network/immunet/internal/infra/snapshot"
	"github.com/tutu-network/immunet/internal/infra/sqlite"
	"github.com/tutu-network/immunet/internal/logging"
)

const nodeIDKey = "node_id"

// Daemon is the immunet runtime. It wires together all services.
type Daemon struct {
	Config   Config
	Log      zerolog.Logger
	NodeID   string
	DB       *sqlite.DB
	Engine   *selection.Engine
	Monitor  *behavior.Monitor
	Analyzer *analyzer.Analyzer
	Pool     *dispatch.Pool
	Sink     report.Sink
	Health   *health.Checker
	Server   *api.Server

	// Sources override live capture when set before Serve.
	Sources []capture.Source

	logCloser io.Closer
	cancel    context.CancelFunc

	saveMu   sync.Mutex
	schedule *snapshot.Schedule
	savedAt  time.Time // wall clock of the last schedule step

	closeOnce sync.Once
}

// New loads the config at path and opens a Daemon with it.
func New(path, version string) (*Daemon, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Open(cfg, version)
}

// Open sets up logging from cfg and creates a Daemon that owns the log.
func Open(cfg Config, version string) (*Daemon, error) {
	log, closer, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	d, err := NewWithConfig(cfg, version, log)
	if err != nil {
		closer.Close()
		return nil, err
	}
	d.logCloser = closer
	return d, nil
}

// NewWithConfig creates a Daemon with the given configuration. Invalid
// configuration and unreadable or mismatched snapshots are fatal.
func NewWithConfig(cfg Config, version string, log zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.With().Str("component", "daemon").Logger()

	db, err := sqlite.Open(immunetHome())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d := &Daemon{Config: cfg, Log: log, DB: db}

	d.NodeID, err = resolveNodeID(cfg.Node.ID, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	d.Engine, err = selection.New(cfg.SelectionConfig(), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := report.NewStore(db, log)
	d.Sink = report.Multi{report.NewLog(log), store, report.Metrics{}}

	mode := domain.Mode(cfg.Analyzer.Mode)
	d.Monitor, err = behavior.New(behavior.Config{
		StatCapacity:    cfg.Algorithm.StatisticCount,
		Depth:           cfg.Tree.Depth,
		Mode:            mode,
		AllowedTCPPorts: cfg.Analyzer.AllowedTCPPorts,
		AllowedUDPPorts: cfg.Analyzer.AllowedUDPPorts,
	}, d.Sink, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	elapsed, err := d.load()
	if err != nil {
		db.Close()
		return nil, err
	}
	d.schedule = snapshot.NewSchedule(elapsed, cfg.Analyzer.DetectorSavePeriods)

	d.Analyzer = analyzer.New(analyzer.Config{
		Mode:          mode,
		PayloadWindow: cfg.Analyzer.PayloadWindow,
		Interfaces:    cfg.Sniffer.Interfaces,
	}, d.Engine, d.Monitor, d.Sink, log)

	d.Pool, err = dispatch.New(cfg.PoolConfig(), d.Analyzer, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	d.Health = health.NewChecker(db, cfg.Persistence.Dir, d.Pool)
	d.Health.Add(health.Check{
		Name: "report_store",
		CheckFn: func(ctx context.Context) error {
			if st := store.Breaker().State(); st == report.Open {
				return fmt.Errorf("report store breaker %s after %d trip(s)", st, store.Breaker().Trips())
			}
			return nil
		},
	})

	d.Server = api.NewServer(api.Deps{
		NodeID:  d.NodeID,
		Version: version,
		Mode:    mode,
		Engine:  d.Engine,
		Monitor: d.Monitor,
		Pool:    d.Pool,
		DB:      db,
		Checker: d.Health,
		Log:     log,
	})
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// resolveNodeID returns the configured id, else the stored one, else a
// new id that is stored for later runs.
func resolveNodeID(configured string, db *sqlite.DB) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := db.GetNodeInfo(nodeIDKey)
	if err != nil {
		return "", fmt.Errorf("read node id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = "node-" + uuid.New().String()[:8]
	if err := db.SetNodeInfo(nodeIDKey, id); err != nil {
		return "", fmt.Errorf("store node id: %w", err)
	}
	return id, nil
}

// load restores detectors and learned statistics from load_file when set,
// otherwise from the latest stored snapshot. It returns the accumulated
// training time.
func (d *Daemon) load() (time.Duration, error) {
	var (
		blob   snapshot.Blob
		source string
		err    error
	)
	if name := d.Config.Persistence.LoadFile; name != "" {
		source = name
		if !filepath.IsAbs(source) {
			source = filepath.Join(d.Config.Persistence.Dir, name)
		}
		blob, err = snapshot.ReadFile(source)
		if err != nil {
			return 0, fmt.Errorf("load detectors: %w", err)
		}
	} else {
		info, err := d.DB.LatestSnapshot()
		if errors.Is(err, domain.ErrSnapshotNotFound) {
			d.Log.Info().Msg("no detector snapshot, starting with empty memories")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("load detectors: %w", err)
		}
		source = info.Path
		blob, err = snapshot.Decode(info.Data)
		if err != nil {
			return 0, fmt.Errorf("load detectors from store: %w", err)
		}
	}

	if err := blob.Check(domain.StatRecordSize, d.Config.Algorithm.PatternLength); err != nil {
		return 0, fmt.Errorf("load detectors %s: %w", source, err)
	}
	if err := d.Engine.RestoreDetectors(blob.DetectorCount, blob.Detectors); err != nil {
		return 0, fmt.Errorf("load detectors %s: %w", source, err)
	}
	if err := d.Monitor.Restore(blob.StatCount, blob.Stats); err != nil {
		return 0, fmt.Errorf("load statistics %s: %w", source, err)
	}
	d.Log.Info().
		Str("source", source).
		Int("detectors", blob.DetectorCount).
		Int("statistics", blob.StatCount).
		Dur("elapsed", blob.Elapsed).
		Msg("detector snapshot loaded")
	return blob.Elapsed, nil
}

// Save writes the current detectors and learned statistics to the
// persistence dir and the store.
func (d *Daemon) Save(elapsed time.Duration) (domain.SnapshotInfo, error) {
	statCount, stats := d.Monitor.Export()
	detCount, dets := d.Engine.ExportDetectors()
	blob := snapshot.Blob{
		Elapsed:       elapsed,
		StatCount:     statCount,
		StatSize:      domain.StatRecordSize,
		Stats:         stats,
		DetectorCount: detCount,
		DetectorSize:  d.Config.Algorithm.PatternLength,
		Detectors:     dets,
	}
	path, err := snapshot.WriteFile(d.Config.Persistence.Dir, blob)
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	data, err := blob.MarshalBinary()
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	info, err := d.DB.SaveSnapshot(domain.SnapshotInfo{
		Elapsed:       elapsed,
		Path:          path,
		StatCount:     statCount,
		DetectorCount: detCount,
		Data:          data,
	})
	if err != nil {
		return info, err
	}
	if keep := d.Config.Persistence.Keep; keep > 0 {
		if n, err := d.DB.PruneSnapshots(keep); err != nil {
			d.Log.Warn().Err(err).Msg("snapshot prune failed")
		} else if n > 0 {
			d.Log.Debug().Int("pruned", n).Msg("old snapshots pruned")
		}
	}
	metrics.SnapshotsSaved.Inc()
	d.Log.Info().Str("path", path).Int("detectors", detCount).Int("statistics", statCount).Msg("detectors saved")
	return info, nil
}

// elapsedNow is the training time at this instant: the last schedule step
// plus wall time since it, at minute precision.
func (d *Daemon) elapsedNow() time.Duration {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	return d.schedule.Elapsed() + time.Since(d.savedAt).Truncate(time.Minute)
}

// openSources opens a live capture per configured interface.
func (d *Daemon) openSources() ([]capture.Source, error) {
	var out []capture.Source
	for i, name := range d.Config.Sniffer.Interfaces {
		src, err := capture.Open(name, uint16(i), d.Config.Sniffer.Promiscuous, d.Log)
		if err != nil {
			for _, s := range out {
				s.Close()
			}
			return nil, fmt.Errorf("open interface %s: %w", name, err)
		}
		out = append(out, src)
	}
	return out, nil
}

// Serve starts capture, the periodic tasks and the HTTP server, and blocks
// until ctx is cancelled or a signal arrives. On shutdown capture stops,
// the pool drains, and a final snapshot is saved.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if d.Sources == nil {
		sources, err := d.openSources()
		if err != nil {
			return err
		}
		d.Sources = sources
	}
	if len(d.Sources) == 0 {
		d.Log.Warn().Msg("no capture interfaces configured")
	}

	d.saveMu.Lock()
	d.savedAt = time.Now()
	d.saveMu.Unlock()

	d.regenerate()

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range d.Sources {
		g.Go(func() error {
			d.Log.Info().Str("interface", src.Name()).Msg("capture started")
			err := src.Run(gctx, d.Pool)
			if err != nil && !capture.Stopped(err) {
				return fmt.Errorf("capture %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error { d.rolloverLoop(gctx); return nil })
	g.Go(func() error { d.regenLoop(gctx); return nil })
	g.Go(func() error { d.saveLoop(gctx); return nil })
	g.Go(func() error { d.Health.Run(gctx); return nil })

	var httpServer *http.Server
	if d.Config.API.Enabled {
		addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
		httpServer = &http.Server{
			Addr:         addr,
			Handler:      d.Server.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: time.Minute,
			IdleTimeout:  2 * time.Minute,
		}
		g.Go(func() error {
			d.Log.Info().Str("addr", addr).Bool("metrics", d.Config.Telemetry.Prometheus).Msg("api listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	d.Log.Info().
		Str("node", d.NodeID).
		Str("mode", d.Config.Analyzer.Mode).
		Int("interfaces", len(d.Sources)).
		Msg("immunet serving")

	<-gctx.Done()
	err := g.Wait()
	for _, src := range d.Sources {
		src.Close()
	}
	d.shutdown()
	return err
}

// shutdown drains the pool and writes the final snapshot.
func (d *Daemon) shutdown() {
	d.Pool.Close()
	if _, err := d.Save(d.elapsedNow()); err != nil {
		d.Log.Error().Err(err).Msg("final detector save failed")
	}
	d.Log.Info().Msg("immunet stopped")
}

func (d *Daemon) rolloverLoop(ctx context.Context) {
	ticker := time.NewTicker(d.Config.StatPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Monitor.Rollover(now)
		}
	}
}

func (d *Daemon) regenLoop(ctx context.Context) {
	ticker := time.NewTicker(d.Config.RegenPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.regenerate()
		}
	}
}

// regenerate fills free and zeroed detector slots.
func (d *Daemon) regenerate() {
	added, err := d.Engine.FillDetectors(0)
	if err != nil {
		metrics.DetectorRegenFailures.Inc()
		d.Log.Warn().Err(err).Int("added", added).Msg("detector regeneration incomplete")
		return
	}
	if added > 0 {
		d.Log.Debug().Int("added", added).Int("detectors", d.Engine.DetectorCount()).Msg("detectors regenerated")
	}
}

// saveLoop walks detector_save_periods, saving after each interval.
func (d *Daemon) saveLoop(ctx context.Context) {
	for {
		d.saveMu.Lock()
		wait, ok := d.schedule.Next()
		d.saveMu.Unlock()
		if !ok {
			d.Log.Debug().Msg("detector save schedule exhausted")
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		d.saveMu.Lock()
		elapsed := d.schedule.Advance()
		d.savedAt = time.Now()
		d.saveMu.Unlock()
		if _, err := d.Save(elapsed); err != nil {
			d.Log.Error().Err(err).Msg("detector save failed")
		}
	}
}

// Close shuts down all daemon resources. Serve must have returned.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.Pool != nil {
			d.Pool.Close()
		}
		if d.DB != nil {
			_ = d.DB.Close()
		}
		if d.logCloser != nil {
			_ = d.logCloser.Close()
		}
	})
}
