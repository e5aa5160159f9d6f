// Package app wires all Beamline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the acquisition and processing loop, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/acoustio/beamline/internal/config"
	"github.com/acoustio/beamline/internal/health"
	"github.com/acoustio/beamline/internal/observe"
	"github.com/acoustio/beamline/internal/source"
	"github.com/acoustio/beamline/pkg/antenna"
	"github.com/acoustio/beamline/pkg/beamform"
	"github.com/acoustio/beamline/pkg/muh5"
	"github.com/acoustio/beamline/pkg/signal"
)

// Peak is the strongest grid location found in the most recent frame.
type Peak struct {
	Location antenna.Point
	Energy   float64
	Frame    int64
	When     time.Time
}

// App owns all subsystem lifetimes and orchestrates the acquisition pipeline.
type App struct {
	cfg      *config.Config
	settings *source.Settings
	geom     *antenna.Geometry
	backend  source.Backend
	rec      *muh5.Writer
	session  *source.Session
	metrics  *observe.Metrics
	level    *slog.LevelVar
	httpSrv  *http.Server

	// bfMu guards the beamformer so a config reload can swap it between
	// frames.
	bfMu sync.Mutex
	bf   *beamform.Beamformer

	peakMu sync.Mutex
	peak   Peak
	frames int64

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects a frame source instead of creating one from config.
func WithBackend(b source.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics injects a metrics instance instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level var behind the process logger so a
// config reload can adjust verbosity at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App by wiring all subsystems together: acquisition
// settings, antenna geometry, the frame source, the container recorder, the
// beamformer and the metrics endpoint. Use Option functions to inject test
// doubles for any subsystem.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initSettings(); err != nil {
		return nil, fmt.Errorf("app: init settings: %w", err)
	}
	if err := a.initAntenna(); err != nil {
		return nil, fmt.Errorf("app: init antenna: %w", err)
	}
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init source: %w", err)
	}
	if err := a.initRecorder(); err != nil {
		return nil, fmt.Errorf("app: init recorder: %w", err)
	}
	if err := a.initBeamformer(cfg.Beamformer); err != nil {
		return nil, fmt.Errorf("app: init beamformer: %w", err)
	}
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// initSettings maps the acquisition config onto source settings.
func (a *App) initSettings() error {
	ch := a.cfg.Acquisition.Channels

	dt, err := signal.ParseDatatype(a.cfg.Acquisition.Datatype)
	if err != nil {
		return err
	}

	a.settings = &source.Settings{
		Layout: antenna.ChannelLayout{
			AvailableMics:    antenna.SequentialIDs(ch.AvailableMems),
			ActiveMics:       ch.Mems,
			AvailableAnalogs: antenna.SequentialIDs(ch.AvailableAnalogs),
			ActiveAnalogs:    ch.Analogs,
			Counter:          ch.Counter,
			CounterSkip:      ch.CounterSkip,
			Status:           ch.Status,
		},
		SamplingFrequency: a.cfg.Acquisition.SamplingFrequency,
		FrameLength:       a.cfg.Acquisition.FrameLength,
		Datatype:          dt,
		Duration:          secs(a.cfg.Acquisition.Duration),
		QueueSize:         a.cfg.Acquisition.QueueSize,
		QueueTimeout:      secs(a.cfg.Acquisition.QueueTimeout),
		PacingFraction:    a.cfg.Acquisition.PacingFraction,
		Start:             a.cfg.Acquisition.Start,
		Loop:              a.cfg.Acquisition.Loop,
	}
	a.settings.Normalize()
	return nil
}

// initAntenna builds the microphone geometry, one position per active mic.
func (a *App) initAntenna() error {
	switch a.cfg.Antenna.Array {
	case "", "square32":
		a.geom = antenna.Square32()
	case "custom":
		pts := make([]antenna.Point, len(a.cfg.Antenna.Positions))
		for i, p := range a.cfg.Antenna.Positions {
			pts[i] = antenna.Point(p)
		}
		g, err := antenna.NewGeometry(pts, configUnit(a.cfg.Antenna.Unit))
		if err != nil {
			return err
		}
		a.geom = g
	default:
		return fmt.Errorf("unknown antenna array %q", a.cfg.Antenna.Array)
	}

	if off := a.cfg.Antenna.Offset; off != [3]float64{} {
		a.geom = a.geom.Translate(antenna.Point(off))
	}
	return nil
}

// initBackend creates the configured frame source unless one was injected.
func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}

	switch a.cfg.Source.Kind {
	case config.SourceSynthetic:
		a.backend = source.NewSynthetic()
	case config.SourceFile:
		a.backend = source.NewFileReplay(a.cfg.Source.File.Path)
	case config.SourceDB:
		var opts []source.DBReplayOption
		if a.cfg.Source.DB.Token != "" {
			opts = append(opts, source.WithDBToken(a.cfg.Source.DB.Token))
		}
		a.backend = source.NewDBReplay(a.cfg.Source.DB.Host, a.cfg.Source.DB.FileID, opts...)
	case config.SourceRemote:
		var opts []source.RemoteOption
		if h5 := a.cfg.Source.Remote.H5PassThrough; h5 != nil {
			opts = append(opts, source.WithH5PassThrough(&source.H5PassThrough{
				RootDir:         h5.RootDir,
				DatasetDuration: h5.DatasetDuration,
				FileDuration:    h5.FileDuration,
				Compression:     h5.Compression,
				GzipLevel:       h5.GzipLevel,
			}))
		}
		a.backend = source.NewRemote(a.cfg.Source.Remote.URL, source.RemoteMode(a.cfg.Source.Remote.Mode), opts...)
	default:
		return fmt.Errorf("unknown source kind %q", a.cfg.Source.Kind)
	}
	return nil
}

// initRecorder creates the container writer when local recording is enabled.
func (a *App) initRecorder() error {
	rc := a.cfg.Recording
	if !rc.Enabled {
		return nil
	}

	st := a.settings
	info := muh5.Info{
		DatasetDuration:   rc.DatasetDuration,
		DatasetLength:     int(rc.DatasetDuration * st.SamplingFrequency),
		DatasetCapacity:   int(rc.FileDuration / rc.DatasetDuration),
		ChannelsNumber:    st.Layout.ChannelCount(),
		SamplingFrequency: st.SamplingFrequency,
		Datatype:          st.Datatype.String(),
		Mems:              st.Layout.ActiveMics,
		Analogs:           st.Layout.ActiveAnalogs,
		Counter:           st.Layout.Counter && !st.Layout.CounterSkip,
		Status:            st.Layout.Status,
		Compression:       rc.Compression,
		GzipLevel:         rc.GzipLevel,
		Comment:           rc.Comment,
	}

	w, err := muh5.NewWriter(rc.RootDir, info)
	if err != nil {
		return err
	}
	a.rec = w
	return nil
}

// initBeamformer builds the search grid and steering tables. A nil result
// with nil error means beamforming is disabled.
func (a *App) initBeamformer(bc config.BeamformerConfig) error {
	if !bc.Enabled {
		a.bfMu.Lock()
		a.bf = nil
		a.bfMu.Unlock()
		return nil
	}

	grid, err := beamform.NewGrid(bc.Area, bc.Quantization, antenna.Point(bc.Position))
	if err != nil {
		return err
	}

	geom, err := a.activeGeometry()
	if err != nil {
		return err
	}

	bf, err := beamform.New(beamform.Config{
		Geometry:          geom,
		Grid:              grid,
		SamplingFrequency: a.settings.SamplingFrequency,
		FrameLength:       a.settings.FrameLength,
		Bandwidth:         bc.Bandwidth,
		BandwidthInHz:     bc.BandwidthInHz,
		MicRows:           a.micRows(),
	})
	if err != nil {
		return err
	}

	a.bfMu.Lock()
	a.bf = bf
	a.bfMu.Unlock()
	return nil
}

// activeGeometry restricts the array geometry to the activated microphones,
// in output row order. Custom geometries already list one position per
// active mic; predefined arrays are indexed by microphone id.
func (a *App) activeGeometry() (*antenna.Geometry, error) {
	active := a.settings.Layout.ActiveMics
	if a.geom.Mics() == len(active) {
		return a.geom, nil
	}
	pts := make([]antenna.Point, len(active))
	for i, id := range active {
		if id >= a.geom.Mics() {
			return nil, fmt.Errorf("microphone %d has no position in a %d-mic array", id, a.geom.Mics())
		}
		pts[i] = a.geom.Position(id)
	}
	return antenna.NewGeometry(pts, antenna.Meters)
}

// micRows returns the frame rows carrying microphone samples. The output
// row order is counter, mics, analogs, status; only the mic block feeds the
// beamformer.
func (a *App) micRows() []int {
	off := 0
	if a.settings.Layout.Counter && !a.settings.Layout.CounterSkip {
		off = 1
	}
	rows := make([]int, len(a.settings.Layout.ActiveMics))
	for i := range rows {
		rows[i] = off + i
	}
	return rows
}

func (a *App) initSession() error {
	opts := []source.SessionOption{
		source.WithLogger(slog.Default()),
	}
	if a.rec != nil {
		opts = append(opts, source.WithRecorder(a.rec))
	}
	s, err := source.NewSession(a.backend, a.settings, opts...)
	if err != nil {
		return err
	}
	a.session = s
	return nil
}

// initHTTP builds the metrics and health endpoint when an address is
// configured.
func (a *App) initHTTP() {
	addr := a.cfg.Server.MetricsAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "session", Check: a.checkSession},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// checkSession reports readiness: a failed session is not ready.
func (a *App) checkSession(context.Context) error {
	if st := a.session.State(); st == source.StateFailed {
		return fmt.Errorf("acquisition session failed")
	}
	return nil
}

// Run starts acquisition and blocks until the source ends, the duration
// elapses, or ctx is cancelled. All queued frames are processed before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.session.Run(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	g, gctx := errgroup.WithContext(ctx)

	if a.httpSrv != nil {
		g.Go(func() error {
			err := a.httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		defer a.recordTotals(context.WithoutCancel(gctx))
		a.consume(gctx)
		// The queue is drained; release the metrics server so g.Wait can
		// return.
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(shutCtx); err != nil {
			slog.Warn("shutdown after run error", "err", err)
		}
		return a.session.Wait()
	})

	return g.Wait()
}

// consume drains the session queue, feeding each frame to the beamformer.
// It returns once the queue is closed and empty.
func (a *App) consume(ctx context.Context) {
	for {
		waitStart := time.Now()
		f, ok := a.session.Next()
		if !ok {
			if done, _ := a.session.WaitTimeout(0); done && a.session.Frames().Len() == 0 {
				return
			}
			continue
		}
		a.metrics.FrameWait.Record(ctx, time.Since(waitStart).Seconds())
		a.processFrame(ctx, &f)
	}
}

// processFrame runs the beamformer on one frame and tracks the peak energy
// location.
func (a *App) processFrame(ctx context.Context, f *signal.Frame) {
	a.bfMu.Lock()
	bf := a.bf
	a.bfMu.Unlock()

	a.peakMu.Lock()
	a.frames++
	n := a.frames
	a.peakMu.Unlock()

	if bf == nil {
		return
	}

	start := time.Now()
	energies, err := bf.ProcessFrame(f)
	a.metrics.BeamformDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Warn("beamforming failed", "frame", n, "err", err)
		return
	}

	idx, energy := beamform.Argmax(energies)
	p := Peak{
		Location: bf.Grid().At(idx),
		Energy:   energy,
		Frame:    n,
		When:     f.Timestamp,
	}

	a.peakMu.Lock()
	a.peak = p
	a.peakMu.Unlock()

	slog.Debug("beamformed frame",
		"frame", n,
		"peak", p.Location,
		"energy", p.Energy,
	)
}

// Peak returns the strongest grid location of the most recent beamformed
// frame. The bool is false before the first frame has been processed.
func (a *App) Peak() (Peak, bool) {
	a.peakMu.Lock()
	defer a.peakMu.Unlock()
	return a.peak, a.peak.Frame != 0
}

// Session exposes the underlying acquisition session for status queries.
func (a *App) Session() *source.Session { return a.session }

// recordTotals pushes the session's final frame counters to the metrics.
func (a *App) recordTotals(ctx context.Context) {
	st := a.session.Stats()
	name := a.backend.Name()
	a.metrics.RecordFramesDelivered(ctx, name, st.Delivered)
	a.metrics.RecordFramesLost(ctx, name, st.Lost)
}

// ApplyReload applies a hot-reloadable config change. Acquisition settings
// are fixed for the lifetime of a session; only log level and beamformer
// tuning take effect.
func (a *App) ApplyReload(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BeamformerChanged {
		if err := a.initBeamformer(d.NewBeamformer); err != nil {
			slog.Warn("beamformer retune rejected", "err", err)
			return
		}
		slog.Info("beamformer retuned",
			"enabled", d.NewBeamformer.Enabled,
			"bandwidth", d.NewBeamformer.Bandwidth,
		)
	}
}

// Shutdown stops acquisition and tears down all subsystems. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.session.Stop()

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("metrics server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// secs converts a config duration in seconds to a time.Duration.
func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// configUnit maps the config unit shorthand to an antenna unit.
func configUnit(u string) antenna.Unit {
	switch u {
	case "cm":
		return antenna.Centimeters
	case "mm":
		return antenna.Millimeters
	default:
		return antenna.Meters
	}
}

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
