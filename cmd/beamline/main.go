// Command beamline acquires, records and beamforms multichannel microphone
// array streams.
//
// Usage:
//
//	beamline run [-config beamline.yaml]      acquire per the config file
//	beamline info <file.muh5>                 print container file attributes
//	beamline settings [-url ws://...]         query a receiver's settings
//	beamline selftest [-url ws://...]         run a receiver self-test
//	beamline halt [-url ws://...]             halt the receiver's acquisition
//	beamline halt-master [-url ws://...]      halt a master-mode acquisition
//	beamline shutdown [-url ws://...]         power the receiver host down
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acoustio/beamline/internal/app"
	"github.com/acoustio/beamline/internal/config"
	"github.com/acoustio/beamline/internal/observe"
	"github.com/acoustio/beamline/internal/source"
	"github.com/acoustio/beamline/pkg/muh5"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd, args := splitCommand(os.Args[1:])

	switch cmd {
	case "run":
		return runAcquisition(args)
	case "info":
		return runInfo(args)
	case "settings", "selftest", "halt", "halt-master", "shutdown":
		return runReceiverCommand(cmd, args)
	default:
		fmt.Fprintf(os.Stderr, "beamline: unknown command %q\n", cmd)
		return 2
	}
}

// splitCommand peels the subcommand off the argument list. Flags and empty
// arguments select the default run command.
func splitCommand(args []string) (string, []string) {
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		return args[0], args[1:]
	}
	return "run", args
}

// ── run ────────────────────────────────────────────────────────────────────

func runAcquisition(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "beamline.yaml", "path to the YAML configuration file")
	watch := fs.Bool("watch", false, "reload hot-applicable config changes while running")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "beamline: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Server.LogLevel, level))

	slog.Info("beamline starting",
		"config", *configPath,
		"source", cfg.Source.Kind,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "beamline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(otelCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyReload(config.Diff(old, new))
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	printRunSummary(application)
	return 0
}

// ── info ───────────────────────────────────────────────────────────────────

func runInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "beamline: info expects exactly one container file")
		return 2
	}

	r, err := muh5.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
		return 1
	}
	defer r.Close()

	info := r.Info()
	fmt.Printf("file                : %s\n", fs.Arg(0))
	fmt.Printf("recorded            : %s\n", info.Date)
	fmt.Printf("sampling frequency  : %g Hz\n", info.SamplingFrequency)
	fmt.Printf("channels            : %d (%d mems, %d analogs, counter=%v, status=%v)\n",
		info.ChannelsNumber, len(info.Mems), len(info.Analogs), info.Counter, info.Status)
	fmt.Printf("datatype            : %s\n", info.Datatype)
	fmt.Printf("datasets            : %d x %gs (%d samples each)\n",
		info.DatasetNumber, info.DatasetDuration, info.DatasetLength)
	fmt.Printf("duration            : %gs\n", info.Duration)
	fmt.Printf("compression         : %v\n", info.Compression)
	if info.Comment != "" {
		fmt.Printf("comment             : %s\n", info.Comment)
	}
	return 0
}

// ── receiver one-shots ─────────────────────────────────────────────────────

func runReceiverCommand(cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	url := fs.String("url", "", "receiver websocket URL (defaults to source.remote.url from -config)")
	configPath := fs.String("config", "beamline.yaml", "path to the YAML configuration file")
	fs.Parse(args)

	target := *url
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "beamline: %v (pass -url to skip the config file)\n", err)
			return 1
		}
		target = cfg.Source.Remote.URL
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "beamline: no receiver URL; pass -url or set source.remote.url")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := source.NewClient(target)
	switch cmd {
	case "settings":
		payload, err := client.Settings(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
			return 1
		}
		fmt.Println(string(payload))
	case "selftest":
		payload, err := client.Selftest(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
			return 1
		}
		fmt.Println(string(payload))
	case "halt":
		if err := client.Halt(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
			return 1
		}
		fmt.Println("acquisition halted")
	case "halt-master":
		if err := client.HaltMaster(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
			return 1
		}
		fmt.Println("master acquisition halted")
	case "shutdown":
		if err := client.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "beamline: %v\n", err)
			return 1
		}
		fmt.Println("receiver shutting down")
	}
	return 0
}

// ── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Beamline startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Source", string(cfg.Source.Kind))
	printEntry("Mems", fmt.Sprintf("%d of %d", len(cfg.Acquisition.Channels.Mems), cfg.Acquisition.Channels.AvailableMems))
	printEntry("Antenna", cfg.Antenna.Array)
	if cfg.Recording.Enabled {
		printEntry("Recording", cfg.Recording.RootDir)
	} else {
		printEntry("Recording", "(disabled)")
	}
	if cfg.Beamformer.Enabled {
		printEntry("Beamformer", fmt.Sprintf("%gx%gx%g m", cfg.Beamformer.Area[0], cfg.Beamformer.Area[1], cfg.Beamformer.Area[2]))
	} else {
		printEntry("Beamformer", "(disabled)")
	}
	if cfg.Server.MetricsAddr != "" {
		printEntry("Metrics", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if len(value) > 18 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-12s    : %-18s ║\n", kind, value)
}

func printRunSummary(a *app.App) {
	stats := a.Session().Stats()
	slog.Info("run summary",
		"state", a.Session().State(),
		"delivered", stats.Delivered,
		"lost", stats.Lost,
	)
	if peak, ok := a.Peak(); ok {
		slog.Info("strongest source",
			"location", peak.Location,
			"energy", peak.Energy,
			"frame", peak.Frame,
		)
	}
}

// ── Logger ──────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	switch level {
	case config.LogDebug:
		lv.Set(slog.LevelDebug)
	case config.LogWarn:
		lv.Set(slog.LevelWarn)
	case config.LogError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
