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

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/fovcast/internal/config"
	"github.com/udisondev/fovcast/internal/db"
	"github.com/udisondev/fovcast/internal/fov"
	"github.com/udisondev/fovcast/internal/level"
	"github.com/udisondev/fovcast/internal/sim"
	"github.com/udisondev/fovcast/internal/stream"
)

const DefaultConfigPath = "config/fovcast.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := flag.String("config", DefaultConfigPath, "path to the simulation config")
	importPath := flag.String("import", "", "store this level file in the database and exit")
	flag.Parse()

	cfg, err := config.LoadSimulation(config.ResolvePath(*cfgPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.System.SlogLevel(),
	})))
	slog.Info("fovsim starting",
		"log_level", cfg.System.LogLevel,
		"tick_rate", cfg.TickRate,
		"workers", cfg.System.Workers)

	var levels db.LevelRepository
	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()
		slog.Info("database connected")

		if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("database migrations applied")
		levels = database.Levels()
	}

	if *importPath != "" {
		return importLevel(ctx, levels, *importPath)
	}

	doc, err := sim.LoadDocument(ctx, cfg, levels)
	if err != nil {
		return err
	}
	world, err := level.NewWorld(doc, sim.Layers(cfg.System), cfg.Seed)
	if err != nil {
		return fmt.Errorf("building world: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		uploader fov.MeshUploader
		sinks    []sim.Sink
	)
	if cfg.Stream.Enabled {
		hub := stream.NewHub(cfg.Stream.SendQueueSize, cfg.Stream.WriteTimeout)
		pub := stream.NewPublisher(hub, world.Name())
		uploader = pub
		sinks = append(sinks, pub)

		srv := stream.NewServer(cfg.Stream, hub, pub, levels)
		g.Go(func() error {
			slog.Info("starting stream server", "addr", cfg.Stream.Addr())
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("stream server: %w", err)
			}
			return nil
		})
	}
	sinks = append(sinks, sim.SinkFunc(logAlerts()))

	driver := sim.NewDriver(world, fov.New(sim.Options(cfg.System), uploader), cfg.TickRate, cfg.Ticks, sinks...)
	defer driver.Close()

	g.Go(func() error {
		err := driver.Start(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("simulation: %w", err)
		}
		if err == nil {
			// a bounded run ends the process, stream server included
			return errBoundedRunDone
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errBoundedRunDone) {
		return fmt.Errorf("server error: %w", err)
	}

	st := driver.System().Stats()
	slog.Info("fovsim stopped",
		"ticks", st.Ticks,
		"guard_sightings", world.Sightings().Total())
	return nil
}

// errBoundedRunDone stops the errgroup once a run with a tick limit ends.
var errBoundedRunDone = errors.New("tick limit reached")

// logAlerts logs a guard's state whenever it changes.
func logAlerts() func(*level.World, fov.Stats) {
	last := make(map[int]level.GuardState)
	return func(w *level.World, stats fov.Stats) {
		for _, g := range w.Guards() {
			state := g.State()
			if prev, ok := last[g.ID()]; ok && prev == state {
				continue
			}
			last[g.ID()] = state
			slog.Info("guard state",
				"tick", stats.Ticks,
				"guard", g.Name(),
				"state", state,
				"player_sightings", g.PlayerSightings(),
				"enemy_sightings", g.EnemySightings())
		}
	}
}

func importLevel(ctx context.Context, levels db.LevelRepository, path string) error {
	if levels == nil {
		return fmt.Errorf("importing %s: database is disabled", path)
	}
	doc, err := level.LoadFile(path)
	if err != nil {
		return err
	}
	if err := levels.Save(ctx, doc); err != nil {
		return fmt.Errorf("importing %s: %w", path, err)
	}
	slog.Info("level imported", "level", doc.Name, "id", doc.ID)
	return nil
}
