package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/udisondev/fovcast/internal/config"
	"github.com/udisondev/fovcast/internal/db"
	"github.com/udisondev/fovcast/internal/fov"
	"github.com/udisondev/fovcast/internal/level"
	"github.com/udisondev/fovcast/internal/render"
	"github.com/udisondev/fovcast/internal/sim"
)

const DefaultConfigPath = "config/fovcast.yaml"

// Game runs one tick per Update: the physics step schedules the visibility
// batch, which completes in Draw right before the fans are drawn.
type Game struct {
	driver *sim.Driver
	scene  *render.Scene
	dt     float32
	paused bool
}

func (g *Game) Update() error {
	if ebiten.IsKeyPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		g.paused = !g.paused
	}
	if g.paused {
		return nil
	}

	// Draw may have been skipped for this frame
	g.driver.Finish()
	g.driver.Advance(g.dt)
	return nil
}

func (g *Game) Draw(screen *ebiten.Image) {
	g.driver.Finish()
	g.scene.Draw(screen, g.driver.System().Stats())
}

func (g *Game) Layout(_, _ int) (int, int) {
	return g.scene.Cam.Width, g.scene.Cam.Height
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", DefaultConfigPath, "path to the simulation config")
	flag.Parse()

	cfg, err := config.LoadSimulation(config.ResolvePath(*cfgPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.System.SlogLevel(),
	})))

	ctx := context.Background()
	var levels db.LevelRepository
	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()
		levels = database.Levels()
	}

	doc, err := sim.LoadDocument(ctx, cfg, levels)
	if err != nil {
		return err
	}
	world, err := level.NewWorld(doc, sim.Layers(cfg.System), cfg.Seed)
	if err != nil {
		return fmt.Errorf("building world: %w", err)
	}

	scene := render.NewScene(world, cfg.View.Width, cfg.View.Height)
	if cfg.View.Scale > 0 {
		scene.Cam.Scale = cfg.View.Scale
	}
	driver := sim.NewDriver(world, fov.New(sim.Options(cfg.System), scene.Mesh), cfg.TickRate, 0)
	defer driver.Close()

	tps := int(1 / cfg.TickRate.Seconds())
	ebiten.SetTPS(max(1, tps))
	ebiten.SetWindowSize(cfg.View.Width, cfg.View.Height)
	ebiten.SetWindowTitle("fovcast - " + world.Name())

	game := &Game{driver: driver, scene: scene, dt: float32(cfg.TickRate.Seconds())}
	if err := ebiten.RunGame(game); err != nil {
		return fmt.Errorf("running viewer: %w", err)
	}
	return nil
}
