package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Webrewthebestbeer1/skybox/internal/config"
	"github.com/Webrewthebestbeer1/skybox/internal/debug"
	"github.com/Webrewthebestbeer1/skybox/internal/hw/spi"
	"github.com/Webrewthebestbeer1/skybox/internal/hw/tmc5130"
	"github.com/Webrewthebestbeer1/skybox/internal/logic/limits"
	"github.com/Webrewthebestbeer1/skybox/internal/logic/motion"
	"github.com/Webrewthebestbeer1/skybox/internal/store"
	"github.com/Webrewthebestbeer1/skybox/internal/web"
)

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	simFlag := flag.Bool("sim", false, "use simulated SPI bus (overrides config)")
	portFlag := flag.Int("port", 0, "web server port (overrides config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *simFlag {
		cfg.Defaults.SimSPI = true
	}
	if *portFlag > 0 {
		cfg.Web.Port = *portFlag
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Simulated SPI", cfg.Defaults.SimSPI)

	// Open the persistence store
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("open store %s failed: %v", cfg.Store.Path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("closing store failed: %v", err)
		}
	}()
	debug.Value("Store path", cfg.Store.Path)

	// SPI transport and TMC5130 driver
	bus, err := spi.NewBus(cfg.Defaults.SimSPI, cfg.Motor.SPIBus, cfg.Motor.SPIDevice)
	if err != nil {
		log.Fatalf("init SPI bus failed: %v", err)
	}
	driver := tmc5130.New(bus)

	controller := motion.NewController(driver, db, motion.Config{
		Profile: tmc5130.Profile{
			RunCurrent:     cfg.Motor.RunCurrent,
			HoldCurrent:    cfg.Motor.HoldCurrent,
			HoldDelay:      cfg.Motor.HoldDelay,
			PowerDownDelay: cfg.Motor.PowerDown,
			VMax:           cfg.Motor.VMax,
			AMax:           cfg.Motor.AMax,
		},
		DefaultLimits: limits.Pair{Left: cfg.Limits.Left, Right: cfg.Limits.Right},
		RetryDelay:    cfg.RetryDelay(),
	})
	defer func() {
		if err := controller.Close(); err != nil {
			log.Printf("closing motor failed: %v", err)
		}
	}()

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	// A failed init parks the controller but the server still comes up:
	// the unit is headless, status and the event log are how anyone
	// finds out what happened.
	if err := controller.Init(); err != nil {
		log.Printf("motor init failed, serving in degraded mode: %v", err)
	}

	info := web.HWInfo{
		Driver:    "tmc5130",
		SPIBus:    cfg.Motor.SPIBus,
		SPIDevice: cfg.Motor.SPIDevice,
		Simulated: cfg.Defaults.SimSPI,
	}
	srv := web.NewServer(cfg.ListenAddr(), broadcaster, controller, db, info)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("web server: %v", err)
	}
}
