package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// MotorConfig holds the TMC5130 wiring and motion profile.
type MotorConfig struct {
	SPIBus      int    `yaml:"spi_bus" env:"SPI_BUS"`         // SPI bus number (0 on a stock Pi)
	SPIDevice   int    `yaml:"spi_device" env:"SPI_DEVICE"`   // chip select on that bus
	VMax        uint32 `yaml:"vmax" env:"MOTOR_VMAX"`         // max velocity (chip units)
	AMax        uint32 `yaml:"amax" env:"MOTOR_AMAX"`         // max acceleration (chip units)
	RunCurrent  uint32 `yaml:"run_current" env:"MOTOR_CURRENT_RUN"`   // IRUN scale 0-31
	HoldCurrent uint32 `yaml:"hold_current" env:"MOTOR_CURRENT_HOLD"` // IHOLD scale 0-31
	HoldDelay   uint32 `yaml:"hold_delay"`                    // IHOLDDELAY field
	PowerDown   uint32 `yaml:"powerdown"`                     // TPOWERDOWN, 128 ~ 2s
}

// LimitsConfig sets the built-in travel limits in microsteps.
// The user can narrow them at runtime but never widen past these.
type LimitsConfig struct {
	Left  int32 `yaml:"left"`
	Right int32 `yaml:"right"`
}

// StoreConfig locates the persistence database.
type StoreConfig struct {
	Path string `yaml:"path" env:"SKYBOX_DB"`
}

// WebConfig holds the HTTP server settings.
type WebConfig struct {
	Port int `yaml:"port" env:"SKYBOX_PORT"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" env:"DEBUG_LEVEL"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	SimSPI     bool `yaml:"sim_spi" env:"SIM_SPI"`         // use simulated SPI (true=dev/test, false=real hardware)
}

// Config aggregates all application configuration.
type Config struct {
	Motor    MotorConfig    `yaml:"motor"`
	Limits   LimitsConfig   `yaml:"limits"`
	Store    StoreConfig    `yaml:"store"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Load reads a YAML file, applies environment overrides, and returns
// the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Environment wins over the file, so a deployed unit can be
	// retuned without editing its config.
	for _, target := range []interface{}{
		&cfg.Motor, &cfg.Store, &cfg.Web, &cfg.Defaults,
	} {
		if err := env.Parse(target); err != nil {
			return nil, fmt.Errorf("parse environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// Basic validation with reasonable defaults
	if c.Motor.VMax == 0 {
		c.Motor.VMax = 15000
	}
	if c.Motor.AMax == 0 {
		c.Motor.AMax = 150
	}
	if c.Motor.RunCurrent == 0 {
		c.Motor.RunCurrent = 16
	}
	if c.Motor.RunCurrent > 31 {
		return fmt.Errorf("motor.run_current must be 0-31, got %d", c.Motor.RunCurrent)
	}
	if c.Motor.HoldCurrent == 0 {
		c.Motor.HoldCurrent = 8
	}
	if c.Motor.HoldCurrent > 31 {
		return fmt.Errorf("motor.hold_current must be 0-31, got %d", c.Motor.HoldCurrent)
	}
	if c.Motor.HoldDelay == 0 {
		c.Motor.HoldDelay = 6
	}
	if c.Motor.PowerDown == 0 {
		c.Motor.PowerDown = 128 // ~2 seconds
	}
	if c.Motor.SPIBus < 0 || c.Motor.SPIBus > 2 {
		return fmt.Errorf("motor.spi_bus must be 0-2, got %d", c.Motor.SPIBus)
	}
	if c.Motor.SPIDevice < 0 || c.Motor.SPIDevice > 1 {
		return fmt.Errorf("motor.spi_device must be 0 or 1, got %d", c.Motor.SPIDevice)
	}

	if c.Limits.Left == 0 && c.Limits.Right == 0 {
		c.Limits.Left = -51200
		c.Limits.Right = 51200
	}
	if c.Limits.Left >= c.Limits.Right {
		return fmt.Errorf("limits.left (%d) must be below limits.right (%d)", c.Limits.Left, c.Limits.Right)
	}

	if c.Store.Path == "" {
		c.Store.Path = "/data/skybox.db"
	}

	if c.Web.Port == 0 {
		c.Web.Port = 5000
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}

	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Web.Port)
}

// RetryDelay is the pause between motor reinitialization attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Second
}
