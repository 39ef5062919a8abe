// Package config holds the configuration of the measurement daemon, read
// from a yaml file and overridden by command line flags.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/womat/debug"
	"gopkg.in/yaml.v2"

	"usonic/pkg/hcsr04"
	"usonic/pkg/raspberry"
)

// Config defines the struct of the global config and of the configuration
// file.
type Config struct {
	Gpio        GpioConfig      `yaml:"gpio"`
	Temperature float64         `yaml:"temperature"`
	IntervalInt int             `yaml:"interval"`
	Interval    time.Duration   `yaml:"-"`
	UnitString  string          `yaml:"unit"`
	Unit        hcsr04.Unit     `yaml:"-"`
	Flag        FlagConfig      `yaml:"-"`
	Debug       DebugConfig     `yaml:"debug"`
	Webserver   WebserverConfig `yaml:"webserver"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
}

// FlagConfig defines the configured flags (parameters).
type FlagConfig struct {
	ConfigFile string
	LogLevel   string
}

// GpioConfig defines the wiring of the sensor: the gpio driver, the chip the
// lines belong to and the BCM line offsets of the TRIG and ECHO lines.
type GpioConfig struct {
	Driver  string `yaml:"driver"`
	Chip    string `yaml:"chip"`
	Trigger int    `yaml:"trigger"`
	Echo    int    `yaml:"echo"`
}

// WebserverConfig defines the struct of the webserver and webservice
// configuration and configuration file.
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// MQTTConfig defines the struct of the mqtt client configuration and
// configuration file.
//
// A reading is published at least every Interval, and earlier when the
// distance moved by DeltaMeters or an object entered or left the range.
type MQTTConfig struct {
	Connection  string        `yaml:"connection"`
	IntervalInt int           `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
	DeltaMeters float64       `yaml:"deltameters"`
	Topic       string        `yaml:"topic"`
}

// DebugConfig defines the struct of the debug configuration and
// configuration file.
type DebugConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

// NewConfig returns the default configuration: the usual HC-SR04 wiring on
// gpiochip0, a measurement every second in cm, and mqtt disabled.
func NewConfig() *Config {
	return &Config{
		Gpio: GpioConfig{
			Driver:  raspberry.Chardev,
			Chip:    raspberry.DefaultChip,
			Trigger: 24,
			Echo:    23,
		},
		Temperature: 20.0,
		IntervalInt: 1,
		UnitString:  "cm",
		Flag:        FlagConfig{},
		Debug: DebugConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version":   true,
				"health":    true,
				"data":      true,
				"calibrate": true,
			},
		},
		MQTT: MQTTConfig{
			Connection:  "",
			IntervalInt: 60,
			DeltaMeters: 0.05,
			Topic:       "/usonic/distance",
		},
	}
}

// LoadConfig reads the configuration file named by the config flag, applies
// the flag overrides and computes the derived fields.
func (c *Config) LoadConfig() error {
	if err := c.readConfigFile(); err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
	}

	if c.Flag.LogLevel != "" {
		c.Debug.FlagString = c.Flag.LogLevel
	}
	if err := c.setDebugConfig(); err != nil {
		return fmt.Errorf("unable to open debug file %q: %w", c.Debug.FileString, err)
	}

	switch c.Gpio.Driver {
	case raspberry.Chardev, raspberry.Mmap, raspberry.Emulator:
	default:
		return fmt.Errorf("invalid gpio driver %q", c.Gpio.Driver)
	}

	unit, err := hcsr04.ParseUnit(c.UnitString)
	if err != nil {
		return err
	}
	c.Unit = unit

	c.Interval = time.Duration(c.IntervalInt) * time.Second
	c.MQTT.Interval = time.Duration(c.MQTT.IntervalInt) * time.Second

	return nil
}

func (c *Config) readConfigFile() error {
	file, err := os.Open(c.Flag.ConfigFile)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	if err = decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) setDebugConfig() (err error) {
	switch c.Debug.FlagString {
	case "trace", "full":
		c.Debug.Flag = debug.Full
	case "debug":
		c.Debug.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	case "standard":
		c.Debug.Flag = debug.Standard
	}

	switch c.Debug.FileString {
	case "stderr":
		c.Debug.File = os.Stderr
	case "stdout":
		c.Debug.File = os.Stdout
	default:
		if c.Debug.File, err = os.OpenFile(c.Debug.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}
