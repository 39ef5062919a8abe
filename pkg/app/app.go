// Package app wires the sensor, the measurement service, the web server and
// the mqtt client into the daemon.
package app

import (
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"

	"usonic/pkg/app/config"
	"usonic/pkg/hcsr04"
	"usonic/pkg/mqtt"
	"usonic/pkg/raspberry"
)

// Reading is one distance measurement of the sensor.
type Reading struct {
	// TimeStamp of the measurement.
	TimeStamp time.Time
	// Distance in Unit, 0 when InRange is false.
	Distance float64
	// Unit is the short name of the configured unit of measure.
	Unit string
	// Meters is the distance in metres, independent of Unit.
	Meters float64
	// InRange is false when no object was detected within the measuring
	// range of the sensor.
	InRange bool
}

// The emulated sensor answers the trigger pulse after emuEchoDelay and holds
// the echo line high for emuEchoWidth, the round trip time of an object in
// about 1m distance.
const (
	emuEchoDelay = 500 * time.Microsecond
	emuEchoWidth = 5824 * time.Microsecond
)

// App is the main application struct.
// App is where the application is wired up.
type App struct {
	// web is the fiber web framework instance
	web *fiber.App

	// config is the application configuration
	config *config.Config

	// urlParsed contains the parsed Config.Url parameter
	// and makes it easier to get params out of e.g.
	// url: https://0.0.0.0:7844/?minTls=1.2&bodyLimit=50MB
	urlParsed *url.URL

	// mqtt is the handler to the mqtt broker
	mqtt *mqtt.Handler

	// gpio is the line provider the sensor lines are requested from
	gpio raspberry.GPIO

	// sensor is the hc-sr04 driver
	sensor *hcsr04.Sensor

	// reading holds the last measurement
	reading struct {
		sync.Mutex
		data Reading
	}

	// mqttData holds the last measurement published to the mqtt broker
	mqttData struct {
		sync.Mutex
		data Reading
	}

	// restart signals application restart
	restart chan struct{}
	// shutdown signals application shutdown
	shutdown chan struct{}
}

// New checks the Web server URL and initialize the main app structure
func New(config *config.Config) (*App, error) {
	u, err := url.Parse(config.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", config.Webserver.URL, err.Error())
		return nil, err
	}

	return &App{
		config:    config,
		urlParsed: u,

		web:  fiber.New(),
		mqtt: mqtt.New(),

		restart:  make(chan struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Run starts the application.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	go app.mqtt.Service()
	go app.runWebServer()
	go app.service()

	return nil
}

// init initializes the application.
func (app *App) init() (err error) {
	app.gpio, err = raspberry.Open(app.config.Gpio.Driver, app.config.Gpio.Chip)
	if err != nil {
		debug.ErrorLog.Printf("can't open gpio: %v", err)
		return err
	}

	// the emulated chip answers trigger pulses itself
	if emu, ok := app.gpio.(*raspberry.Emu); ok {
		emu.EchoPulse(app.config.Gpio.Echo, emuEchoDelay, emuEchoWidth)
	}

	app.sensor, err = hcsr04.New(app.config.Gpio.Trigger, app.config.Gpio.Echo,
		hcsr04.WithLines(app.gpio),
		hcsr04.WithTemperature(app.config.Temperature))
	if err != nil {
		debug.ErrorLog.Printf("can't open sensor: %v", err)
		_ = app.gpio.Close()
		return err
	}

	if err = app.mqtt.Connect(app.config.MQTT.Connection, MODULE); err != nil {
		debug.ErrorLog.Printf("can't open mqtt broker %v", err)
		_ = app.sensor.Close()
		_ = app.gpio.Close()
		return err
	}

	// initDefaultRoutes should always be called last because it may access
	// things like app.sensor which must be initialized before
	app.initDefaultRoutes()

	return nil
}

// Restart returns the read only restart channel.
// Restart is used to be able to react on application restart. (see cmd/usonic.go)
func (app *App) Restart() <-chan struct{} {
	return app.restart
}

// Shutdown returns the read only shutdown channel.
// Shutdown is used to be able to react on application shutdown. (see cmd/usonic.go)
func (app *App) Shutdown() <-chan struct{} {
	return app.shutdown
}

func (app *App) Close() error {
	if app.mqtt != nil {
		_ = app.mqtt.Disconnect()
	}

	if app.sensor != nil {
		_ = app.sensor.Close()
	}
	if app.gpio != nil {
		_ = app.gpio.Close()
	}
	return nil
}
