package main

import (
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"github.com/womat/debug"

	"usonic/pkg/app"
	"usonic/pkg/app/config"
)

const defaultConfigFile = "/opt/usonic/config/" + app.MODULE + ".yaml"

func main() {
	exitCode := 1
	defer func() {
		os.Exit(exitCode)
	}()

	// cfg holds the application configuration
	cfg := config.NewConfig()

	cliApp := &cli.App{
		Name:    app.MODULE,
		Usage:   "distance logger for the HC-SR04 ultrasonic sensor",
		Version: app.VERSION,
		Description: "Measures the distance to the nearest object with an HC-SR04 ultrasonic sensor" +
			"\n on the gpio lines of a Raspberry Pi and writes the readings to mqtt." +
			"\n The speed of sound is calibrated for the ambient temperature, at startup from the" +
			"\n configuration file and at runtime over the calibrate web service.",
		UsageText: "usonic [--config <file>] [--log error|debug|trace]" +
			"\n\nEXAMPLE:" +
			"\n\tstart the distance logger and use the configuration file usonic.yaml" +
			"\n\t\tusonic --config /opt/usonic/config/usonic.yaml",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Destination: &cfg.Flag.ConfigFile, Value: defaultConfigFile, Usage: "load configuration from `FILE`"},
			&cli.StringFlag{Name: "log", Aliases: []string{"l"}, Destination: &cfg.Flag.LogLevel, Value: "standard", Usage: "`LEVEL` defines the log level (fatal|info|warning|error|debug|trace)"},
		},
		Action: func(ctx *cli.Context) error {
			if err := cfg.LoadConfig(); err != nil {
				return err
			}

			debug.SetDebug(cfg.Debug.File, cfg.Debug.Flag)
			defer func() {
				debug.InfoLog.Printf("closing debug file %s", cfg.Debug.FileString)
				_ = cfg.Debug.File.Close()
			}()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				debug.InfoLog.Printf("closing app %s", app.Version())
				_ = a.Close()
			}()

			debug.InfoLog.Printf("starting app %s", app.Version())
			if err = a.Run(); err != nil {
				return err
			}

			// capture exit signals to ensure resources are released on exit.
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			// wait for an os.Interrupt signal (CTRL C) or the app shutting
			// itself down
			select {
			case sig := <-quit:
				debug.InfoLog.Printf("Got %s signal. Aborting...", sig)
			case <-a.Shutdown():
				debug.InfoLog.Print("app shutdown")
			}

			return nil
		},
	}

	// we expect to have more command line flags in the future - sort them
	sort.Sort(cli.FlagsByName(cliApp.Flags))
	sort.Sort(cli.CommandsByName(cliApp.Commands))

	err := cliApp.Run(os.Args)
	if err != nil {
		debug.FatalLog.Print(err)
		exitCode = 1
		return
	}

	exitCode = 0
	return
}
