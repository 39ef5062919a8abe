package app

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// plausible ambient temperatures in °C accepted by the calibrate service
const (
	tMin = -50.0
	tMax = 100.0
)

// runWebServer starts the applications web server and listens for web requests.
//  It's designed to run in a separate go function to not block the main go function.
//  e.g.: go runWebServer()
//  See app.Run()
func (app *App) runWebServer() {
	err := app.web.Listen(app.urlParsed.Host)
	debug.ErrorLog.Print(err)
}

// HandleData is the get last reading web handler.
func (app *App) HandleData() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request data")

		app.reading.Lock()
		r := app.reading.data
		app.reading.Unlock()

		return ctx.JSON(r)
	}
}

// HandleCalibrate is the set ambient temperature web handler.
// It recalibrates the sensor and reports the new speed of sound and echo
// timeout.
func (app *App) HandleCalibrate() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request calibrate")

		var req struct {
			Temperature float64 `json:"temperature"`
		}
		if err := ctx.BodyParser(&req); err != nil {
			ctx.Status(http.StatusBadRequest)
			return ctx.JSON(fiber.Map{"error": err.Error()})
		}

		if req.Temperature < tMin || req.Temperature > tMax {
			ctx.Status(http.StatusBadRequest)
			return ctx.JSON(fiber.Map{"error": "temperature out of range"})
		}

		app.sensor.Calibrate(req.Temperature)
		soundSpeed, timeout := app.sensor.Calibration()

		debug.InfoLog.Printf("calibrated for %v°C", req.Temperature)

		ctx.Status(http.StatusOK)
		return ctx.JSON(fiber.Map{
			"temperature": req.Temperature,
			"soundSpeed":  soundSpeed,
			"echoTimeout": timeout.String(),
		})
	}
}
