package app

import (
	"encoding/json"
	"math"
	"time"

	"github.com/womat/debug"

	"usonic/pkg/mqtt"
)

// service measures in an endless loop, every configured interval.
// It saves the reading to the app main structure and forwards it to the mqtt
// broker.
func (app *App) service() {
	for {
		if err := app.measure(); err != nil {
			debug.ErrorLog.Println(err)
		}

		time.Sleep(app.config.Interval)
	}
}

// measure performs one pulse-echo cycle and stores the reading.
func (app *App) measure() error {
	dist, inRange, err := app.sensor.MeasureDistance(app.config.Unit)
	if err != nil {
		return err
	}

	r := Reading{
		TimeStamp: time.Now(),
		Distance:  dist,
		Unit:      app.config.Unit.String(),
		Meters:    dist / app.config.Unit.Factor(),
		InRange:   inRange,
	}
	debug.DebugLog.Printf("Reading: %+v", r)

	app.reading.Lock()
	app.reading.data = r
	app.reading.Unlock()

	app.validateReading(r)
	return nil
}

// validateReading checks the reading by delta time and delta distance
// and sends it to mqtt if the delta values are exceeded or an object entered
// or left the range.
func (app *App) validateReading(r Reading) {
	app.mqttData.Lock()
	defer app.mqttData.Unlock()

	last := app.mqttData.data

	deltaT := r.TimeStamp.Sub(last.TimeStamp)
	deltaM := math.Abs(r.Meters - last.Meters)
	rangeChanged := r.InRange != last.InRange

	if last.TimeStamp.IsZero() || deltaT >= app.config.MQTT.Interval ||
		deltaM >= app.config.MQTT.DeltaMeters || rangeChanged {
		app.sendMQTT(app.config.MQTT.Topic, r)
		app.mqttData.data = r
	}
}

// sendMQTT send message struct to the mqtt broker.
func (app *App) sendMQTT(topic string, message interface{}) {
	go func(t string, r interface{}) {
		debug.TraceLog.Printf("prepare mqtt message %v %v", t, r)

		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			debug.ErrorLog.Printf("sendMQTT marshal: %v", err)
			return
		}

		app.mqtt.C <- mqtt.Message{
			Qos:      0,
			Retained: true,
			Topic:    t,
			Payload:  b,
		}
	}(topic, message)
}
