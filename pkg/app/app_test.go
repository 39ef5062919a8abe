package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/womat/debug"

	"usonic/pkg/app/config"
	"usonic/pkg/hcsr04"
	"usonic/pkg/mqtt"
	"usonic/pkg/raspberry"
)

func TestMain(m *testing.M) {
	debug.SetDebug(os.Stderr, debug.Standard)
	os.Exit(m.Run())
}

func newTestConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Gpio.Driver = raspberry.Emulator
	cfg.Unit = hcsr04.Centimeters
	cfg.Interval = time.Second
	cfg.MQTT.Interval = time.Hour
	cfg.MQTT.DeltaMeters = 0.05
	cfg.MQTT.Topic = "/usonic/test"
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	a, err := New(newTestConfig())
	require.NoError(t, err)
	require.NoError(t, a.init())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAppVersion(t *testing.T) {
	a := newTestApp(t)

	resp, err := a.web.Test(httptest.NewRequest("GET", "/version", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), VERSION)
	assert.Contains(t, string(body), MODULE)
}

func TestAppHealth(t *testing.T) {
	a := newTestApp(t)

	resp, err := a.web.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "NumGoroutines")
}

func TestAppMeasure(t *testing.T) {
	a := newTestApp(t)

	require.NoError(t, a.measure())

	a.reading.Lock()
	r := a.reading.data
	a.reading.Unlock()

	assert.True(t, r.InRange)
	assert.Equal(t, "cm", r.Unit)
	assert.False(t, r.TimeStamp.IsZero())

	// the emulated echo pulse corresponds to an object in about 1m distance
	assert.GreaterOrEqual(t, r.Meters, 0.9)
	assert.Less(t, r.Meters, 3.0)
	assert.InDelta(t, r.Meters*100, r.Distance, 1e-9)

	// the first reading is always published
	select {
	case msg := <-a.mqtt.C:
		assert.Equal(t, "/usonic/test", msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("reading was not published")
	}
}

func TestAppData(t *testing.T) {
	a := newTestApp(t)

	want := Reading{
		TimeStamp: time.Now(),
		Distance:  85.855,
		Unit:      "cm",
		Meters:    0.85855,
		InRange:   true,
	}
	a.reading.Lock()
	a.reading.data = want
	a.reading.Unlock()

	resp, err := a.web.Test(httptest.NewRequest("GET", "/data", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var got Reading
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, want.Distance, got.Distance)
	assert.Equal(t, want.Unit, got.Unit)
	assert.Equal(t, want.Meters, got.Meters)
	assert.True(t, got.InRange)
}

func TestAppCalibrate(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest("POST", "/calibrate", bytes.NewBufferString(`{"temperature": 25}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.web.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	soundSpeed, _ := a.sensor.Calibration()
	assert.InDelta(t, 346.45, soundSpeed, 1e-9)

	t.Run("temperature out of range", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/calibrate", bytes.NewBufferString(`{"temperature": 900}`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.web.Test(req)
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/calibrate", bytes.NewBufferString(`{`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.web.Test(req)
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode)
	})
}

func TestAppPublishPolicy(t *testing.T) {
	a := newTestApp(t)

	recv := func(t *testing.T) mqtt.Message {
		t.Helper()
		select {
		case msg := <-a.mqtt.C:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("expected a published reading")
			return mqtt.Message{}
		}
	}
	noRecv := func(t *testing.T) {
		t.Helper()
		select {
		case msg := <-a.mqtt.C:
			t.Fatalf("unexpected publish %v", msg)
		case <-time.After(200 * time.Millisecond):
		}
	}

	base := time.Now()

	// the very first reading is published
	a.validateReading(Reading{TimeStamp: base, Meters: 1.0, InRange: true})
	msg := recv(t)
	assert.Equal(t, "/usonic/test", msg.Topic)
	assert.True(t, msg.Retained)

	var published Reading
	require.NoError(t, json.Unmarshal(msg.Payload, &published))
	assert.Equal(t, 1.0, published.Meters)

	// a small move within the mqtt interval is not published
	a.validateReading(Reading{TimeStamp: base.Add(time.Second), Meters: 1.01, InRange: true})
	noRecv(t)

	// a move beyond deltameters is
	a.validateReading(Reading{TimeStamp: base.Add(2 * time.Second), Meters: 1.2, InRange: true})
	recv(t)

	// so is an object leaving the range, however small the move
	a.validateReading(Reading{TimeStamp: base.Add(3 * time.Second), Meters: 1.21, InRange: false})
	recv(t)

	// and so is a reading older than the mqtt interval
	a.validateReading(Reading{TimeStamp: base.Add(3*time.Second + 2*time.Hour), Meters: 1.21, InRange: false})
	recv(t)
}

func TestAppRoutesDisabled(t *testing.T) {
	cfg := newTestConfig()
	cfg.Webserver.Webservices = map[string]bool{"version": true}

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.init())
	t.Cleanup(func() { _ = a.Close() })

	resp, err := a.web.Test(httptest.NewRequest("GET", "/version", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = a.web.Test(httptest.NewRequest("GET", "/data", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}
