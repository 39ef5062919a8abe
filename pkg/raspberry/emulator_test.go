package raspberry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usonic/pkg/port"
)

func receiveEvent(t *testing.T, c <-chan port.Event) port.Event {
	t.Helper()
	select {
	case evt := <-c:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return port.Event{}
	}
}

func TestEmulatorExclusiveLines(t *testing.T) {
	e := NewEmulator()

	out, err := e.RequestOutput(24)
	require.NoError(t, err)

	_, err = e.RequestOutput(24)
	assert.Error(t, err, "a line can only be requested once")
	_, err = e.RequestInput(24, port.PullNone)
	assert.Error(t, err)

	require.NoError(t, out.Close())
	_, err = e.RequestOutput(24)
	assert.NoError(t, err, "a closed line can be requested again")
}

func TestEmulatorOutputLevel(t *testing.T) {
	e := NewEmulator()

	out, err := e.RequestOutput(24)
	require.NoError(t, err)

	l := out.(*EmuOutput)
	assert.False(t, l.Level())

	require.NoError(t, out.SetHigh())
	assert.True(t, l.Level())

	require.NoError(t, out.SetLow())
	assert.False(t, l.Level())
}

func TestEmulatorEdges(t *testing.T) {
	e := NewEmulator()

	in, err := e.RequestInput(23, port.PullDown)
	require.NoError(t, err)

	e.Raise(23)
	evt := receiveEvent(t, in.Events())
	assert.Equal(t, port.RisingEdge, evt.Type)

	// raising a high line is no change and must inject nothing
	e.Raise(23)

	e.Drop(23)
	fall := receiveEvent(t, in.Events())
	assert.Equal(t, port.FallingEdge, fall.Type)
	assert.Greater(t, fall.Timestamp, evt.Timestamp)

	select {
	case evt := <-in.Events():
		t.Fatalf("unexpected event %v", evt)
	default:
	}
}

func TestEmulatorPullUpIdlesHigh(t *testing.T) {
	e := NewEmulator()

	in, err := e.RequestInput(23, port.PullUp)
	require.NoError(t, err)

	// the line already idles high, so only the drop is an edge
	e.Raise(23)
	e.Drop(23)

	evt := receiveEvent(t, in.Events())
	assert.Equal(t, port.FallingEdge, evt.Type)
}

func TestEmulatorEchoPulse(t *testing.T) {
	e := NewEmulator()

	out, err := e.RequestOutput(24)
	require.NoError(t, err)
	in, err := e.RequestInput(23, port.PullDown)
	require.NoError(t, err)

	width := 5 * time.Millisecond
	e.EchoPulse(23, time.Millisecond, width)

	require.NoError(t, out.SetHigh())
	require.NoError(t, out.SetLow())

	rise := receiveEvent(t, in.Events())
	require.Equal(t, port.RisingEdge, rise.Type)
	fall := receiveEvent(t, in.Events())
	require.Equal(t, port.FallingEdge, fall.Type)

	got := fall.Timestamp - rise.Timestamp
	assert.GreaterOrEqual(t, got, width)
	assert.Less(t, got, width+100*time.Millisecond, "echo width far off the configured one")
}

func TestEmulatorInputClose(t *testing.T) {
	e := NewEmulator()

	in, err := e.RequestInput(23, port.PullDown)
	require.NoError(t, err)

	require.NoError(t, in.Close())
	require.NoError(t, in.Close(), "closing twice is a no-op")

	_, open := <-in.Events()
	assert.False(t, open, "event channel must be closed")

	// injecting on a closed line must not panic
	e.Raise(23)
}
