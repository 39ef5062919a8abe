// Package hcsr04 drives the HC-SR04 ultrasonic distance sensor over two GPIO
// lines.
//
// The sensor is started with a 10µs pulse on its TRIG line and answers with a
// pulse on its ECHO line whose width is the round trip time of the ultrasonic
// burst. Distance follows from the speed of sound, which depends on the
// ambient temperature: the driver is calibrated for 20°C until Calibrate is
// called with a better value.
package hcsr04

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"usonic/pkg/port"
	"usonic/pkg/raspberry"
)

const (
	// soundSpeed0C is the speed of sound at 0°C in m/s.
	soundSpeed0C = 331.3
	// soundSpeedPerC is the gain of the speed of sound per °C in m/(s*°C).
	soundSpeedPerC = 0.606
	// maxRange is the measuring range of the sensor in m.
	maxRange = 4.0

	// defaultTemperature is the ambient temperature in °C assumed until the
	// sensor is calibrated.
	defaultTemperature = 20.0

	// triggerPulse is the width of the trigger pulse the sensor requires.
	triggerPulse = 10 * time.Microsecond

	// echoStart bounds the wait for the leading edge of the echo pulse.
	// A wired and powered sensor raises ECHO well within this bound, so
	// reaching it means the sensor did not answer at all.
	echoStart = 100 * time.Millisecond
)

var (
	// ErrNoEcho means the sensor did not raise the echo line after a
	// trigger pulse. Check wiring and supply voltage.
	ErrNoEcho = errors.New("no echo pulse from sensor")
	// ErrClosed means the sensor lines have been released.
	ErrClosed = errors.New("sensor is closed")
)

// Unit is the unit of measure a distance is reported in.
type Unit int

const (
	Millimeters Unit = iota
	Centimeters
	Decimeters
	Meters
)

// Factor returns the scale factor from metres to the unit.
func (u Unit) Factor() float64 {
	switch u {
	case Millimeters:
		return 1000
	case Centimeters:
		return 100
	case Decimeters:
		return 10
	default:
		return 1
	}
}

// String returns the short name of the unit, as used in the configuration.
func (u Unit) String() string {
	switch u {
	case Millimeters:
		return "mm"
	case Centimeters:
		return "cm"
	case Decimeters:
		return "dm"
	case Meters:
		return "m"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// ParseUnit maps the short unit names mm, cm, dm and m to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "mm":
		return Millimeters, nil
	case "cm":
		return Centimeters, nil
	case "dm":
		return Decimeters, nil
	case "m":
		return Meters, nil
	default:
		return 0, fmt.Errorf("invalid unit %q", s)
	}
}

type config struct {
	temperature float64
	chip        string
	lines       port.Lines
}

// Option configures a Sensor during New.
type Option func(*config)

// WithTemperature sets the ambient temperature in °C for the initial
// calibration. Without this option the sensor is calibrated for 20°C.
func WithTemperature(celsius float64) Option {
	return func(c *config) { c.temperature = celsius }
}

// WithChip selects the GPIO character device the lines are requested from,
// gpiochip0 if not set.
func WithChip(name string) Option {
	return func(c *config) { c.chip = name }
}

// WithLines requests the lines from the given provider instead of a GPIO
// character device. The provider stays owned by the caller and is not closed
// by Close.
func WithLines(lines port.Lines) Option {
	return func(c *config) { c.lines = lines }
}

// Sensor is an HC-SR04 connected with its TRIG line to a GPIO output and its
// ECHO line to a GPIO input. It owns both lines exclusively until Close.
//
// MeasureDistance blocks for the duration of a full pulse-echo cycle and must
// not be called concurrently on the same Sensor. Calibrate and Calibration
// may be called at any time.
type Sensor struct {
	trig port.Output
	echo port.Input

	// owned is the chip opened by New, nil when a line provider was
	// injected with WithLines.
	owned io.Closer

	mu sync.Mutex
	// soundSpeed and timeout are always derived together from the same
	// temperature, mu keeps the pair consistent.
	soundSpeed float64       // m/s
	timeout    time.Duration // longest useful wait for the echo to fall
}

// New acquires the GPIO lines of a sensor wired with TRIG on the trigger
// line offset and ECHO on the echo line offset.
//
// The echo line is requested first, as an input pulled down and watched for
// both edges, then the trigger line as an output driven low. If any
// acquisition fails, everything acquired before is released again and the
// error is returned: a Sensor either owns both lines or none.
func New(trigger, echo int, opts ...Option) (*Sensor, error) {
	cfg := config{temperature: defaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Sensor{}

	lines := cfg.lines
	if lines == nil {
		chip, err := raspberry.OpenChip(cfg.chip)
		if err != nil {
			return nil, fmt.Errorf("unable to open gpio chip: %w", err)
		}
		s.owned = chip
		lines = chip
	}

	in, err := lines.RequestInput(echo, port.PullDown)
	if err != nil {
		if s.owned != nil {
			_ = s.owned.Close()
		}
		return nil, fmt.Errorf("unable to request echo line %v: %w", echo, err)
	}
	s.echo = in

	out, err := lines.RequestOutput(trigger)
	if err != nil {
		_ = s.echo.Close()
		if s.owned != nil {
			_ = s.owned.Close()
		}
		return nil, fmt.Errorf("unable to request trigger line %v: %w", trigger, err)
	}
	s.trig = out

	s.soundSpeed, s.timeout = calibration(cfg.temperature)
	return s, nil
}

// calibration returns the speed of sound for the ambient temperature in °C
// and the matching echo timeout.
//
// Waiting for the echo longer than the time the ultrasonic wave needs to
// cover the measuring range cannot produce a reading, it can only mean there
// is no object in range.
func calibration(tempC float64) (soundSpeed float64, timeout time.Duration) {
	soundSpeed = soundSpeed0C + soundSpeedPerC*tempC
	timeout = time.Duration(maxRange / soundSpeed * float64(time.Second))
	return soundSpeed, timeout
}

// Calibrate recalculates the speed of sound and the echo timeout for the
// given ambient temperature in °C. Both values are replaced together, a
// concurrent measurement never sees one of them stale.
func (s *Sensor) Calibrate(tempC float64) {
	soundSpeed, timeout := calibration(tempC)

	s.mu.Lock()
	s.soundSpeed = soundSpeed
	s.timeout = timeout
	s.mu.Unlock()
}

// Calibration returns the current speed of sound in m/s and the echo timeout
// as a consistent pair.
func (s *Sensor) Calibration() (soundSpeed float64, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soundSpeed, s.timeout
}

// MeasureDistance performs a single pulse-echo cycle and returns the distance
// to the nearest object in the requested unit.
//
// The second return value is false when the echo did not fall back within
// the echo timeout: there is no object inside the measuring range. That is a
// normal outcome, not an error. ErrNoEcho is returned when the sensor never
// raised the echo line at all.
func (s *Sensor) MeasureDistance(unit Unit) (float64, bool, error) {
	if s.trig == nil {
		return 0, false, ErrClosed
	}

	soundSpeed, timeout := s.Calibration()

	// edges left over from an earlier cycle must not be taken for this one
	s.drain()

	if err := s.trig.SetHigh(); err != nil {
		return 0, false, fmt.Errorf("unable to raise trigger line: %w", err)
	}
	time.Sleep(triggerPulse)
	if err := s.trig.SetLow(); err != nil {
		return 0, false, fmt.Errorf("unable to drop trigger line: %w", err)
	}

	start, err := s.waitRising()
	if err != nil {
		return 0, false, err
	}

	stop, ok, err := s.waitFalling(timeout)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	// the echo pulse width covers the way to the object and back
	distance := soundSpeed * (stop - start).Seconds() / 2
	return distance * unit.Factor(), true, nil
}

// drain discards pending events of the echo line.
func (s *Sensor) drain() {
	for {
		select {
		case _, open := <-s.echo.Events():
			if !open {
				return
			}
		default:
			return
		}
	}
}

// waitRising waits for the leading edge of the echo pulse and returns its
// timestamp.
func (s *Sensor) waitRising() (time.Duration, error) {
	t := time.NewTimer(echoStart)
	defer t.Stop()

	for {
		select {
		case evt, open := <-s.echo.Events():
			if !open {
				return 0, ErrClosed
			}
			if evt.Type == port.RisingEdge {
				return evt.Timestamp, nil
			}
		case <-t.C:
			return 0, ErrNoEcho
		}
	}
}

// waitFalling waits for the trailing edge of the echo pulse and returns its
// timestamp. ok is false when the timeout elapsed first.
func (s *Sensor) waitFalling(timeout time.Duration) (stop time.Duration, ok bool, err error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		select {
		case evt, open := <-s.echo.Events():
			if !open {
				return 0, false, ErrClosed
			}
			if evt.Type == port.FallingEdge {
				return evt.Timestamp, true, nil
			}
		case <-t.C:
			return 0, false, nil
		}
	}
}

// Close releases the trigger line, the echo line and, when New opened it, the
// chip. Closing a closed Sensor is a no-op.
func (s *Sensor) Close() error {
	var first error

	if s.trig != nil {
		first = s.trig.Close()
		s.trig = nil
	}
	if s.echo != nil {
		if err := s.echo.Close(); err != nil && first == nil {
			first = err
		}
		s.echo = nil
	}
	if s.owned != nil {
		if err := s.owned.Close(); err != nil && first == nil {
			first = err
		}
		s.owned = nil
	}
	return first
}
