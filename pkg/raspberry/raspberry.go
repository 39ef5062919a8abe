// Package raspberry provides the GPIO line providers of the sensor: the
// Linux GPIO character device (the default), the Raspberry Pi register map
// via /dev/gpiomem, and an in-memory emulator for hosts without GPIO
// hardware.
package raspberry

import (
	"fmt"

	"github.com/warthog618/gpiod"

	"usonic/pkg/port"
)

// Driver names accepted by Open.
const (
	Chardev  = "chardev"
	Mmap     = "mmap"
	Emulator = "emulator"
)

// DefaultChip is the GPIO character device used when none is configured.
const DefaultChip = "gpiochip0"

// eventBuffer is the capacity of the edge event channel of an input line.
// When the consumer falls behind, further events are dropped rather than
// blocking the event dispatcher.
const eventBuffer = 16

var ErrInvalidParam = fmt.Errorf("invalid parameters")

// GPIO is a line provider that must be closed after use.
type GPIO interface {
	port.Lines
	Close() error
}

// Open opens the line provider selected by driver. The chip name is only
// used by the chardev driver.
func Open(driver, chip string) (GPIO, error) {
	switch driver {
	case "", Chardev:
		return OpenChip(chip)
	case Mmap:
		return OpenMem()
	case Emulator:
		return NewEmulator(), nil
	default:
		return nil, fmt.Errorf("%w: unknown gpio driver %q", ErrInvalidParam, driver)
	}
}

// Chip represents a single GPIO character device that controls a set of lines.
type Chip struct {
	gpiodChip *gpiod.Chip
}

// OpenChip opens a GPIO character device, gpiochip0 if name is empty.
func OpenChip(name string) (*Chip, error) {
	if name == "" {
		name = DefaultChip
	}

	c, err := gpiod.NewChip(name)
	if err != nil {
		return nil, err
	}
	return &Chip{gpiodChip: c}, nil
}

// RequestOutput requests control of a single line on the chip as an output.
//   If granted, control is maintained until the line is closed.
//   The line is driven low until set otherwise.
func (c *Chip) RequestOutput(offset int) (port.Output, error) {
	l, err := c.gpiodChip.RequestLine(offset, gpiod.AsOutput(0))
	if err != nil {
		return nil, err
	}
	return &OutputLine{gpiodLine: l}, nil
}

// RequestInput requests control of a single line on the chip as an input.
//   If granted, control is maintained until the line is closed.
//   The line is watched for edge changes, which are sent to the event channel
//   with the kernel timestamp of the edge.
//   There can only be one watcher on the line at a time.
func (c *Chip) RequestInput(offset int, pull port.Pull) (port.Input, error) {
	var err error

	line := &InputLine{c: make(chan port.Event, eventBuffer)}

	handler := func(evt gpiod.LineEvent) {
		e := port.Event{Timestamp: evt.Timestamp, Type: port.RisingEdge}
		if evt.Type == gpiod.LineEventFallingEdge {
			e.Type = port.FallingEdge
		}

		select {
		case line.c <- e:
		default:
		}
	}

	switch pull {
	case port.PullUp:
		line.gpiodLine, err = c.gpiodChip.RequestLine(offset, gpiod.WithEventHandler(handler),
			gpiod.WithBothEdges, gpiod.AsInput, gpiod.WithPullUp)
	case port.PullDown:
		line.gpiodLine, err = c.gpiodChip.RequestLine(offset, gpiod.WithEventHandler(handler),
			gpiod.WithBothEdges, gpiod.AsInput, gpiod.WithPullDown)
	case port.PullNone:
		line.gpiodLine, err = c.gpiodChip.RequestLine(offset, gpiod.WithEventHandler(handler),
			gpiod.WithBothEdges, gpiod.AsInput)
	default:
		return nil, ErrInvalidParam
	}

	if err != nil {
		return nil, err
	}
	return line, nil
}

// Close releases the Chip.
//
// It does not release any lines which may be requested - they must be closed
// independently.
func (c *Chip) Close() error {
	return c.gpiodChip.Close()
}

// OutputLine is a single requested output line of a chip.
type OutputLine struct {
	gpiodLine *gpiod.Line
}

// SetHigh drives the line high.
func (l *OutputLine) SetHigh() error {
	return l.gpiodLine.SetValue(1)
}

// SetLow drives the line low.
func (l *OutputLine) SetLow() error {
	return l.gpiodLine.SetValue(0)
}

// Close releases the line. The kernel reverts it to its default state.
func (l *OutputLine) Close() error {
	return l.gpiodLine.Close()
}

// InputLine is a single requested input line of a chip.
type InputLine struct {
	gpiodLine *gpiod.Line
	// send edge changes to channel c
	c chan port.Event
}

// Events returns the channel the edge events of the line are sent to.
func (l *InputLine) Events() <-chan port.Event {
	return l.c
}

// Close releases all resources held by the requested line.
//
// Note that this includes waiting for any running event handler to return.
// As a consequence the Close must not be called from the context of the event
// handler - the Close should be called from a different goroutine.
func (l *InputLine) Close() error {
	if err := l.gpiodLine.Close(); err != nil {
		return err
	}
	close(l.c)
	return nil
}
