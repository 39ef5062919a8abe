package raspberry

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/gpio"

	"usonic/pkg/port"
)

// Mem is the line provider backed by the GPIO register map of the Raspberry
// Pi via /dev/gpiomem.
//
// Unlike the character device the register map delivers no kernel timestamps:
// events are stamped when the watch handler runs, so they carry the
// scheduling jitter of the process. Prefer the chardev driver where timing
// matters.
type Mem struct {
	mu   sync.Mutex
	base time.Time
	// claimed pin numbers
	pins map[int]bool
}

// OpenMem maps the GPIO registers from /dev/gpiomem.
func OpenMem() (*Mem, error) {
	if err := gpio.Open(); err != nil {
		return nil, err
	}
	return &Mem{base: time.Now(), pins: map[int]bool{}}, nil
}

// Close removes the interrupt handlers and unmaps the GPIO memory.
//
// It does not release any lines which may be requested - they must be closed
// independently.
func (m *Mem) Close() error {
	return gpio.Close()
}

func (m *Mem) claim(offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pins[offset] {
		return fmt.Errorf("pin %v already used", offset)
	}
	m.pins[offset] = true
	return nil
}

func (m *Mem) release(offset int) {
	m.mu.Lock()
	delete(m.pins, offset)
	m.mu.Unlock()
}

// RequestOutput claims the pin at offset as an output, set low.
// The pin number provided is the BCM GPIO number.
func (m *Mem) RequestOutput(offset int) (port.Output, error) {
	if err := m.claim(offset); err != nil {
		return nil, err
	}

	p := gpio.NewPin(offset)
	p.Output()
	p.Low()
	return &MemOutput{mem: m, pin: p}, nil
}

// RequestInput claims the pin at offset as an input and watches it for edge
// changes. The pin number provided is the BCM GPIO number.
// There can only be one watcher on the pin at a time.
func (m *Mem) RequestInput(offset int, pull port.Pull) (port.Input, error) {
	if err := m.claim(offset); err != nil {
		return nil, err
	}

	p := gpio.NewPin(offset)
	p.Input()
	switch pull {
	case port.PullUp:
		p.PullUp()
	case port.PullDown:
		p.PullDown()
	case port.PullNone:
		// leave the bias as it is
	default:
		m.release(offset)
		return nil, ErrInvalidParam
	}

	line := &MemInput{mem: m, pin: p, c: make(chan port.Event, eventBuffer)}

	// the edge type is derived from the pin level when the handler runs,
	// so a pulse shorter than the handler latency can be misread
	handler := func(g *gpio.Pin) {
		e := port.Event{Timestamp: time.Since(m.base), Type: port.FallingEdge}
		if bool(g.Read()) {
			e.Type = port.RisingEdge
		}

		select {
		case line.c <- e:
		default:
		}
	}

	if err := p.Watch(gpio.EdgeBoth, handler); err != nil {
		m.release(offset)
		return nil, err
	}
	return line, nil
}

// MemOutput is a single claimed output pin of the register map.
type MemOutput struct {
	mem *Mem
	pin *gpio.Pin
}

// SetHigh drives the pin high.
func (l *MemOutput) SetHigh() error {
	l.pin.High()
	return nil
}

// SetLow drives the pin low.
func (l *MemOutput) SetLow() error {
	l.pin.Low()
	return nil
}

// Close reverts the pin to an input and releases the claim.
func (l *MemOutput) Close() error {
	l.pin.Input()
	l.mem.release(l.pin.Pin())
	return nil
}

// MemInput is a single claimed input pin of the register map.
type MemInput struct {
	mem *Mem
	pin *gpio.Pin
	c   chan port.Event
}

// Events returns the channel the edge events of the pin are sent to.
func (l *MemInput) Events() <-chan port.Event {
	return l.c
}

// Close removes the watch from the pin and releases the claim.
func (l *MemInput) Close() error {
	l.pin.Unwatch()
	l.mem.release(l.pin.Pin())
	close(l.c)
	return nil
}
