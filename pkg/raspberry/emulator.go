package raspberry

import (
	"fmt"
	"sync"
	"time"

	"usonic/pkg/port"
)

// Emu is the in-memory line provider. It behaves like a chip whose lines are
// driven from within the process: tests and hosts without GPIO hardware use
// it in place of a physical device.
//
// Edges are injected with Raise and Drop, or synthesized from trigger pulses
// with EchoPulse.
type Emu struct {
	mu      sync.Mutex
	base    time.Time
	claimed map[int]bool
	inputs  map[int]*EmuInput

	echoOffset int
	echoDelay  time.Duration
	echoWidth  time.Duration
}

// NewEmulator creates an emulated chip with all lines released.
func NewEmulator() *Emu {
	return &Emu{
		base:       time.Now(),
		claimed:    map[int]bool{},
		inputs:     map[int]*EmuInput{},
		echoOffset: -1,
	}
}

// Close releases the chip.
//
// It does not release any lines which may be requested - they must be closed
// independently.
func (e *Emu) Close() error {
	return nil
}

// EchoPulse mirrors every completed pulse on any output line with a
// synthetic pulse on the input line at offset: the input rises delay after
// the output falls and falls again width later.
//
// This imitates a sensor answering a trigger pulse, so the emulator produces
// plausible measurements end to end.
func (e *Emu) EchoPulse(offset int, delay, width time.Duration) {
	e.mu.Lock()
	e.echoOffset = offset
	e.echoDelay = delay
	e.echoWidth = width
	e.mu.Unlock()
}

// Raise injects a rising edge on the input line at offset.
// Raising a line that is already high is no change and injects nothing.
func (e *Emu) Raise(offset int) {
	e.edge(offset, true)
}

// Drop injects a falling edge on the input line at offset.
// Dropping a line that is already low is no change and injects nothing.
func (e *Emu) Drop(offset int) {
	e.edge(offset, false)
}

func (e *Emu) edge(offset int, level bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.inputs[offset]
	if !ok || l.closed || l.level == level {
		return
	}
	l.level = level

	evt := port.Event{Timestamp: time.Since(e.base), Type: port.FallingEdge}
	if level {
		evt.Type = port.RisingEdge
	}

	select {
	case l.c <- evt:
	default:
	}
}

func (e *Emu) claim(offset int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.claimed[offset] {
		return fmt.Errorf("pin %v already used", offset)
	}
	e.claimed[offset] = true
	return nil
}

func (e *Emu) release(offset int) {
	e.mu.Lock()
	delete(e.claimed, offset)
	delete(e.inputs, offset)
	e.mu.Unlock()
}

// RequestOutput claims the line at offset as an output, set low.
func (e *Emu) RequestOutput(offset int) (port.Output, error) {
	if err := e.claim(offset); err != nil {
		return nil, err
	}
	return &EmuOutput{em: e, offset: offset}, nil
}

// RequestInput claims the line at offset as an input. The line idles at the
// level of its pull bias.
func (e *Emu) RequestInput(offset int, pull port.Pull) (port.Input, error) {
	switch pull {
	case port.PullUp, port.PullDown, port.PullNone:
	default:
		return nil, ErrInvalidParam
	}

	if err := e.claim(offset); err != nil {
		return nil, err
	}

	l := &EmuInput{
		em:     e,
		offset: offset,
		level:  pull == port.PullUp,
		c:      make(chan port.Event, eventBuffer),
	}

	e.mu.Lock()
	e.inputs[offset] = l
	e.mu.Unlock()
	return l, nil
}

// EmuOutput is a single claimed output line of the emulated chip.
type EmuOutput struct {
	em     *Emu
	offset int

	mu    sync.Mutex
	level bool
}

// Level reports the level the line is currently driven to.
func (l *EmuOutput) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetHigh drives the line high.
func (l *EmuOutput) SetHigh() error {
	l.mu.Lock()
	l.level = true
	l.mu.Unlock()
	return nil
}

// SetLow drives the line low. A high to low transition completes a pulse and
// triggers the synthetic echo, if one is configured.
func (l *EmuOutput) SetLow() error {
	l.mu.Lock()
	pulsed := l.level
	l.level = false
	l.mu.Unlock()

	if !pulsed {
		return nil
	}

	l.em.mu.Lock()
	offset, delay, width := l.em.echoOffset, l.em.echoDelay, l.em.echoWidth
	l.em.mu.Unlock()

	if offset < 0 {
		return nil
	}

	go func() {
		time.Sleep(delay)
		l.em.Raise(offset)
		time.Sleep(width)
		l.em.Drop(offset)
	}()
	return nil
}

// Close releases the claim on the line.
func (l *EmuOutput) Close() error {
	l.em.release(l.offset)
	return nil
}

// EmuInput is a single claimed input line of the emulated chip.
type EmuInput struct {
	em     *Emu
	offset int

	// level and closed are guarded by em.mu
	level  bool
	closed bool
	c      chan port.Event
}

// Events returns the channel the injected edge events are sent to.
func (l *EmuInput) Events() <-chan port.Event {
	return l.c
}

// Close releases the claim on the line and closes the event channel.
func (l *EmuInput) Close() error {
	l.em.mu.Lock()
	if l.closed {
		l.em.mu.Unlock()
		return nil
	}
	l.closed = true
	l.em.mu.Unlock()

	l.em.release(l.offset)
	close(l.c)
	return nil
}
