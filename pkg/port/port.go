// Package port holds the contract between the measurement core and a
// physical GPIO line provider.
package port

import "time"

// EventType indicates the type of change to the line level.
type EventType int

const (
	_ EventType = iota
	// RisingEdge indicates a low to high transition.
	RisingEdge
	// FallingEdge indicates a high to low transition.
	FallingEdge
)

// Event is a single edge observed on an input line.
type Event struct {
	// Timestamp indicates the time the event was detected.
	// Timestamps are monotonic but relative to an arbitrary base, so only
	// the difference between two timestamps of the same line is meaningful.
	Timestamp time.Duration
	// The type of state change event this structure represents.
	Type EventType
}

// Pull is the bias applied to an input line between edges.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Output is an exclusively owned digital output line.
type Output interface {
	SetHigh() error
	SetLow() error
	// Close releases the line.
	Close() error
}

// Input is an exclusively owned digital input line watched for both rising
// and falling edges.
type Input interface {
	// Events returns the channel the edge events are delivered on.
	// The channel is closed when the line is closed.
	Events() <-chan Event
	Close() error
}

// Lines requests control of single lines of a GPIO device.
//
// A line is owned exclusively: requesting it a second time fails until the
// first request is closed.
type Lines interface {
	// RequestOutput requests the line at offset as an output, driven low.
	RequestOutput(offset int) (Output, error)
	// RequestInput requests the line at offset as an input with the given
	// bias, watched for both edges.
	RequestInput(offset int, pull Pull) (Input, error)
}
