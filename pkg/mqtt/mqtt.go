// Package mqtt publishes messages to an mqtt broker over a channel.
package mqtt

import (
	"fmt"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/womat/debug"
)

const (
	// quiesce is the number of milliseconds to wait on disconnect for
	// existing work to be completed.
	quiesce = 250
	// connectTimeout bounds the wait for the broker to accept a connection.
	connectTimeout = 10 * time.Second
)

// Handler holds the client of the mqtt broker.
type Handler struct {
	client mqttlib.Client
	// C is the channel Service reads from.
	// Sending a message to C publishes it.
	C chan Message
}

// Message contains the properties of one mqtt message.
type Message struct {
	Topic    string
	Payload  []byte
	Qos      byte
	Retained bool
}

// New creates an unconnected mqtt handler.
func New() *Handler {
	return &Handler{
		C: make(chan Message),
	}
}

// Connect connects to the mqtt broker, e.g. "tcp://127.0.0.1:1883".
// With an empty broker the handler stays unconnected and messages sent to C
// are discarded.
func (m *Handler) Connect(broker, clientID string) error {
	if broker == "" {
		return nil
	}

	opts := mqttlib.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	m.client = mqttlib.NewClient(opts)
	return m.reconnect()
}

func (m *Handler) reconnect() error {
	t := m.client.Connect()
	if !t.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timeout connecting to mqtt broker")
	}
	return t.Error()
}

// Disconnect ends the connection to the broker.
func (m *Handler) Disconnect() error {
	if m.client == nil {
		return nil
	}

	m.client.Disconnect(quiesce)
	return nil
}

// Service reads messages from the channel C and publishes them until C is
// closed. Messages without a topic, or all messages while no broker is
// defined, are ignored.
func (m *Handler) Service() {
	for msg := range m.C {
		if m.client == nil || msg.Topic == "" {
			continue
		}

		go m.publish(msg)
	}
}

func (m *Handler) publish(msg Message) {
	if !m.client.IsConnected() {
		debug.DebugLog.Printf("mqtt broker isn't connected, reconnect it")

		if err := m.reconnect(); err != nil {
			debug.ErrorLog.Printf("can't reconnect to mqtt broker: %v", err)
			return
		}
	}

	debug.DebugLog.Printf("publishing %v bytes to topic %v", len(msg.Payload), msg.Topic)

	t := m.client.Publish(msg.Topic, msg.Qos, msg.Retained, msg.Payload)
	<-t.Done()
	if err := t.Error(); err != nil {
		debug.ErrorLog.Printf("publishing topic %v: %v", msg.Topic, err)
	}
}
