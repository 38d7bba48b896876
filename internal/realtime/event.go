// Package realtime implements the fan-out hub (C8): a subscriber registry
// broadcasting device and fleet lifecycle events to connected operator
// clients over WebSocket (§4.7).
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event is a message pushed from the hub to one or more subscribers.
type Event struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Sequence  int64                  `json:"sequence"`

	// MAC scopes device-log and console-output events for subscriber
	// filtering; empty for fleet-wide events.
	MAC string `json:"mac,omitempty"`
}

// Outbound event type discriminators (§4.7).
const (
	EventDeviceUpdate   = "device-update"
	EventDevicesList    = "devices-list"
	EventUpdateProgress = "update-progress"
	EventDeviceLog      = "device-log"
	EventConsoleOutput  = "console-output"
	EventCommandAck     = "command-ack"
	EventAtRiskAlert    = "at-risk-alert"
	EventPong           = "pong"
)

// Event sources, used for metrics labelling and log context.
const (
	SourceOTAHandler = "ota_handler"
	SourceQueue      = "update_queue"
	SourceWatchdog   = "watchdog"
	SourceRollout    = "rollout_controller"
	SourceCommands   = "command_pipe"
	SourceHub        = "hub"
)

// NewEvent builds an Event ready to publish; Sequence is assigned by the hub.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        uuid.New().String(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// NewDeviceScopedEvent is NewEvent plus the MAC used for subscriber filtering
// (device-log and console-output deliveries).
func NewDeviceScopedEvent(eventType, mac string, data map[string]interface{}, source string) *Event {
	e := NewEvent(eventType, data, source)
	e.MAC = mac
	return e
}

// InboundMessage is a message a subscriber sends to the hub over its
// WebSocket connection (§4.7).
type InboundMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"` // MAC, or AllDevices
	Command  string `json:"command,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

// Inbound message type discriminators.
const (
	MsgSubscribeLogs      = "subscribe-logs"
	MsgUnsubscribeLogs    = "unsubscribe-logs"
	MsgSubscribeConsole   = "subscribe-console"
	MsgUnsubscribeConsole = "unsubscribe-console"
	MsgSendCommand        = "send-command"
	MsgPing               = "ping"
)

// AllDevices is the sentinel DeviceID meaning "subscribe to every MAC".
const AllDevices = "all"
