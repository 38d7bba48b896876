package realtime

import (
	"log/slog"

	"github.com/fleetota/control-plane/internal/core"
)

// Publisher offers typed helpers over the hub instead of hand-building Event
// payloads. The domain packages do not use it; they build Events themselves
// and call Hub.Publish directly.
type Publisher struct {
	hub    Hub
	logger *slog.Logger
}

func NewPublisher(hub Hub, logger *slog.Logger) *Publisher {
	return &Publisher{hub: hub, logger: logger.With("component", "event_publisher")}
}

func (p *Publisher) publish(event *Event) {
	if p == nil || p.hub == nil {
		return
	}
	if err := p.hub.Publish(*event); err != nil {
		p.logger.Debug("event dropped", "event_type", event.Type, "error", err)
	}
}

// DeviceUpdate broadcasts the latest view of one device to every subscriber.
func (p *Publisher) DeviceUpdate(d *core.Device) {
	p.publish(NewEvent(EventDeviceUpdate, map[string]interface{}{"device": d}, SourceQueue))
}

// DevicesList broadcasts a refreshed fleet snapshot.
func (p *Publisher) DevicesList(devices []*core.Device, source string) {
	p.publish(NewEvent(EventDevicesList, map[string]interface{}{"devices": devices}, source))
}

// Progress broadcasts streaming progress for an in-flight download.
func (p *Publisher) Progress(mac string, progress int, bytesReceived, totalBytes *int64) {
	data := map[string]interface{}{"mac": mac, "progress": progress}
	if bytesReceived != nil {
		data["bytesReceived"] = *bytesReceived
	}
	if totalBytes != nil {
		data["totalBytes"] = *totalBytes
	}
	p.publish(NewEvent(EventUpdateProgress, data, SourceOTAHandler))
}

// DeviceLog broadcasts a synthesized log line, filtered by subscription.
func (p *Publisher) DeviceLog(mac, message string, source string) {
	p.publish(NewDeviceScopedEvent(EventDeviceLog, mac, map[string]interface{}{
		"mac": mac, "message": message,
	}, source))
}

// ConsoleOutput broadcasts a remote-console line to console subscribers of mac.
func (p *Publisher) ConsoleOutput(mac, line string) {
	p.publish(NewDeviceScopedEvent(EventConsoleOutput, mac, map[string]interface{}{
		"mac": mac, "line": line,
	}, SourceCommands))
}

// CommandAck broadcasts a command acknowledgement to console subscribers of mac.
func (p *Publisher) CommandAck(mac, commandID, status string) {
	p.publish(NewDeviceScopedEvent(EventCommandAck, mac, map[string]interface{}{
		"mac": mac, "commandId": commandID, "status": status,
	}, SourceCommands))
}

// AtRiskAlert broadcasts a rollback-protection alert (§4.6).
func (p *Publisher) AtRiskAlert(mac, reason string) {
	p.publish(NewEvent(EventAtRiskAlert, map[string]interface{}{
		"mac": mac, "reason": reason,
	}, SourceWatchdog))
}
