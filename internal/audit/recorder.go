// Package audit implements the audit recorder (C11): a fire-and-forget
// writer that captures every operator-initiated mutation with generic,
// pattern-based redaction of sensitive fields (§4.10).
package audit

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/fleetota/control-plane/internal/core"
)

// sensitiveKey matches map keys that should be redacted regardless of
// nesting depth or entity type (§4.10) — a generic pattern, not a
// hardcoded field list.
var sensitiveKey = regexp.MustCompile(`(?i)secret|password|token|api[_-]?key|authorization`)

const redactedValue = "[REDACTED]"

// Recorder writes AuditLog rows. Write failures are logged, never
// propagated: an audit write must not fail the operator action it
// describes (§4.10, §7).
type Recorder struct {
	repo    core.Repository
	logger  *slog.Logger
	metrics *Metrics
}

// NewRecorder creates a Recorder.
func NewRecorder(repo core.Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:    repo,
		logger:  logger.With("component", "audit_recorder"),
		metrics: NewMetrics("fleetota"),
	}
}

// Record writes one audit entry. Never returns an error: failures are
// logged and nothing else.
func (r *Recorder) Record(ctx context.Context, actor, action, entityType, entityID, entityName string, details map[string]interface{}, ip string, severity core.AuditSeverity) {
	entry := &core.AuditLog{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    redactMap(details),
		IP:         ip,
		Severity:   severity,
		CreatedAt:  time.Now(),
	}
	if err := r.repo.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Error("failed to write audit log", "actor", actor, "action", action, "entity_type", entityType, "entity_id", entityID, "error", err)
		r.metrics.WriteFailuresTotal.Inc()
		return
	}
	r.metrics.RecordedTotal.Inc()
}

// redactMap walks an arbitrary JSON-shaped value depth-first, replacing any
// map value whose key matches sensitiveKey (§4.10, property: redaction is
// pattern-based, not a fixed field list).
func redactMap(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if sensitiveKey.MatchString(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return redactMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return val
	}
}
