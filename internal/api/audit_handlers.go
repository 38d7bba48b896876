package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
)

// exportAuditLogsHandler streams the audit log as CSV for offline/compliance
// review, alongside the JSON listing already served at GET /audit-logs.
func exportAuditLogsHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		if limit <= 0 {
			limit = 1000
		}

		logs, err := config.Repository.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			apierrors.WriteError(w, apierrors.InternalError(err.Error()))
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-logs.csv"`)
		w.WriteHeader(http.StatusOK)

		writer := csv.NewWriter(w)
		writer.Write([]string{"id", "actor", "action", "entityType", "entityId", "entityName", "severity", "ip", "details", "createdAt"})
		for _, l := range logs {
			details := ""
			if len(l.Details) > 0 {
				if b, err := json.Marshal(l.Details); err == nil {
					details = string(b)
				}
			}
			writer.Write([]string{
				l.ID, l.Actor, l.Action, l.EntityType, l.EntityID, l.EntityName,
				string(l.Severity), l.IP, details, l.CreatedAt.Format(time.RFC3339),
			})
		}
		writer.Flush()
	}
}
