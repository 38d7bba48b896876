package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/api/middleware"
	"github.com/fleetota/control-plane/internal/core"
)

// zeroTime resets a device's in-flight-update bookkeeping fields on a
// manual reset; it reads better at call sites than a bare time.Time{}.
var zeroTime time.Time

// decodeAndValidate decodes the JSON request body into dst and runs struct
// validation tags over it, matching the pattern documented on
// middleware.ValidateStruct.
func decodeAndValidate(r *http.Request, dst interface{}) *apierrors.APIError {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierrors.ValidationError("invalid request body: " + err.Error())
	}
	if err := middleware.ValidateStruct(dst); err != nil {
		return apierrors.ValidationError("validation failed").WithDetails(middleware.FormatValidationErrors(err))
	}
	return nil
}

// actor resolves the authenticated operator for audit attribution. A
// request that reached a protected route always has a User in context;
// "unknown" is a defensive fallback, not an expected path.
func actor(r *http.Request) string {
	if u, ok := r.Context().Value(middleware.UserContextKey).(*middleware.User); ok && u != nil {
		return u.Username
	}
	return "unknown"
}

// clientIP extracts the caller's address for audit records, preferring
// proxy-forwarded headers the way getClientID does for rate-limit keys.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// recordAudit fires an audit entry if an audit recorder is configured. It is
// a no-op otherwise, so routes keep working in deployment profiles that
// don't wire one.
func recordAudit(ctx context.Context, config RouterConfig, r *http.Request, action, entityType, entityID, entityName string, details map[string]interface{}, severity core.AuditSeverity) {
	if config.Audit == nil {
		return
	}
	config.Audit.Record(ctx, actor(r), action, entityType, entityID, entityName, details, clientIP(r), severity)
}

// writeCreated writes a 201 JSON response.
func writeCreated(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(v)
}

// writeOK writes a 200 JSON response.
func writeOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// writeNoContent writes a 204 with no body.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
