package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/api/middleware"
	"github.com/fleetota/control-plane/internal/audit"
	"github.com/fleetota/control-plane/internal/commands"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/firmware"
	"github.com/fleetota/control-plane/internal/ota"
	"github.com/fleetota/control-plane/internal/queue"
	"github.com/fleetota/control-plane/internal/realtime"
	"github.com/fleetota/control-plane/internal/rollout"
	"github.com/fleetota/control-plane/internal/watchdog"
	"github.com/fleetota/control-plane/internal/webhook"
)

// RouterConfig holds router configuration and the dependencies its handlers
// are built from. Repository is the only dependency every profile always
// has; the business-logic dependencies below back every write route and
// the device-facing protocol. A production deployment (see cmd/server)
// always wires all of them — PlaceholderHandler is a safety net for a
// deployment profile that intentionally omits one (e.g. a read-only
// dashboard replica with no queue, rollout, or webhook workers running).
type RouterConfig struct {
	// Middleware configuration
	EnableAuth        bool
	EnableRateLimit   bool
	EnableCompression bool
	EnableCORS        bool
	EnableMetrics     bool

	// Auth configuration
	AuthConfig middleware.AuthConfig

	// Rate limit configuration (requests per minute, burst)
	RateLimitPerMinute int
	RateLimitBurst     int

	// CORS configuration
	CORSConfig middleware.CORSConfig

	// Logger
	Logger *slog.Logger

	// Repository backs every read endpoint directly; it is the one
	// dependency every deployment profile always has.
	Repository core.Repository

	// Hub serves the realtime dashboard feed at /ws. Nil disables the route.
	Hub realtime.Hub

	// Firmware backs firmware upload/download/diff (C3).
	Firmware *firmware.Store
	// Queue backs deploy/target-version admission (C4).
	Queue *queue.Queue
	// Rollout backs staged-rollout lifecycle operations (C6).
	Rollout *rollout.Controller
	// Watchdog backs at-risk clear/rollback operator actions (C7).
	Watchdog *watchdog.Watchdog
	// Commands backs command enqueue and config assignment (C9).
	Commands *commands.Service
	// Webhooks backs webhook create/update/delete/test delivery (C10).
	Webhooks *webhook.Dispatcher
	// Audit records every operator write. Nil disables audit logging.
	Audit *audit.Recorder
	// OTA backs the device-facing protocol mounted by RegisterRoutes (C5).
	OTA *ota.Handler
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableAuth:         true,
		EnableRateLimit:    true,
		EnableCompression:  true,
		EnableCORS:         true,
		EnableMetrics:      true,
		RateLimitPerMinute: 100,
		RateLimitBurst:     20,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
		AuthConfig: middleware.AuthConfig{
			EnableAPIKey: true,
			EnableJWT:    false,
			APIKeys:      make(map[string]*middleware.User),
		},
	}
}

// NewRouter creates a new API router with all middleware configured.
//
// The middleware stack is applied in order:
//  1. RequestID (always)
//  2. Logging (always)
//  3. Metrics (if enabled)
//  4. CORS (if enabled)
//  5. Compression (if enabled)
//  6. Route-specific: Auth (with role check), RateLimit
//
// @title Fleet OTA Control Plane API
// @version 1.0.0
// @description Device fleet management and over-the-air update control plane
// @license.name MIT
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))

	if config.EnableMetrics {
		router.Use(middleware.MetricsMiddleware)
	}
	if config.EnableCORS {
		router.Use(middleware.CORSMiddleware(config.CORSConfig))
	}
	if config.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", HealthCheckHandler(config)).Methods("GET")

	setupDeviceRoutes(v1, config)
	setupFirmwareRoutes(v1, config)
	setupRolloutRoutes(v1, config)
	setupWebhookRoutes(v1, config)
	setupConfigRoutes(v1, config)
	setupAuditRoutes(v1, config)

	if config.Hub != nil {
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			if err := realtime.Serve(config.Hub, w, r, config.Logger); err != nil {
				config.Logger.Debug("websocket session ended", "error", err)
			}
		})
	}

	// Device-facing protocol (§6): unversioned, separate from the operator
	// API's auth/rate-limit stack — devices authenticate by MAC, not by
	// operator credentials, and are rate-limited per-MAC by internal/ota.
	if config.OTA != nil {
		ota.RegisterRoutes(router, config.OTA, config.Firmware)
	}

	router.HandleFunc("/healthz", HealthCheckHandler(config)).Methods("GET")
	router.HandleFunc("/readyz", ReadyCheckHandler(config)).Methods("GET")

	setupDocumentationRoutes(router)

	return router
}

// handlerOrPlaceholder returns h when the route's backing dependency is
// wired, otherwise PlaceholderHandler(name) — the safety net described on
// RouterConfig for a deployment profile that intentionally omits one.
func handlerOrPlaceholder(wired bool, h http.HandlerFunc, name string) http.HandlerFunc {
	if wired {
		return h
	}
	return PlaceholderHandler(name)
}

func withProtection(router *mux.Router, config RouterConfig, role string) *mux.Router {
	sub := router.NewRoute().Subrouter()
	if config.EnableAuth {
		sub.Use(middleware.AuthMiddleware(config.AuthConfig))
		switch role {
		case middleware.RoleAdmin:
			sub.Use(middleware.AdminMiddleware)
		case middleware.RoleOperator:
			sub.Use(middleware.OperatorMiddleware)
		}
	}
	if config.EnableRateLimit {
		sub.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
	}
	return sub
}

// setupDeviceRoutes configures /api/v1/devices/*. Reads go straight through
// the repository; writes go through the update queue, command pipe, and
// watchdog, each audited on success.
func setupDeviceRoutes(router *mux.Router, config RouterConfig) {
	devices := router.PathPrefix("/devices").Subrouter()
	devices.HandleFunc("", listDevicesHandler(config)).Methods("GET")
	devices.HandleFunc("/{mac}", getDeviceHandler(config)).Methods("GET")
	devices.HandleFunc("/{mac}/logs", listDeviceLogsHandler(config)).Methods("GET")
	devices.HandleFunc("/{mac}/heartbeats", listHeartbeatsHandler(config)).Methods("GET")

	admin := withProtection(devices, config, middleware.RoleOperator)
	admin.HandleFunc("/{mac}", handlerOrPlaceholder(config.Repository != nil, deleteDeviceHandler(config), "delete-device")).Methods("DELETE")
	admin.HandleFunc("/{mac}/commands", handlerOrPlaceholder(config.Commands != nil, enqueueCommandHandler(config), "enqueue-command")).Methods("POST")
	admin.HandleFunc("/{mac}/target-version", handlerOrPlaceholder(config.Queue != nil, setTargetVersionHandler(config), "set-target-version")).Methods("PUT")
	admin.HandleFunc("/{mac}/reset", handlerOrPlaceholder(config.Repository != nil, resetDeviceHandler(config), "reset-device")).Methods("POST")
	admin.HandleFunc("/{mac}/rollback", handlerOrPlaceholder(config.Watchdog != nil, rollbackDeviceHandler(config), "rollback-device")).Methods("POST")
	admin.HandleFunc("/{mac}/clear-at-risk", handlerOrPlaceholder(config.Watchdog != nil, clearAtRiskHandler(config), "clear-at-risk")).Methods("POST")

	deploy := withProtection(router.PathPrefix("/deploy").Subrouter(), config, middleware.RoleOperator)
	deploy.HandleFunc("", handlerOrPlaceholder(config.Queue != nil, deployHandler(config), "deploy")).Methods("POST")
}

func setupFirmwareRoutes(router *mux.Router, config RouterConfig) {
	firmwareRouter := router.PathPrefix("/firmware").Subrouter()
	firmwareRouter.HandleFunc("", listFirmwareHandler(config)).Methods("GET")
	firmwareRouter.HandleFunc("/{version}", getFirmwareHandler(config)).Methods("GET")

	admin := withProtection(firmwareRouter, config, middleware.RoleAdmin)
	admin.HandleFunc("", handlerOrPlaceholder(config.Firmware != nil, uploadFirmwareHandler(config), "upload-firmware")).Methods("POST")
	admin.HandleFunc("/{version}", handlerOrPlaceholder(config.Firmware != nil, deleteFirmwareHandler(config), "delete-firmware")).Methods("DELETE")
	admin.HandleFunc("/{version}/download", handlerOrPlaceholder(config.Firmware != nil, streamFirmwareHandler(config), "stream-firmware")).Methods("GET")
	admin.HandleFunc("/diff", handlerOrPlaceholder(config.Firmware != nil, diffFirmwareHandler(config), "diff-firmware")).Methods("GET")
}

func setupRolloutRoutes(router *mux.Router, config RouterConfig) {
	rollouts := router.PathPrefix("/rollouts").Subrouter()
	rollouts.HandleFunc("", listRolloutsHandler(config)).Methods("GET")
	rollouts.HandleFunc("/{id}", getRolloutHandler(config)).Methods("GET")

	operator := withProtection(rollouts, config, middleware.RoleOperator)
	operator.HandleFunc("", handlerOrPlaceholder(config.Rollout != nil, createRolloutHandler(config), "create-rollout")).Methods("POST")
	operator.HandleFunc("/{id}/advance", handlerOrPlaceholder(config.Rollout != nil, advanceRolloutHandler(config), "advance-rollout")).Methods("POST")
	operator.HandleFunc("/{id}/pause", handlerOrPlaceholder(config.Rollout != nil, pauseRolloutHandler(config), "pause-rollout")).Methods("POST")
	operator.HandleFunc("/{id}/resume", handlerOrPlaceholder(config.Rollout != nil, resumeRolloutHandler(config), "resume-rollout")).Methods("POST")
	operator.HandleFunc("/{id}/cancel", handlerOrPlaceholder(config.Rollout != nil, cancelRolloutHandler(config), "cancel-rollout")).Methods("POST")
}

func setupWebhookRoutes(router *mux.Router, config RouterConfig) {
	webhooks := router.PathPrefix("/webhooks").Subrouter()
	admin := withProtection(webhooks, config, middleware.RoleAdmin)
	admin.HandleFunc("", listWebhooksHandler(config)).Methods("GET")
	admin.HandleFunc("", handlerOrPlaceholder(config.Repository != nil, createWebhookHandler(config), "create-webhook")).Methods("POST")
	admin.HandleFunc("/{id}", handlerOrPlaceholder(config.Repository != nil, updateWebhookHandler(config), "update-webhook")).Methods("PUT")
	admin.HandleFunc("/{id}", handlerOrPlaceholder(config.Repository != nil, deleteWebhookHandler(config), "delete-webhook")).Methods("DELETE")
	admin.HandleFunc("/{id}/test", handlerOrPlaceholder(config.Webhooks != nil, testWebhookHandler(config), "test-webhook")).Methods("POST")
}

func setupConfigRoutes(router *mux.Router, config RouterConfig) {
	configs := router.PathPrefix("/configs").Subrouter()
	configs.HandleFunc("", listConfigsHandler(config)).Methods("GET")
	configs.HandleFunc("/{id}", getConfigHandler(config)).Methods("GET")

	operator := withProtection(configs, config, middleware.RoleOperator)
	operator.HandleFunc("", handlerOrPlaceholder(config.Repository != nil, createConfigHandler(config), "create-config")).Methods("POST")
	operator.HandleFunc("/{id}", handlerOrPlaceholder(config.Repository != nil, updateConfigHandler(config), "update-config")).Methods("PUT")
	operator.HandleFunc("/{id}/assign/{mac}", handlerOrPlaceholder(config.Commands != nil, assignConfigHandler(config), "assign-config")).Methods("POST")
}

func setupAuditRoutes(router *mux.Router, config RouterConfig) {
	auditRouter := withProtection(router.PathPrefix("/audit-logs").Subrouter(), config, middleware.RoleAdmin)
	auditRouter.HandleFunc("", listAuditLogsHandler(config)).Methods("GET")
	auditRouter.HandleFunc("/export.csv", exportAuditLogsHandler(config)).Methods("GET")
}

func setupDocumentationRoutes(router *mux.Router) {
	router.PathPrefix("/api/v1/docs").Handler(httpSwagger.WrapHandler)
}

// HealthCheckHandler returns overall system health.
func HealthCheckHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		checks := map[string]string{"storage": "healthy"}

		if config.Repository != nil {
			if _, err := config.Repository.CountDevices(r.Context()); err != nil {
				status = "degraded"
				checks["storage"] = "unhealthy"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(middleware.APIVersionHeader, "1.0.0")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// ReadyCheckHandler reports whether the control plane's background workers
// (update queue, rollout controller, watchdog) are wired up, distinct from
// HealthCheckHandler's storage-only liveness check.
func ReadyCheckHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := config.Repository != nil && config.Queue != nil &&
			config.Rollout != nil && config.Watchdog != nil
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ready": ready})
	}
}

func listDevicesHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := core.DeviceFilter{
			Group:     q.Get("group"),
			OTAStatus: core.OTAStatus(q.Get("ota_status")),
		}
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
			filter.Limit = limit
		}
		if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
			filter.Offset = offset
		}
		if v := q.Get("is_at_risk"); v != "" {
			atRisk := v == "true"
			filter.IsAtRisk = &atRisk
		}

		devices, err := config.Repository.ListDevices(r.Context(), filter)
		writeResult(w, devices, err, "device")
	}
}

func getDeviceHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		device, err := config.Repository.GetDeviceByMAC(r.Context(), mac)
		writeResult(w, device, err, "device")
	}
}

func listDeviceLogsHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		logs, err := config.Repository.ListDeviceLogs(r.Context(), mac, limit)
		writeResult(w, logs, err, "device log")
	}
}

func listHeartbeatsHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac := mux.Vars(r)["mac"]
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		heartbeats, err := config.Repository.ListHeartbeats(r.Context(), mac, limit)
		writeResult(w, heartbeats, err, "heartbeat")
	}
}

func listFirmwareHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := config.Repository.ListFirmware(r.Context())
		writeResult(w, list, err, "firmware")
	}
}

func getFirmwareHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := mux.Vars(r)["version"]
		fw, err := config.Repository.GetFirmwareByVersion(r.Context(), version)
		writeResult(w, fw, err, "firmware")
	}
}

func listRolloutsHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := config.Repository.ListRollouts(r.Context())
		writeResult(w, list, err, "rollout")
	}
}

func getRolloutHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		rollout, err := config.Repository.GetRollout(r.Context(), id)
		writeResult(w, rollout, err, "rollout")
	}
}

func listWebhooksHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := config.Repository.ListWebhooks(r.Context())
		writeResult(w, list, err, "webhook")
	}
}

func listConfigsHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := config.Repository.ListConfigs(r.Context())
		writeResult(w, list, err, "device config")
	}
}

func getConfigHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		cfg, err := config.Repository.GetConfig(r.Context(), id)
		writeResult(w, cfg, err, "device config")
	}
}

func listAuditLogsHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		list, err := config.Repository.ListAuditLogs(r.Context(), limit, offset)
		writeResult(w, list, err, "audit log")
	}
}

// writeResult is the shared read-handler tail: a not-found-flavored domain
// error becomes a 404, anything else a 500, success a 200 JSON body.
func writeResult(w http.ResponseWriter, v interface{}, err error, resource string) {
	if err != nil {
		if isNotFound(err) {
			apierrors.WriteError(w, apierrors.NotFoundError(resource))
			return
		}
		apierrors.WriteError(w, apierrors.InternalError(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrDeviceNotFound) ||
		errors.Is(err, core.ErrFirmwareNotFound) ||
		errors.Is(err, core.ErrRolloutNotFound) ||
		errors.Is(err, core.ErrWebhookNotFound) ||
		errors.Is(err, core.ErrConfigNotFound) ||
		errors.Is(err, core.ErrCommandNotFound)
}

// PlaceholderHandler returns a placeholder handler for a route whose
// backing dependency was left nil for this deployment profile.
func PlaceholderHandler(handlerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetRequestID(r.Context())
		err := apierrors.ServiceUnavailableError("handler not configured for this deployment: " + handlerName).
			WithRequestID(requestID)
		apierrors.WriteError(w, err)
	}
}
