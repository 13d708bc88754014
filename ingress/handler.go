// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/pushmatrix/gateway"
)

// maxMessageBytes caps a POST /message body.
const maxMessageBytes = 64 << 10

//go:embed templates/index.html
var templateFiles embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFiles, "templates/index.html"))

// Dispatcher handles a message body. *gateway.Router implements it.
type Dispatcher interface {
	Handle(ctx context.Context, rawBody []byte) gateway.Response
	TokenRequired() bool
}

// HealthReporter reports background sync liveness. *gateway.Gateway
// implements it.
type HealthReporter interface {
	Health() gateway.Health
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Dispatcher Dispatcher
	Health     HealthReporter

	// RateLimit is accepted messages per second across all clients.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Handler routes the gateway's HTTP endpoints.
type Handler struct {
	dispatcher Dispatcher
	health     HealthReporter
	limiter    *rate.Limiter
	logger     *slog.Logger
	mux        *http.ServeMux
}

// NewHandler builds the route table.
func NewHandler(config HandlerConfig) *Handler {
	if config.Dispatcher == nil {
		panic("ingress.Handler: Dispatcher is required")
	}
	if config.Health == nil {
		panic("ingress.Handler: Health is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := &Handler{
		dispatcher: config.Dispatcher,
		health:     config.Health,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	if config.RateLimit > 0 {
		burst := max(config.RateBurst, 1)
		handler.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	handler.mux.HandleFunc("POST /message", handler.handleMessage)
	handler.mux.HandleFunc("GET /{$}", handler.handleIndex)
	handler.mux.HandleFunc("GET /health", handler.handleHealth)
	return handler
}

func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

func (h *Handler) handleMessage(writer http.ResponseWriter, request *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.logger.Warn("message rejected by rate limit", "remote", request.RemoteAddr)
		writeText(writer, http.StatusTooManyRequests, "Too many requests")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(writer, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeText(writer, http.StatusBadRequest, "Failed to read request body")
		return
	}

	// A client that disconnects after its message is accepted must not
	// abort the send half way through membership changes.
	response := h.dispatcher.Handle(context.WithoutCancel(request.Context()), body)
	writeText(writer, response.Status, response.Body)
}

type indexData struct {
	TokenRequired bool
}

func (h *Handler) handleIndex(writer http.ResponseWriter, request *http.Request) {
	var page bytes.Buffer
	if err := indexTemplate.Execute(&page, indexData{TokenRequired: h.dispatcher.TokenRequired()}); err != nil {
		h.logger.Error("rendering index page failed", "error", err)
		writeText(writer, http.StatusInternalServerError, "Internal error")
		return
	}
	writer.Header().Set("Content-Type", "text/html; charset=utf-8")
	writer.WriteHeader(http.StatusOK)
	writer.Write(page.Bytes())
}

type healthResponse struct {
	Status   string     `json:"status"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

func (h *Handler) handleHealth(writer http.ResponseWriter, request *http.Request) {
	health := h.health.Health()
	response := healthResponse{Status: "ok"}
	status := http.StatusOK
	if !health.Healthy {
		response.Status = "stale"
		status = http.StatusServiceUnavailable
	}
	if !health.LastSync.IsZero() {
		lastSync := health.LastSync.UTC()
		response.LastSync = &lastSync
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		h.logger.Debug("writing health response failed", "error", err)
	}
}

func writeText(writer http.ResponseWriter, status int, body string) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writer.WriteHeader(status)
	io.WriteString(writer, body)
}
