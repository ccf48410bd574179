// Package httpapi exposes the generation service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/inkframe/backend/internal/app"
	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/metrics"
	generationsvc "github.com/inkframe/backend/internal/app/services/generation"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/pkg/logger"
)

const (
	maxRequestBody = 1 << 20
	maxWebhookBody = 4 << 20
)

// Config carries the HTTP-facing settings.
type Config struct {
	JWTSecret      []byte
	WebhookSecret  string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	AuditLogPath   string
}

// Handler is the root HTTP handler.
type Handler struct {
	app    *app.Application
	log    *logger.Logger
	router http.Handler
	audit  *auditLog
	sink   *fileAuditSink
}

// NewHandler builds the router for application.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (*Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	h := &Handler{app: application, log: log, sink: sink}
	var mirror auditSink
	if sink != nil {
		mirror = sink
	}
	h.audit = newAuditLog(0, mirror)

	auth := newAuthenticator(cfg.JWTSecret, log)
	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/webhooks/{provider}", webhookAuth(cfg.WebhookSecret, http.HandlerFunc(h.webhook))).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.middleware, h.audit.middleware)
	v1.Handle("/generations", limiter.middleware(http.HandlerFunc(h.submit))).Methods(http.MethodPost)
	v1.HandleFunc("/generations", h.list).Methods(http.MethodGet)
	v1.HandleFunc("/generations/quote", h.quote).Methods(http.MethodPost)
	v1.HandleFunc("/generations/{id}", h.get).Methods(http.MethodGet)
	v1.HandleFunc("/generations/{id}", h.cancel).Methods(http.MethodDelete)
	v1.HandleFunc("/ink", h.balance).Methods(http.MethodGet)
	v1.HandleFunc("/ink/entries", h.entries).Methods(http.MethodGet)
	v1.HandleFunc("/push-token", h.pushToken).Methods(http.MethodPut)
	v1.HandleFunc("/activity", h.activity).Methods(http.MethodGet)

	h.router = metrics.InstrumentHandler(corsMiddleware(cfg.CORSOrigins, r))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close releases the audit log file.
func (h *Handler) Close() error {
	return h.sink.Close()
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Ready(r.Context()); err != nil {
		h.log.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var params generation.Parameters
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBody), &params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.app.Generations.Submit(r.Context(), userID(r.Context()), params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	var params generation.Parameters
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBody), &params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cost, err := h.app.Generations.Quote(params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cost": cost})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reqs, err := h.app.Generations.List(r.Context(), userID(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []generation.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.app.Generations.Get(r.Context(), userID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	req, err := h.app.Generations.Cancel(r.Context(), userID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Ink.GetBalance(r.Context(), userID(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("account not found"))
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) entries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := h.app.Ink.Entries(r.Context(), userID(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []account.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) pushToken(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBody), &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token := strings.TrimSpace(payload.Token)
	if token == "" || len(token) > 256 {
		writeError(w, http.StatusBadRequest, errors.New("token must be 1-256 characters"))
		return
	}
	err := h.app.Store.RegisterPushToken(r.Context(), userID(r.Context()), token)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("account not found"))
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.forUser(userID(r.Context()), limit))
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxWebhookBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	provider := mux.Vars(r)["provider"]
	if err := h.app.Generations.CompleteCallback(r.Context(), provider, body); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := generationsvc.StatusOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, status, errors.New(generationsvc.MessageOf(err)))
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
