package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"
	"github.com/you-humble/animalexplorer/core/domain"
	"github.com/you-humble/animalexplorer/core/imagestore"
	"github.com/you-humble/animalexplorer/core/ratelimit"

	"github.com/google/uuid"
)

const (
	maxBodyBytes        = 1 << 20
	defaultPopularLimit = 10
	maxPopularLimit     = 50
)

type Research interface {
	Submit(ctx context.Context, query, clientID string) (string, error)
	Poll(ctx context.Context, id string) (domain.Job, error)
}

type RateLimits interface {
	Status(ctx context.Context, client string) ratelimit.Decision
	Blacklist(ctx context.Context, client string, ttl time.Duration) error
	Unblacklist(ctx context.Context, client string) (bool, error)
}

type CacheReports interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Popular(ctx context.Context, limit int) ([]cache.Popularity, error)
}

type SessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

type ImageFiles interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

type Backend interface {
	Ping(ctx context.Context) error
	Backend() string
	Durable() bool
}

type Services struct {
	Research Research
	Limits   RateLimits
	Cache    CacheReports
	Sessions SessionCounter
	Images   ImageFiles
	Backend  Backend
}

type handler struct {
	adminToken string
	clients    *clientResolver
	svc        Services
}

// NewHandler builds the HTTP handlers. Forwarding headers are honored only
// from peers inside trustedProxies.
func NewHandler(adminToken string, trustedProxies []netip.Prefix, svc Services) *handler {
	return &handler{
		adminToken: adminToken,
		clients:    newClientResolver(trustedProxies),
		svc:        svc,
	}
}

func (h *handler) research(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "research")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	query, err := readQuery(r)
	if err != nil {
		logger.Warn("read query", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unable to parse request body")
		return
	}

	client := h.clients.clientIP(r)
	id, err := h.svc.Research.Submit(r.Context(), query, client)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, domain.ErrEmptyQuery.Error())
			return
		}
		logger.Error("Submit", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot create research job")
		return
	}

	logger.Info("job submitted", slog.String("job_id", id), slog.String("client", client))
	writeJSON(w, http.StatusAccepted, domain.SubmitResponse{ID: id})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "status")

	id := strings.TrimPrefix(r.URL.Path, "/status/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "missing ID")
		return
	}

	job, err := h.svc.Research.Poll(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found or expired")
			return
		}
		logger.Error("Poll", slog.String("job_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	if job.Status.Terminal() {
		writeJSON(w, http.StatusOK, job.Response())
		return
	}
	writeJSON(w, http.StatusAccepted, job.Response())
}

func (h *handler) image(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "image")

	name := strings.TrimPrefix(r.URL.Path, "/images/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing image name")
		return
	}

	content, size, err := h.svc.Images.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, imagestore.ErrNotFound) || errors.Is(err, imagestore.ErrUnsupported) {
			writeError(w, http.StatusNotFound, "image not found")
			return
		}
		logger.Warn("open image", slog.String("name", name), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	defer content.Close()

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, content); err != nil {
		logger.Error("image: send file",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	resp := domain.HealthResponse{
		Status:  "ok",
		Backend: h.svc.Backend.Backend(),
		Durable: h.svc.Backend.Durable(),
	}
	if err := h.svc.Backend.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	stats, err := h.svc.Cache.Stats(r.Context())
	if err != nil {
		requestLogger(r, "cache_stats").Error("Stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot read cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) popular(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	limit := defaultPopularLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPopularLimit)
	}

	top, err := h.svc.Cache.Popular(r.Context(), limit)
	if err != nil {
		requestLogger(r, "popular").Error("Popular", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot read popular animals")
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func (h *handler) rateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Limits.Status(r.Context(), h.clients.clientIP(r)))
}

func (h *handler) sessionCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	n, err := h.svc.Sessions.Count(r.Context())
	if err != nil {
		requestLogger(r, "session_count").Error("Count", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot count sessions")
		return
	}
	writeJSON(w, http.StatusOK, domain.SessionCountResponse{ActiveSessions: n})
}

func (h *handler) blacklist(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "blacklist")

	if !h.authorized(r) {
		logger.Warn("admin token rejected")
		writeError(w, http.StatusUnauthorized, "")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req domain.BlacklistRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "unable to parse request body")
			return
		}
		req.Client = strings.TrimSpace(req.Client)
		if req.Client == "" {
			writeError(w, http.StatusBadRequest, "field `client` is required")
			return
		}

		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := h.svc.Limits.Blacklist(r.Context(), req.Client, ttl); err != nil {
			logger.Error("Blacklist", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot blacklist client")
			return
		}
		logger.Info("client blacklisted", slog.String("client", req.Client))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		client := strings.TrimSpace(r.URL.Query().Get("client"))
		if client == "" {
			writeError(w, http.StatusBadRequest, "query parameter `client` is required")
			return
		}

		removed, err := h.svc.Limits.Unblacklist(r.Context(), client)
		if err != nil {
			logger.Error("Unblacklist", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot unblacklist client")
			return
		}
		if !removed {
			writeError(w, http.StatusNotFound, "client is not blacklisted")
			return
		}
		logger.Info("client unblacklisted", slog.String("client", client))
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "")
	}
}

// authorized reports whether r carries the admin token. An empty configured
// token disables the admin endpoints.
func (h *handler) authorized(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	got := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) == 1
}

// readQuery accepts the animal name as a form field or a JSON body.
func readQuery(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var req domain.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return req.Animal, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", err
	}
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return "", err
		}
	}
	return r.FormValue("animal"), nil
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
