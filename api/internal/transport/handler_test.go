package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"
	"github.com/you-humble/animalexplorer/core/domain"
	"github.com/you-humble/animalexplorer/core/imagestore"
	"github.com/you-humble/animalexplorer/core/kv"
	"github.com/you-humble/animalexplorer/core/provider"
	"github.com/you-humble/animalexplorer/core/ratelimit"
	"github.com/you-humble/animalexplorer/core/research"
	"github.com/you-humble/animalexplorer/core/session"

	"github.com/stretchr/testify/require"
)

const adminToken = "letmein"

var pngBytes = []byte("\x89PNG\r\n\x1a\nlion")

type stubInfo struct{}

func (stubInfo) FetchInfo(_ context.Context, query string) (string, error) {
	if strings.EqualFold(query, "pikachu") {
		return "**Válido:** NO\n**Razón:** fictional character\n**Sugerencias:** pika", nil
	}
	return "**Válido:** SI\n**Nombre:** León\n**Nombre_en:** lion", nil
}

type stubImage struct{}

func (stubImage) FetchImage(context.Context, string) (provider.Image, error) {
	return provider.Image{Data: pngBytes, MIME: "image/png"}, nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	return newTestServerWith(t, ratelimit.Limits{Minute: 3}, nil)
}

func newTestServerWith(t *testing.T, limits ratelimit.Limits, trusted []netip.Prefix) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemory()
	sessions := session.New(store, time.Hour)
	limiter := ratelimit.New(store, limits, logger)
	c := cache.New(store, cache.DefaultTTLs(), logger)

	blob, err := imagestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	images := imagestore.NewPublished(blob, "/images")

	svc := research.New(research.Config{ImageTimeout: time.Second}, research.Deps{
		Sessions: sessions,
		Limiter:  limiter,
		Cache:    c,
		Info:     stubInfo{},
		Image:    stubImage{},
		Images:   images,
		Logger:   logger,
	})

	h := NewHandler(adminToken, trusted, Services{
		Research: svc,
		Limits:   limiter,
		Cache:    c,
		Sessions: sessions,
		Images:   images,
		Backend:  store,
	})
	return WithRecover(LogMiddleware(NewRouter(h).MountRoutes(http.NewServeMux())))
}

func do(t *testing.T, srv http.Handler, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, r)
	return rec
}

func submitForm(t *testing.T, srv http.Handler, animal string) string {
	t.Helper()
	form := url.Values{"animal": {animal}}
	r := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := do(t, srv, r)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp domain.SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func getStatus(t *testing.T, srv http.Handler, id string) (int, domain.StatusResponse, string) {
	t.Helper()
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	raw := rec.Body.String()

	var resp domain.StatusResponse
	if rec.Code == http.StatusOK || rec.Code == http.StatusAccepted {
		require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	}
	return rec.Code, resp, raw
}

func TestResearchFlow(t *testing.T) {
	srv := newTestServer(t)
	id := submitForm(t, srv, "león")

	code, resp, _ := getStatus(t, srv, id)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.StatusCompleted, resp.Status)
	require.True(t, resp.Done)
	require.NotNil(t, resp.Info)
	require.NotNil(t, resp.Image)
	require.True(t, strings.HasPrefix(*resp.Image, "/images/"))
	require.Equal(t, "lion", resp.SecondaryName)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, *resp.Image, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, pngBytes, rec.Body.Bytes())
}

func TestResearchJSONBody(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"animal":"lobo"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := do(t, srv, r)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestResearchRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)

	form := url.Values{"animal": {"   "}}
	r := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, srv, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), domain.ErrEmptyQuery.Error())

	r = httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"animal":`))
	r.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusBadRequest, do(t, srv, r).Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/research", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestForwardedHeaderCannotDodgeRateLimit(t *testing.T) {
	tests := []struct {
		name      string
		trusted   []netip.Prefix
		remote    string
		forwarded string
	}{
		{
			name:      "direct caller claims loopback",
			remote:    "198.51.100.9:4321",
			forwarded: "127.0.0.1",
		},
		{
			name:      "spoof prepended behind a trusted proxy",
			trusted:   []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
			remote:    "10.0.0.5:4321",
			forwarded: "127.0.0.1, 198.51.100.9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServerWith(t, ratelimit.Limits{Minute: 3, AllowList: []string{"127.0.0.1"}}, tt.trusted)

			var statuses []domain.JobStatus
			for _, animal := range []string{"león", "lobo", "oso", "zorro"} {
				form := url.Values{"animal": {animal}}
				r := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(form.Encode()))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				r.Header.Set("X-Forwarded-For", tt.forwarded)
				r.RemoteAddr = tt.remote
				rec := do(t, srv, r)
				require.Equal(t, http.StatusAccepted, rec.Code)

				var sub domain.SubmitResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
				_, resp, _ := getStatus(t, srv, sub.ID)
				statuses = append(statuses, resp.Status)
			}

			require.Equal(t, []domain.JobStatus{
				domain.StatusCompleted,
				domain.StatusCompleted,
				domain.StatusCompleted,
				domain.StatusRateLimited,
			}, statuses)
		})
	}
}

func TestStatusUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	code, _, raw := getStatus(t, srv, "does-not-exist")
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, raw, "job not found")
}

func TestStatusInvalidAnimal(t *testing.T) {
	srv := newTestServer(t)
	id := submitForm(t, srv, "pikachu")

	code, resp, raw := getStatus(t, srv, id)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.StatusInvalidInput, resp.Status)
	require.Equal(t, []string{"pika"}, resp.Suggestions)
	require.Contains(t, raw, `"image":null`)
}

func TestImageNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/images/missing.png", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportingEndpoints(t *testing.T) {
	srv := newTestServer(t)
	id := submitForm(t, srv, "león")
	getStatus(t, srv, id)
	submitForm(t, srv, "León")

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/rate-limit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var decision ratelimit.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	require.EqualValues(t, 1, decision.Counts.Minute)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/sessions/count", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"active_sessions":2}`, rec.Body.String())

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/popular?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"animal":"león","searches":2}]`, rec.Body.String())

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/popular?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.EqualValues(t, 1, stats.InfoEntries)
	require.EqualValues(t, 1, stats.ImageEntries)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","backend":"memory","durable":false}`, rec.Body.String())
}

func TestAdminBlacklist(t *testing.T) {
	srv := newTestServer(t)
	client := "192.0.2.1" // httptest default peer

	post := func(token string) int {
		r := httptest.NewRequest(http.MethodPost, "/admin/blacklist",
			strings.NewReader(`{"client":"`+client+`","ttl_seconds":120}`))
		if token != "" {
			r.Header.Set("X-Admin-Token", token)
		}
		return do(t, srv, r).Code
	}
	require.Equal(t, http.StatusUnauthorized, post(""))
	require.Equal(t, http.StatusUnauthorized, post("wrong"))
	require.Equal(t, http.StatusNoContent, post(adminToken))

	_, resp, _ := getStatus(t, srv, submitForm(t, srv, "león"))
	require.Equal(t, domain.StatusRateLimited, resp.Status)
	require.Equal(t, ratelimit.LimitBlacklisted, resp.LimitType)
	require.Positive(t, resp.RetryAfterSeconds)

	del := func() int {
		r := httptest.NewRequest(http.MethodDelete, "/admin/blacklist?client="+client, nil)
		r.Header.Set("X-Admin-Token", adminToken)
		return do(t, srv, r).Code
	}
	require.Equal(t, http.StatusNoContent, del())
	require.Equal(t, http.StatusNotFound, del())

	_, resp, _ = getStatus(t, srv, submitForm(t, srv, "león"))
	require.Equal(t, domain.StatusCompleted, resp.Status)
}

func TestWithRecover(t *testing.T) {
	h := WithRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
