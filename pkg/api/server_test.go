package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leasecast/pkg/api/middleware"
	"leasecast/pkg/auth"
	"leasecast/pkg/clock"
	"leasecast/pkg/election"
	"leasecast/pkg/medium/memory"
	"leasecast/pkg/models"
	"leasecast/pkg/notify"
	"leasecast/pkg/queue"
	"leasecast/pkg/storage"
	memstore "leasecast/pkg/storage/memory"
	"leasecast/pkg/syncengine"
	"leasecast/pkg/syncengine/syncenginetest"
)

const (
	partition = "main"
	secret    = "test-secret"
	settle    = 2 * time.Second
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server  *Server
	hub     *memory.Hub
	elector *election.Elector
	channel *notify.BroadcastChannel
	// sibling observes what the server's instance publishes.
	sibling *syncenginetest.Recorder
	jwt     *auth.JWTService
}

type options struct {
	withAuth  bool
	noStart   bool
	rateLimit middleware.RateLimiterConfig
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()
	clk := clock.Real{}
	hub := memory.NewHub()
	store := storage.Instrument(memstore.NewStore(), log)

	q := queue.New(log)
	m := hub.Attach()
	ch, err := notify.NewBroadcastChannel(notify.DefaultConfig(partition, "alice", "server"), m, q, syncengine.NewLoggingSink(log), clk, log)
	require.NoError(t, err)

	sink := syncengine.Multi{syncengine.NewLoggingSink(log), syncengine.PrimaryFunc(ch.SetPrimaryState)}
	el, err := election.New("server", election.DefaultConfig(), q, store, sink, clk, log)
	require.NoError(t, err)

	sq := queue.New(log)
	sm := hub.Attach()
	rec := &syncenginetest.Recorder{}
	sib, err := notify.NewBroadcastChannel(notify.DefaultConfig(partition, "alice", "sibling"), sm, sq, rec, clk, log)
	require.NoError(t, err)
	require.NoError(t, sib.Start(ctx))

	t.Cleanup(func() {
		el.Stop()
		if ch.Started() {
			_ = ch.Shutdown(ctx)
		}
		_ = sib.Shutdown(ctx)
		q.Close()
		sq.Close()
		_ = m.Close()
		_ = sm.Close()
	})

	if !opts.noStart {
		require.NoError(t, ch.Start(ctx))
		require.NoError(t, el.SetVisibility(ctx, models.VisibilityForeground))
		require.NoError(t, el.Start(ctx, "alice"))
	}

	f := &fixture{hub: hub, elector: el, channel: ch, sibling: rec}
	cfg := Config{
		Partition: partition,
		Elector:   el,
		Channel:   ch,
		Store:     store,
		Medium:    m,
		RateLimit: opts.rateLimit,
		Log:       log,
	}
	if opts.withAuth {
		f.jwt, err = auth.NewJWTService(auth.DefaultJWTConfig(secret))
		require.NoError(t, err)
		cfg.JWT = f.jwt
	}
	f.server = NewServer(cfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) token(t *testing.T, role auth.Role, scope string) string {
	t.Helper()
	tok, err := f.jwt.GenerateToken("tester", role, scope)
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestStatus_ReportsPrimary(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodGet, "/api/v1/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[StatusResponse](t, w)
	assert.Equal(t, "server", resp.InstanceID)
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, partition, resp.Partition)
	assert.True(t, resp.Primary)
	assert.Equal(t, "self-is-primary", resp.State)
	assert.Equal(t, models.VisibilityForeground, resp.Visibility)
	assert.NotNil(t, resp.LeaseExpiry)
	assert.Equal(t, "closed", resp.Breaker.State)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestLease_HeldBySelf(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodGet, "/api/v1/lease", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[LeaseResponse](t, w)
	require.NotNil(t, resp.Lease)
	assert.Equal(t, "server", resp.Lease.OwnerInstanceID)
	assert.True(t, resp.Valid)
	assert.True(t, resp.Self)
}

func TestLease_NoneBeforeStart(t *testing.T) {
	f := newFixture(t, options{noStart: true})

	w := f.do(t, http.MethodGet, "/api/v1/lease", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[LeaseResponse](t, w)
	assert.Nil(t, resp.Lease)
	assert.False(t, resp.Valid)
}

func TestInstances_ListsSibling(t *testing.T) {
	f := newFixture(t, options{})

	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/v1/instances", nil, "")
		resp := decode[struct {
			Instances []models.InstanceRow `json:"instances"`
			Count     int                  `json:"count"`
		}](t, w)
		return resp.Count == 1 && resp.Instances[0].InstanceID == "sibling"
	}, settle, 10*time.Millisecond)
}

func TestMutations_ReachSibling(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodPost, "/api/v1/mutations/7", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/api/v1/mutations/8/reject", RejectRequest{Code: "conflict", Message: "stale base"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool { return len(f.sibling.Batches()) >= 2 }, settle, 5*time.Millisecond)

	byID := map[models.BatchID]syncenginetest.BatchCall{}
	for _, b := range f.sibling.Batches() {
		byID[b.BatchID] = b
	}
	assert.Equal(t, models.MutationPending, byID[7].Status)
	assert.Equal(t, models.MutationRejected, byID[8].Status)
	require.NotNil(t, byID[8].Err)
	assert.Equal(t, "conflict", byID[8].Err.Code)
	assert.Equal(t, "stale base", byID[8].Err.Message)
}

func TestTargets_ReachSibling(t *testing.T) {
	f := newFixture(t, options{})

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/targets/3", nil, "").Code)
	w := f.do(t, http.MethodPost, "/api/v1/targets/current", UpdateTargetsRequest{TargetIDs: []models.TargetID{3, 4}}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		var current int
		for _, c := range f.sibling.Watches() {
			if c.Status == models.WatchCurrent {
				current++
			}
		}
		return current == 2
	}, settle, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/v1/targets/3", nil, "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/targets/5/reject", nil, "").Code)
	require.Eventually(t, func() bool {
		for _, c := range f.sibling.Watches() {
			if c.TargetID == 5 && c.Status == models.WatchRejected {
				return c.Err != nil && c.Err.Code == "rejected"
			}
		}
		return false
	}, settle, 5*time.Millisecond)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"non-numeric batch", http.MethodPost, "/api/v1/mutations/abc", nil},
		{"non-numeric target", http.MethodDelete, "/api/v1/targets/x", nil},
		{"empty target list", http.MethodPost, "/api/v1/targets/current", UpdateTargetsRequest{}},
		{"unknown visibility", http.MethodPut, "/api/v1/visibility", VisibilityRequest{Visibility: "SIDEWAYS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestVisibility_UpdatesElectorAndChannel(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodPut, "/api/v1/visibility", VisibilityRequest{Visibility: "background"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.VisibilityBackground, f.elector.Visibility())
}

func TestChannelNotStarted_Unavailable(t *testing.T) {
	f := newFixture(t, options{noStart: true})

	w := f.do(t, http.MethodPost, "/api/v1/mutations/1", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.hub.SetAvailable(false)
	w = f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Dependencies["store"])
	assert.NotEqual(t, "ok", resp.Dependencies["medium"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, options{withAuth: true})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		token  string
		want   int
	}{
		{"reads stay open", http.MethodGet, "/api/v1/status", nil, "", http.StatusOK},
		{"missing token", http.MethodPost, "/api/v1/mutations/1", nil, "", http.StatusUnauthorized},
		{"garbage token", http.MethodPost, "/api/v1/mutations/1", nil, "not-a-jwt", http.StatusUnauthorized},
		{"viewer cannot mutate", http.MethodPost, "/api/v1/mutations/1", nil, f.token(t, auth.RoleViewer, ""), http.StatusForbidden},
		{"operator can mutate", http.MethodPost, "/api/v1/mutations/1", nil, f.token(t, auth.RoleOperator, ""), http.StatusOK},
		{"operator cannot set visibility", http.MethodPut, "/api/v1/visibility", VisibilityRequest{Visibility: "FOREGROUND"}, f.token(t, auth.RoleOperator, ""), http.StatusForbidden},
		{"admin can set visibility", http.MethodPut, "/api/v1/visibility", VisibilityRequest{Visibility: "FOREGROUND"}, f.token(t, auth.RoleAdmin, partition), http.StatusOK},
		{"other partition", http.MethodPost, "/api/v1/targets/1", nil, f.token(t, auth.RoleAdmin, "elsewhere"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, tt.token)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, options{rateLimit: middleware.RateLimiterConfig{
		RequestsPerMinute: 1,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/status", nil, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/status", nil, "").Code)
	w := f.do(t, http.MethodGet, "/api/v1/status", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMetrics_ExposeHTTPAndElection(t *testing.T) {
	f := newFixture(t, options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(middleware.RequestIDHeader))

	w = f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "leasecast_http_requests_total")
	assert.Contains(t, body, `path="/api/v1/status"`)
	assert.Contains(t, body, "leasecast_election_is_primary")
}
