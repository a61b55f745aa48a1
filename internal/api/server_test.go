package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatpilot/internal/config"
	"chatpilot/internal/models"
	"chatpilot/internal/queue"
	"chatpilot/internal/ratelimit"
	"chatpilot/internal/store"
)

type fakeKeys struct {
	mu      sync.Mutex
	byHash  map[string]models.APIKey
	touched []string
}

func (f *fakeKeys) GetAPIKeyByHash(_ context.Context, hash string) (models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.byHash[hash]
	if !ok {
		return models.APIKey{}, store.ErrNotFound
	}
	return key, nil
}

func (f *fakeKeys) TouchAPIKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

type enqueuedJob struct {
	kind    models.Kind
	payload any
}

type fakeJobQueue struct {
	mu    sync.Mutex
	jobs  []enqueuedJob
	err   error
	stats models.QueueStats
}

func (f *fakeJobQueue) Enqueue(_ context.Context, kind models.Kind, payload any, _ queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, enqueuedJob{kind: kind, payload: payload})
	return "job-123", nil
}

func (f *fakeJobQueue) Stats(context.Context, models.Kind) (models.QueueStats, error) {
	return f.stats, nil
}

type testEnv struct {
	router http.Handler
	queue  *fakeJobQueue
	keys   *fakeKeys
}

const testRawKey = "sk-test-abc123"

func defaultClasses() map[string]config.LimitClass {
	return map[string]config.LimitClass{
		config.ClassGeneral: {Window: time.Minute, MaxRequests: 300},
		config.ClassAuth:    {Window: 15 * time.Minute, MaxRequests: 10},
		config.ClassPublic:  {Window: time.Minute, MaxRequests: 60},
		config.ClassWebhook: {Window: time.Minute, MaxRequests: 1000},
		config.ClassUpload:  {Window: time.Minute, MaxRequests: 20},
		config.ClassAI:      {Window: time.Minute, MaxRequests: 30},
	}
}

func newTestServer(t *testing.T, key models.APIKey, classes map[string]config.LimitClass) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if classes == nil {
		classes = defaultClasses()
	}

	log := zap.NewNop()
	limiter := ratelimit.NewSlidingWindow(client, classes, log)
	quota := ratelimit.NewDailyQuota(client, log)

	keys := &fakeKeys{byHash: map[string]models.APIKey{}}
	if key.ID != "" {
		key.KeyHash = hashKey(testRawKey)
		keys.byHash[key.KeyHash] = key
	}

	q := &fakeJobQueue{}
	srv := New(config.Config{DefaultDailyQuota: 1000}, q, keys, limiter, quota, log)
	return &testEnv{router: srv.Router(), queue: q, keys: keys}
}

func activeKey() models.APIKey {
	return models.APIKey{
		ID:       "key-1",
		TenantID: "t1",
		Scopes:   []string{"messages:send", "kb:write"},
		Active:   true,
	}
}

func doJSON(env *testEnv, method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testRawKey)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAlwaysAcks(t *testing.T) {
	env := newTestServer(t, models.APIKey{}, nil)

	rec := doJSON(env, http.MethodPost, "/webhooks/whatsapp",
		`{"tenant_id":"t1","conversation_id":"c1","user_message":"hi"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.queue.jobs, 1)
	require.Equal(t, models.KindAIProcessing, env.queue.jobs[0].kind)

	// Garbage body: still 200, nothing enqueued.
	rec = doJSON(env, http.MethodPost, "/webhooks/whatsapp", `{{{`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.queue.jobs, 1)

	// Queue down: the provider still gets its ack.
	env.queue.err = queue.ErrUnavailable
	rec = doJSON(env, http.MethodPost, "/webhooks/whatsapp",
		`{"tenant_id":"t1","conversation_id":"c1","user_message":"hi"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageRequiresAuth(t *testing.T) {
	env := newTestServer(t, activeKey(), nil)

	rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"to":"555","message":"hi"}`))
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "UNAUTHORIZED", body.Code)
}

func TestInactiveAndExpiredKeysRejected(t *testing.T) {
	inactive := activeKey()
	inactive.Active = false
	env := newTestServer(t, inactive, nil)
	rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := activeKey()
	past := time.Now().Add(-time.Hour)
	expired.ExpiresAt = &past
	env = newTestServer(t, expired, nil)
	rec = doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessageAcceptedAndTouched(t *testing.T) {
	env := newTestServer(t, activeKey(), nil)

	rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-123", resp["job_id"])

	require.Len(t, env.queue.jobs, 1)
	sent := env.queue.jobs[0].payload.(models.OutboundSendPayload)
	require.Equal(t, "t1", sent.TenantID, "tenant comes from the key, not the body")

	require.Equal(t, []string{"key-1"}, env.keys.touched)
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestScopeEnforced(t *testing.T) {
	key := activeKey()
	key.Scopes = []string{"kb:write"}
	env := newTestServer(t, key, nil)

	rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "FORBIDDEN", body.Code)
	require.Empty(t, env.queue.jobs)
}

func TestKeyRateLimitReturns429(t *testing.T) {
	key := activeKey()
	key.RatePerMin = 2
	env := newTestServer(t, key, nil)

	for i := 0; i < 2; i++ {
		rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMIT_EXCEEDED", body.Code)
	require.Equal(t, 2, body.Limit)
}

func TestDailyQuotaReturns429(t *testing.T) {
	key := activeKey()
	key.DailyLimit = 1
	env := newTestServer(t, key, nil)

	rec := doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(env, http.MethodPost, "/v1/messages", `{"to":"555","message":"hi"}`, true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "DAILY_QUOTA_EXCEEDED", body.Code)
	require.Equal(t, 1, body.Limit)
	require.Equal(t, int64(2), body.Used)
}

func TestWebhookClassLimit(t *testing.T) {
	classes := defaultClasses()
	classes[config.ClassWebhook] = config.LimitClass{Window: time.Minute, MaxRequests: 2}
	env := newTestServer(t, models.APIKey{}, classes)

	payload := `{"tenant_id":"t1","conversation_id":"c1","user_message":"hi"}`
	for i := 0; i < 2; i++ {
		rec := doJSON(env, http.MethodPost, "/webhooks/whatsapp", payload, false)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(env, http.MethodPost, "/webhooks/whatsapp", payload, false)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestAuthFailuresThrottled(t *testing.T) {
	classes := defaultClasses()
	classes[config.ClassAuth] = config.LimitClass{Window: 15 * time.Minute, MaxRequests: 2}
	env := newTestServer(t, activeKey(), classes)

	sendBadKey := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"to":"555","message":"hi"}`))
		req.Header.Set("Authorization", "Bearer wrong-key")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusUnauthorized, sendBadKey().Code)
	}

	rec := sendBadKey()
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "repeated bad keys trip the auth window")
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMIT_EXCEEDED", body.Code)
}

func TestWebhookAITenantCap(t *testing.T) {
	classes := defaultClasses()
	classes[config.ClassAI] = config.LimitClass{Window: time.Minute, MaxRequests: 1}
	env := newTestServer(t, models.APIKey{}, classes)

	payload := `{"tenant_id":"t1","conversation_id":"c1","user_message":"hi"}`
	rec := doJSON(env, http.MethodPost, "/webhooks/whatsapp", payload, false)
	require.Equal(t, http.StatusOK, rec.Code)

	// Over the cap: still acked, but nothing enqueued for this tenant.
	rec = doJSON(env, http.MethodPost, "/webhooks/whatsapp", payload, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.queue.jobs, 1)

	// A different tenant is unaffected.
	rec = doJSON(env, http.MethodPost, "/webhooks/whatsapp",
		`{"tenant_id":"t2","conversation_id":"c2","user_message":"hi"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.queue.jobs, 2)
}

func TestIndexDocumentValidatesBody(t *testing.T) {
	env := newTestServer(t, activeKey(), nil)

	rec := doJSON(env, http.MethodPost, "/v1/documents/d1/index", `{}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(env, http.MethodPost, "/v1/documents/d1/index",
		`{"file_buffer":"aGVsbG8=","mime_type":"text/plain"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, env.queue.jobs, 1)
	idx := env.queue.jobs[0].payload.(models.RAGIndexingPayload)
	require.Equal(t, "d1", idx.DocumentID)
	require.Equal(t, "t1", idx.TenantID)
}

func TestQueueStatsEndpoint(t *testing.T) {
	env := newTestServer(t, activeKey(), nil)
	env.queue.stats = models.QueueStats{Waiting: 4, Completed: 10}

	rec := doJSON(env, http.MethodGet, "/v1/queues/outbound_send/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(4), stats.Waiting)

	rec = doJSON(env, http.MethodGet, "/v1/queues/bogus/stats", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
