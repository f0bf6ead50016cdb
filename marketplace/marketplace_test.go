package marketplace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-gateway/circuit"
	"marketplace-gateway/failure"
	"marketplace-gateway/models"
	"marketplace-gateway/ratelimit"
	"marketplace-gateway/testutil"
	"marketplace-gateway/utils"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu       sync.Mutex
	statuses []int
}

func (r *memRecorder) RecordFailure(_ context.Context, _ circuit.Target, status int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

type harness struct {
	clock    *testutil.Clock
	breaker  *circuit.Breaker
	recorder *memRecorder
	guard    *Guard
}

func newHarness(downstream string, accountLimit int, timeout time.Duration) *harness {
	clock := testutil.NewClock(t0)
	rec := &memRecorder{}
	breaker := circuit.New(circuit.NewMemory(clock.Now), circuit.DefaultConfig(),
		circuit.WithClock(clock.Now), circuit.WithRecorder(rec))
	budget := ratelimit.Budget{
		Limiter:      ratelimit.NewMemory(clock.Now),
		AccountLimit: accountLimit,
		OrgLimit:     1000,
		Window:       time.Hour,
	}
	return &harness{
		clock:    clock,
		breaker:  breaker,
		recorder: rec,
		guard:    NewGuard(downstream, budget, breaker, timeout, WithGuardClock(clock.Now)),
	}
}

var account = &models.Account{ID: "A1", OrganizationID: "ORG", AccessToken: "APP_USR-123"}

func TestParseRetryAfter(t *testing.T) {
	now := t0
	assert.Equal(t, 120*time.Second, ParseRetryAfter("120", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter("-5", now))
	assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestClient_GetQuestion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/questions/123", r.URL.Path)
		assert.Equal(t, "Bearer APP_USR-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":123,"text":"Is it waterproof?","status":"UNANSWERED","item_id":"MLB1","seller_id":999,"answer":null}`)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 10, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())

	q, err := c.GetQuestion(context.Background(), account, "123")
	require.NoError(t, err)
	assert.Equal(t, "123", q.ID.String())
	assert.Equal(t, "Is it waterproof?", q.Text)
	assert.Equal(t, "MLB1", q.ItemID)
	assert.False(t, q.Answered())
}

func TestClient_PostAnswer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/answers", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 10, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	require.NoError(t, c.PostAnswer(context.Background(), account, "123", "Yes, IP68."))
	assert.Equal(t, float64(123), got["question_id"])
	assert.Equal(t, "Yes, IP68.", got["text"])
}

func TestGuard_RateExhaustionMakesNoNetworkCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"id":1}`)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 2, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		require.NoError(t, err)
	}
	_, err := c.GetQuestion(ctx, account, "1")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.RateLimited))
	assert.Equal(t, time.Hour, failure.RetryAfterOf(err))
	assert.True(t, failure.Retryable(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestGuard_429StormOpensCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 100, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.Transient))
	}
	snap, _ := h.breaker.State(ctx, circuit.Target{Downstream: DownstreamMarketplace, AccountID: "A1"})
	assert.Equal(t, circuit.Open, snap.State)

	_, err := c.GetQuestion(ctx, account, "1")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CircuitOpen))
	assert.Equal(t, 30*time.Second, failure.RetryAfterOf(err))
	assert.Equal(t, int32(3), hits.Load(), "open circuit rejects locally")
}

func TestGuard_OpenCircuitDoesNotConsumeBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"text":"ok?","item_id":"MLB1","status":"UNANSWERED"}`))
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 5, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		require.Error(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.CircuitOpen))
	}

	h.clock.Advance(31 * time.Second)
	_, err := c.GetQuestion(ctx, account, "1")
	require.NoError(t, err, "trial call must not be starved by rejected calls")
	assert.Equal(t, int32(4), hits.Load())

	snap, err := h.breaker.State(ctx, circuit.Target{Downstream: DownstreamMarketplace, AccountID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, circuit.Closed, snap.State)
}

func TestGuard_RateLimitedTrialReleasesLease(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 3, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		require.Error(t, err)
	}
	h.clock.Advance(31 * time.Second)

	for i := 0; i < 2; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.RateLimited), "call %d: %v", i, err)
	}
	assert.Equal(t, int32(3), hits.Load())

	snap, err := h.breaker.State(ctx, circuit.Target{Downstream: DownstreamMarketplace, AccountID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, circuit.HalfOpen, snap.State)
	assert.True(t, snap.TrialUntil.IsZero())
}

func TestGuard_RetryAfterHeaderIsFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 100, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	ctx := context.Background()

	var err error
	for i := 0; i < 3; i++ {
		_, err = c.GetQuestion(ctx, account, "1")
	}
	assert.Equal(t, 300*time.Second, failure.RetryAfterOf(err))

	h.clock.Advance(time.Minute)
	_, err = c.GetQuestion(ctx, account, "1")
	assert.True(t, failure.Is(err, failure.CircuitOpen))
}

func TestGuard_UnauthorizedDoesNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"invalid_token"}`)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 100, time.Second)
	c := NewClient(srv.URL, h.guard, srv.Client())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.GetQuestion(ctx, account, "1")
		assert.True(t, failure.Is(err, failure.Unauthorized))
		assert.False(t, failure.Retryable(err))
	}
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, []int{401, 401, 401, 401, 401}, h.recorder.statuses)
}

func TestGuard_TimeoutIsTransientAndRecorded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(DownstreamMarketplace, 100, 50*time.Millisecond)
	c := NewClient(srv.URL, h.guard, srv.Client())

	_, err := c.GetQuestion(context.Background(), account, "1")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Transient))
	assert.Equal(t, []int{0}, h.recorder.statuses)

	snap, _ := h.breaker.State(context.Background(), circuit.Target{Downstream: DownstreamMarketplace, AccountID: "A1"})
	assert.Equal(t, circuit.Closed, snap.State)
}

func TestGuard_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newHarness(DownstreamMarketplace, 100, time.Second)
	_, err := NewClient(srv.URL, h.guard, srv.Client()).GetQuestion(context.Background(), account, "1")
	assert.True(t, failure.Is(err, failure.Transient))

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.Status)
}

func TestClient_MissingTokenFailsLocally(t *testing.T) {
	h := newHarness(DownstreamMarketplace, 100, time.Second)
	c := NewClient("http://127.0.0.1:1", h.guard, nil)
	_, err := c.GetQuestion(context.Background(), &models.Account{ID: "A1"}, "1")
	assert.True(t, failure.Is(err, failure.Unauthorized))
}

func TestAIClient_SignsRequest(t *testing.T) {
	const secret = "s3cret"
	var req SuggestionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, utils.VerifySignature(secret, body, r.Header.Get(utils.SignatureHeader)))
		json.Unmarshal(body, &req)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHarness(DownstreamAI, 100, time.Second)
	ai := NewAIClient(srv.URL, "https://gw.example/webhooks/ai-answer", secret, h.guard, srv.Client())
	q := &models.Question{ID: "q-1", ExternalID: "123", AccountID: "A1", OrganizationID: "ORG", Text: "Is it waterproof?"}

	require.NoError(t, ai.RequestSuggestion(context.Background(), q))
	assert.Equal(t, "q-1", req.QuestionID)
	assert.Equal(t, "https://gw.example/webhooks/ai-answer", req.CallbackURL)
}

func TestAIClient_Unconfigured(t *testing.T) {
	h := newHarness(DownstreamAI, 100, time.Second)
	err := NewAIClient("", "", "", h.guard, nil).RequestSuggestion(context.Background(), &models.Question{})
	assert.True(t, failure.Is(err, failure.Permanent))
}
