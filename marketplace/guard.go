// Package marketplace holds the outbound clients: the marketplace REST API
// and the AI answering partner. Every call goes through a Guard, which
// spends rate budget and consults the circuit breaker before any network
// I/O and reports the outcome back to the breaker afterwards.
package marketplace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"marketplace-gateway/circuit"
	"marketplace-gateway/failure"
	"marketplace-gateway/logging"
	"marketplace-gateway/ratelimit"
)

// Downstream namespaces. Breakers and budgets of different downstreams
// never share keys.
const (
	DownstreamMarketplace = "marketplace"
	DownstreamAI          = "ai"
)

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Call identifies who an outbound request is made for.
type Call struct {
	Op             string
	AccountID      string
	OrganizationID string
}

// Response is a fully read downstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RequestFunc performs the network call. It must honor ctx.
type RequestFunc func(ctx context.Context) (*http.Response, error)

// Guard gates one downstream.
type Guard struct {
	downstream string
	budget     ratelimit.Budget
	breaker    *circuit.Breaker
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

func WithGuardClock(now func() time.Time) GuardOption { return func(g *Guard) { g.now = now } }

func WithGuardLogger(l *slog.Logger) GuardOption { return func(g *Guard) { g.logger = l } }

// NewGuard creates a guard for downstream. timeout bounds every call.
func NewGuard(downstream string, budget ratelimit.Budget, breaker *circuit.Breaker, timeout time.Duration, opts ...GuardOption) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if budget.Namespace == "" {
		budget.Namespace = downstream
	}
	g := &Guard{
		downstream: downstream,
		budget:     budget,
		breaker:    breaker,
		timeout:    timeout,
		logger:     logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) target(call Call) circuit.Target {
	return circuit.Target{Downstream: g.downstream, AccountID: call.AccountID, OrganizationID: call.OrganizationID}
}

// Do runs req when breaker and budget allow it and returns the 2xx
// response. The breaker is consulted first so rejected calls do not
// consume rate budget. Local rejections return RateLimited or CircuitOpen failures
// without calling req. Downstream failures are classified with
// failure.FromStatus; a timeout or transport error is Transient with
// status 0.
func (g *Guard) Do(ctx context.Context, call Call, req RequestFunc) (*Response, error) {
	op := g.downstream + "." + call.Op

	target := g.target(call)
	permit, err := g.breaker.CanExecute(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%s: circuit breaker: %w", op, err)
	}
	if !permit.Allowed {
		var retry time.Duration
		if now := g.now(); permit.RetryAt.After(now) {
			retry = permit.RetryAt.Sub(now)
		}
		g.logger.Info("outbound call rejected by open circuit", "op", op, "account_id", call.AccountID, "state", permit.State, "retry_after", retry)
		return nil, &failure.Error{Kind: failure.CircuitOpen, Op: op, RetryAfter: retry}
	}

	// Only calls that will actually go out take a budget slot.
	decision, err := g.budget.Acquire(ctx, call.OrganizationID, call.AccountID)
	if err == nil && !decision.Allowed && permit.Trial {
		err = g.breaker.ReleaseTrial(ctx, target)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
	}
	if !decision.Allowed {
		retry := decision.RetryAfter(g.now())
		g.logger.Info("outbound call rate limited", "op", op, "account_id", call.AccountID, "key", decision.Key, "retry_after", retry)
		return nil, &failure.Error{Kind: failure.RateLimited, Op: op, RetryAfter: retry}
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	httpResp, err := req(cctx)
	if err != nil {
		g.report(ctx, target, 0, err.Error())
		return nil, &failure.Error{Kind: failure.Transient, Op: op, Err: err}
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
	if err != nil {
		g.report(ctx, target, 0, err.Error())
		return nil, &failure.Error{Kind: failure.Transient, Op: op, Err: err}
	}
	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}

	switch {
	case resp.Status == http.StatusTooManyRequests:
		hint := ParseRetryAfter(resp.Header.Get("Retry-After"), g.now())
		snap, err := g.breaker.On429(ctx, target, hint)
		if err != nil {
			g.logger.Error("circuit breaker update failed", "op", op, "error", err)
		}
		retry := hint
		if snap.State == circuit.Open {
			if d := snap.NextRetryAt.Sub(g.now()); d > retry {
				retry = d
			}
		}
		fe := failure.FromStatus(op, resp.Status, fmt.Errorf("rate limited by downstream"))
		fe.RetryAfter = retry
		return nil, fe
	case resp.Status >= 200 && resp.Status < 300:
		if err := g.breaker.OnSuccess(ctx, target); err != nil {
			g.logger.Error("circuit breaker update failed", "op", op, "error", err)
		}
		return resp, nil
	default:
		msg := snippet(resp.Body)
		g.report(ctx, target, resp.Status, msg)
		return nil, failure.FromStatus(op, resp.Status, fmt.Errorf("http status %d: %s", resp.Status, msg))
	}
}

func (g *Guard) report(ctx context.Context, target circuit.Target, status int, msg string) {
	if err := g.breaker.OnOtherError(ctx, target, status, msg); err != nil {
		g.logger.Error("recording downstream error failed", "target", target.Key(), "error", err)
	}
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
