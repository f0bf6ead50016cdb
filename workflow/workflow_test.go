package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-gateway/approval"
	"marketplace-gateway/failure"
	"marketplace-gateway/intake"
	"marketplace-gateway/marketplace"
	"marketplace-gateway/models"
	"marketplace-gateway/notify"
	"marketplace-gateway/question"
	"marketplace-gateway/store"
	"marketplace-gateway/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMarketplace struct {
	mu       sync.Mutex
	gets     int
	getErr   error
	details  marketplace.QuestionDetails
	postErr  error
	posted   []string
	answered bool
}

func (f *fakeMarketplace) GetQuestion(_ context.Context, _ *models.Account, externalID string) (*marketplace.QuestionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	d := f.details
	if f.answered {
		d.Status = "ANSWERED"
	}
	return &d, nil
}

func (f *fakeMarketplace) PostAnswer(_ context.Context, _ *models.Account, externalID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, externalID+":"+text)
	return nil
}

type fakeAI struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeAI) RequestSuggestion(_ context.Context, q *models.Question) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q.ID)
	return f.err
}

type env struct {
	wf       *Workflow
	st       *store.Store
	in       *intake.Intake
	tokens   *approval.Service
	market   *fakeMarketplace
	ai       *fakeAI
	notifier *notify.Recorder
	clock    *testutil.Clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.New(testutil.NewDB(t))
	clock := testutil.NewClock(t0)
	require.NoError(t, st.UpsertAccount(context.Background(), &models.Account{
		ID: "123456", OrganizationID: "ORG", AccessToken: "APP_USR-1", CreatedAt: t0, UpdatedAt: t0,
	}))
	e := &env{
		st:       st,
		in:       intake.New(st, intake.WithClock(clock.Now)),
		tokens:   approval.New(st, approval.WithClock(clock.Now)),
		market:   &fakeMarketplace{details: marketplace.QuestionDetails{ID: "777", Text: "Is it waterproof?", Status: "UNANSWERED", ItemID: "MLB1"}},
		ai:       &fakeAI{},
		notifier: &notify.Recorder{},
		clock:    clock,
	}
	e.wf = New(Deps{
		Store:       st,
		Machine:     question.NewMachine(st, question.WithClock(clock.Now)),
		Tokens:      e.tokens,
		Marketplace: e.market,
		AI:          e.ai,
		Notifier:    e.notifier,
	}, Config{ApprovalBaseURL: "https://gw.example/", TokenTTL: 24 * time.Hour, MaxRetries: 3}, WithClock(clock.Now))
	return e
}

func questionEvent() intake.Event {
	ev, _ := intake.ParseEvent([]byte(`{"topic":"questions","resource":"/questions/777","user_id":123456,"sent":"2026-03-01T12:00:00.000Z"}`))
	return ev
}

func aiEvent(questionID, answer string) intake.Event {
	body := `{"question_id":"` + questionID + `","account_id":"123456","answer":"` + answer + `","attempt_id":"1"}`
	return intake.Event{
		Topic:      intake.TopicAIAnswer,
		Resource:   "/questions/" + questionID,
		ResourceID: intake.FlexString(questionID),
		UserID:     "123456",
		AttemptID:  "1",
		Raw:        []byte(body),
	}
}

// deliver runs an event through intake and the handler the way a worker does.
func (e *env) deliver(t *testing.T, ev intake.Event) intake.Result {
	t.Helper()
	ctx := context.Background()
	res, err := e.in.Submit(ctx, ev)
	require.NoError(t, err)
	if !res.Applied {
		return res
	}
	claimed, err := e.in.MarkProcessing(ctx, res.RecordID)
	require.NoError(t, err)
	require.True(t, claimed)
	rec, err := e.st.WebhookByID(ctx, res.RecordID)
	require.NoError(t, err)
	if herr := e.wf.HandleRecord(ctx, rec); herr != nil {
		require.NoError(t, e.in.MarkFailed(ctx, res.RecordID, herr, failure.Retryable(herr)))
	} else {
		require.NoError(t, e.in.MarkCompleted(ctx, res.RecordID))
	}
	return res
}

func (e *env) question(t *testing.T) *models.Question {
	t.Helper()
	q, err := e.st.QuestionByExternalID(context.Background(), "123456", "777")
	require.NoError(t, err)
	return q
}

func (e *env) statuses(t *testing.T, questionID string) []string {
	t.Helper()
	events, err := e.st.QuestionEvents(context.Background(), questionID)
	require.NoError(t, err)
	var out []string
	for _, ev := range events {
		if ev.To != "" && !ev.Rejected {
			out = append(out, ev.To)
		}
	}
	return out
}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	const prefix = "https://gw.example/answer/"
	require.True(t, strings.HasPrefix(link, prefix), link)
	return strings.TrimPrefix(link, prefix)
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.deliver(t, questionEvent())
	rec, _ := e.st.WebhookByID(ctx, res.RecordID)
	assert.Equal(t, models.WebhookCompleted, rec.Status)

	q := e.question(t)
	assert.Equal(t, string(question.Processing), q.Status)
	assert.Equal(t, "Is it waterproof?", q.Text)
	assert.Equal(t, []string{q.ID}, e.ai.calls)

	e.deliver(t, aiEvent(q.ID, "Yes, it is IP68."))
	q = e.question(t)
	assert.Equal(t, string(question.Reviewing), q.Status)
	assert.Equal(t, "Yes, it is IP68.", q.AISuggestion)
	require.Len(t, e.notifier.Requests, 1)
	token := tokenFromLink(t, e.notifier.Requests[0].Link)

	v, err := e.tokens.Validate(ctx, token)
	require.NoError(t, err)
	require.True(t, v.Valid)
	ok, err := e.tokens.Consume(ctx, token, models.ApprovalApprove)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := e.wf.Approve(ctx, q.ID, "", "link")
	require.NoError(t, err)
	assert.Equal(t, question.Responded, status)
	assert.Equal(t, []string{"777:Yes, it is IP68."}, e.market.posted)

	q = e.question(t)
	assert.Equal(t, string(question.Responded), q.Status)
	assert.NotNil(t, q.SentAt)
	assert.NotNil(t, q.ApprovedAt)
	assert.Equal(t, []string{"PENDING", "PROCESSING", "REVIEWING", "RESPONDED"}, e.statuses(t, q.ID))
}

func TestDuplicateDeliveryTouchesQuestionOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.deliver(t, questionEvent())
	second := e.deliver(t, questionEvent())
	third := e.deliver(t, questionEvent())
	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.False(t, third.Applied)

	var n int64
	require.NoError(t, e.st.DB().Model(&models.WebhookRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, e.market.gets)
	assert.Len(t, e.ai.calls, 1)

	var questions int64
	require.NoError(t, e.st.DB().WithContext(ctx).Model(&models.Question{}).Count(&questions).Error)
	assert.Equal(t, int64(1), questions)
}

func TestTokenErrorThenResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.market.getErr = failure.FromStatus("marketplace.get_question", 401, errors.New("invalid_token"))

	e.deliver(t, questionEvent())
	q := e.question(t)
	assert.Equal(t, string(question.TokenError), q.Status)
	assert.Empty(t, e.ai.calls)

	// Still unauthorized: nothing moves.
	assert.Error(t, e.wf.Resume(ctx, q.ID))
	assert.Equal(t, string(question.TokenError), e.question(t).Status)

	e.market.getErr = nil
	require.NoError(t, e.wf.Resume(ctx, q.ID))
	q = e.question(t)
	assert.Equal(t, string(question.Processing), q.Status)
	assert.Equal(t, "Is it waterproof?", q.Text)
	assert.Len(t, e.ai.calls, 1)

	assert.ErrorIs(t, e.wf.Resume(ctx, q.ID), ErrNotResumable)
}

func TestAITransientFailureGoesBackToPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ai.err = &failure.Error{Kind: failure.CircuitOpen, Op: "ai.request_suggestion"}

	e.deliver(t, questionEvent())
	q := e.question(t)
	assert.Equal(t, string(question.Pending), q.Status)
	assert.Contains(t, q.LastError, "CIRCUIT_OPEN")

	e.ai.err = nil
	require.NoError(t, e.wf.RetryQuestion(ctx, q))
	q = e.question(t)
	assert.Equal(t, string(question.Processing), q.Status)
	assert.Equal(t, 1, q.RetryCount)
}

func TestAIPermanentFailureEndsInError(t *testing.T) {
	e := newEnv(t)
	e.ai.err = failure.FromStatus("ai.request_suggestion", 400, errors.New("bad request"))

	e.deliver(t, questionEvent())
	assert.Equal(t, string(question.Error), e.question(t).Status)
}

func reviewing(t *testing.T, e *env) *models.Question {
	t.Helper()
	e.deliver(t, questionEvent())
	q := e.question(t)
	e.deliver(t, aiEvent(q.ID, "Yes."))
	return e.question(t)
}

func TestApprove_TransientSendKeepsAnswerForRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)

	e.market.postErr = failure.FromStatus("marketplace.post_answer", 503, errors.New("unavailable"))
	status, err := e.wf.Approve(ctx, q.ID, "Yes, fully waterproof.", "operator:ops")
	require.NoError(t, err)
	assert.Equal(t, question.Failed, status)

	q = e.question(t)
	assert.Equal(t, string(question.Failed), q.Status)
	assert.Equal(t, "Yes, fully waterproof.", q.FinalAnswer)

	e.market.postErr = nil
	require.NoError(t, e.wf.RetryQuestion(ctx, q))
	q = e.question(t)
	assert.Equal(t, string(question.Responded), q.Status)
	assert.Equal(t, []string{"777:Yes, fully waterproof."}, e.market.posted)
}

func TestRetry_ReconcilesAlreadyPostedAnswer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)

	e.market.postErr = &failure.Error{Kind: failure.Transient, Op: "marketplace.post_answer", Err: context.DeadlineExceeded}
	e.wf.Approve(ctx, q.ID, "", "link")

	// The timed-out post actually landed.
	e.market.postErr = nil
	e.market.answered = true
	require.NoError(t, e.wf.RetryQuestion(ctx, e.question(t)))

	q = e.question(t)
	assert.Equal(t, string(question.Responded), q.Status)
	assert.Empty(t, e.market.posted, "no second post")
}

func TestApprove_OnlyFirstDecisionWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)
	e.market.postErr = failure.FromStatus("marketplace.post_answer", 503, nil)

	_, err := e.wf.Approve(ctx, q.ID, "first", "link")
	require.NoError(t, err)
	_, err = e.wf.Approve(ctx, q.ID, "second", "operator:ops")
	assert.ErrorIs(t, err, ErrNotReviewable)
	assert.Equal(t, "first", e.question(t).FinalAnswer)
}

func TestApprove_PermanentRejectionInvalidatesLinks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)
	token := tokenFromLink(t, e.notifier.Requests[0].Link)

	e.market.postErr = failure.FromStatus("marketplace.post_answer", 400, errors.New("question closed"))
	status, err := e.wf.Approve(ctx, q.ID, "", "operator:ops")
	require.NoError(t, err)
	assert.Equal(t, question.Error, status)

	v, err := e.tokens.Validate(ctx, token)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ai.err = &failure.Error{Kind: failure.Transient, Op: "ai.request_suggestion"}
	e.deliver(t, questionEvent())

	for i := 0; i < 3; i++ {
		require.NoError(t, e.wf.RetryQuestion(ctx, e.question(t)))
	}
	q := e.question(t)
	assert.Equal(t, 3, q.RetryCount)
	assert.Equal(t, string(question.Pending), q.Status)

	require.NoError(t, e.wf.RetryQuestion(ctx, q))
	q = e.question(t)
	assert.Equal(t, string(question.Error), q.Status)
	assert.Contains(t, q.LastError, "gave up")
}

func TestUnknownAccountIsPermanent(t *testing.T) {
	e := newEnv(t)
	ev, _ := intake.ParseEvent([]byte(`{"topic":"questions","resource":"/questions/1","user_id":999}`))
	res := e.deliver(t, ev)
	rec, _ := e.st.WebhookByID(context.Background(), res.RecordID)
	assert.Equal(t, models.WebhookFailedPermanent, rec.Status)
}

func TestOtherTopicsAreAbsorbed(t *testing.T) {
	e := newEnv(t)
	ev, _ := intake.ParseEvent([]byte(`{"topic":"orders_v2","resource":"/orders/1","user_id":123456}`))
	res := e.deliver(t, ev)
	rec, _ := e.st.WebhookByID(context.Background(), res.RecordID)
	assert.Equal(t, models.WebhookCompleted, rec.Status)
	assert.Zero(t, e.market.gets)
}

func TestLateAISuggestionIsIgnored(t *testing.T) {
	e := newEnv(t)
	q := reviewing(t, e)
	e.deliver(t, intake.Event{
		Topic: intake.TopicAIAnswer, ResourceID: intake.FlexString(q.ID), AttemptID: "2",
		Raw: []byte(`{"question_id":"` + q.ID + `","answer":"Different."}`),
	})
	q = e.question(t)
	assert.Equal(t, "Yes.", q.AISuggestion)
	assert.Len(t, e.notifier.Requests, 1)
}

func TestRetry_ResumesDecisionThatWasNeverSent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)

	// The decision was claimed but the process stopped before posting.
	claimed, err := e.st.ClaimDecision(ctx, q.ID, string(question.Reviewing), "Yes, it is.", t0)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = e.wf.Approve(ctx, q.ID, "again", "link")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	stuck, err := e.st.ListDecidedUnsent(ctx, string(question.Reviewing), t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	gets := e.market.gets
	require.NoError(t, e.wf.RetryQuestion(ctx, &stuck[0]))
	q = e.question(t)
	assert.Equal(t, string(question.Responded), q.Status)
	assert.Equal(t, []string{"777:Yes, it is."}, e.market.posted)
	assert.Equal(t, gets+1, e.market.gets, "reconciled before posting")
}

func TestRetry_UndecidedReviewIsLeftAlone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)

	require.NoError(t, e.wf.RetryQuestion(ctx, q))
	assert.Equal(t, string(question.Reviewing), e.question(t).Status)
	assert.Empty(t, e.market.posted)
}

func TestApprove_RejectedTokenWaitsForRefresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	q := reviewing(t, e)

	e.market.postErr = failure.FromStatus("marketplace.post_answer", 401, errors.New("invalid access token"))
	status, err := e.wf.Approve(ctx, q.ID, "", "link")
	require.NoError(t, err)
	assert.Equal(t, question.Failed, status)

	q = e.question(t)
	assert.True(t, strings.HasPrefix(q.LastError, models.TokenRejectedPrefix), q.LastError)
	assert.Equal(t, "Yes.", q.FinalAnswer)

	later := t0.Add(time.Hour)
	due, err := e.st.ListRetryableFailed(ctx, string(question.Failed), later, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "no retries until the token is refreshed")

	ok, err := e.st.UpdateAccount(ctx, "123456", "ORG", map[string]any{"access_token": "APP_USR-2", "updated_at": t0.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)

	due, err = e.st.ListRetryableFailed(ctx, string(question.Failed), later, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	e.market.postErr = nil
	require.NoError(t, e.wf.RetryQuestion(ctx, &due[0]))
	assert.Equal(t, string(question.Responded), e.question(t).Status)
	assert.Equal(t, []string{"777:Yes."}, e.market.posted)
}
