// Package workflow drives questions from the inbound webhook to the answer
// posted on the marketplace. It is the only caller of the outbound clients
// and the only writer of question status outside operator tooling.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketplace-gateway/approval"
	"marketplace-gateway/failure"
	"marketplace-gateway/intake"
	"marketplace-gateway/logging"
	"marketplace-gateway/marketplace"
	"marketplace-gateway/models"
	"marketplace-gateway/notify"
	"marketplace-gateway/question"
	"marketplace-gateway/store"
)

// Actors written to the audit trail.
const (
	actorWebhook = "webhook"
	actorAI      = "ai"
	actorRetry   = "retry-job"
	actorSend    = "sender"
)

var (
	// ErrNotReviewable is returned by Approve when the question is not
	// awaiting a decision.
	ErrNotReviewable = errors.New("question is not awaiting review")

	// ErrAlreadyDecided is returned by Approve when another channel
	// recorded the decision first.
	ErrAlreadyDecided = errors.New("question already decided")

	// ErrEmptyAnswer is returned by Approve when neither an answer nor a
	// suggestion is available.
	ErrEmptyAnswer = errors.New("answer text is empty")

	// ErrNotResumable is returned by Resume for questions not in TOKEN_ERROR.
	ErrNotResumable = errors.New("question is not waiting for a token refresh")
)

// MarketplaceAPI is the part of marketplace.Client the workflow uses.
type MarketplaceAPI interface {
	GetQuestion(ctx context.Context, acct *models.Account, externalID string) (*marketplace.QuestionDetails, error)
	PostAnswer(ctx context.Context, acct *models.Account, externalID, text string) error
}

// SuggestionRequester is the part of marketplace.AIClient the workflow uses.
type SuggestionRequester interface {
	RequestSuggestion(ctx context.Context, q *models.Question) error
}

// Config holds workflow tunables.
type Config struct {
	ApprovalBaseURL string
	TokenTTL        time.Duration
	MaxRetries      int
}

// Deps are the collaborators of a Workflow.
type Deps struct {
	Store       *store.Store
	Machine     *question.Machine
	Tokens      *approval.Service
	Marketplace MarketplaceAPI
	AI          SuggestionRequester
	Notifier    notify.Notifier
}

type Workflow struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

func WithClock(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }

func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

func New(deps Deps, cfg Config, opts ...Option) *Workflow {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	w := &Workflow{cfg: cfg, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{Logger: w.logger}
	}
	w.Deps = deps
	return w
}

// AIAnswer is the body the AI partner posts back.
type AIAnswer struct {
	QuestionID string `json:"question_id" validate:"required,max=64"`
	AccountID  string `json:"account_id" validate:"max=64"`
	Answer     string `json:"answer" validate:"required"`
	AttemptID  string `json:"attempt_id" validate:"max=128"`
}

func permanent(op, format string, args ...any) error {
	return failure.New(failure.Permanent, op, fmt.Errorf(format, args...))
}

// HandleRecord dispatches a claimed webhook record by topic. Topics without
// business handling are absorbed.
func (w *Workflow) HandleRecord(ctx context.Context, rec *models.WebhookRecord) error {
	switch rec.Topic {
	case intake.TopicQuestions:
		return w.HandleQuestionEvent(ctx, rec)
	case intake.TopicAIAnswer:
		return w.HandleAISuggestion(ctx, rec)
	default:
		w.logger.Debug("webhook topic absorbed", "record_id", rec.ID, "topic", rec.Topic)
		return nil
	}
}

// HandleQuestionEvent creates the question named by a questions webhook and
// asks the AI partner for a suggestion. A question that already exists is
// left alone.
func (w *Workflow) HandleQuestionEvent(ctx context.Context, rec *models.WebhookRecord) error {
	const op = "workflow.question_event"
	externalID := strings.TrimSpace(rec.ResourceID)
	if externalID == "" {
		return permanent(op, "record %s has no question id", rec.ID)
	}
	acct, err := w.Store.Account(ctx, rec.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return permanent(op, "unknown account %q", rec.UserID)
	}
	if err != nil {
		return err
	}

	if _, err := w.Store.QuestionByExternalID(ctx, acct.ID, externalID); err == nil {
		w.logger.Debug("question already known", "external_id", externalID, "account_id", acct.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	details, err := w.Marketplace.GetQuestion(ctx, acct, externalID)
	if failure.Is(err, failure.Unauthorized) {
		// Keep the question so it can be resumed once the token is refreshed.
		_, created, cerr := w.Machine.Create(ctx, &models.Question{
			ExternalID:     externalID,
			AccountID:      acct.ID,
			OrganizationID: acct.OrganizationID,
			LastError:      err.Error(),
		}, question.TokenError, actorWebhook)
		if cerr != nil {
			return cerr
		}
		if created {
			w.logger.Warn("marketplace rejected account token", "account_id", acct.ID, "external_id", externalID)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if details.Answered() {
		w.logger.Info("question already answered on the marketplace", "external_id", externalID)
		return nil
	}
	if s := strings.ToUpper(details.Status); s != "" && s != "UNANSWERED" {
		w.logger.Info("question not answerable", "external_id", externalID, "marketplace_status", details.Status)
		return nil
	}

	q, created, err := w.Machine.Create(ctx, &models.Question{
		ExternalID:     externalID,
		AccountID:      acct.ID,
		OrganizationID: acct.OrganizationID,
		ItemID:         details.ItemID,
		Text:           details.Text,
	}, question.Pending, actorWebhook)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return w.requestSuggestion(ctx, q, question.Pending, question.Change{})
}

// requestSuggestion moves q from -> PROCESSING and calls the AI partner. A
// transient failure puts the question back to PENDING for the retry job; a
// permanent one ends it in ERROR.
func (w *Workflow) requestSuggestion(ctx context.Context, q *models.Question, from question.Status, change question.Change) error {
	err := w.Machine.Transition(ctx, q.ID, from, question.Processing, change, actorAI)
	if errors.Is(err, question.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	callErr := w.AI.RequestSuggestion(ctx, q)
	if callErr == nil {
		return nil
	}
	msg := callErr.Error()
	if failure.Retryable(callErr) {
		w.logger.Info("AI request deferred", "question_id", q.ID, "error", msg)
		return w.ignoreConflict(w.Machine.Transition(ctx, q.ID, question.Processing, question.Pending,
			question.Change{LastError: &msg}, actorAI))
	}
	w.logger.Warn("AI request failed permanently", "question_id", q.ID, "error", msg)
	if err := w.ignoreConflict(w.Machine.Transition(ctx, q.ID, question.Processing, question.Error,
		question.Change{LastError: &msg}, actorAI)); err != nil {
		return err
	}
	_, err = w.Tokens.InvalidateAll(ctx, q.ID)
	return err
}

func (w *Workflow) ignoreConflict(err error) error {
	if errors.Is(err, question.ErrConflict) {
		return nil
	}
	return err
}

// HandleAISuggestion stores the partner's suggestion, moves the question to
// REVIEWING and sends the approval link.
func (w *Workflow) HandleAISuggestion(ctx context.Context, rec *models.WebhookRecord) error {
	const op = "workflow.ai_suggestion"
	var ans AIAnswer
	if err := json.Unmarshal(rec.Payload, &ans); err != nil {
		return permanent(op, "decode ai answer: %v", err)
	}
	ans.Answer = strings.TrimSpace(ans.Answer)
	if ans.QuestionID == "" || ans.Answer == "" {
		return permanent(op, "ai answer without question id or text")
	}

	q, err := w.Machine.Get(ctx, ans.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		return permanent(op, "unknown question %q", ans.QuestionID)
	}
	if err != nil {
		return err
	}

	from := question.Status(q.Status)
	if from != question.Processing && from != question.Pending {
		w.logger.Info("AI suggestion ignored", "question_id", q.ID, "status", q.Status)
		return nil
	}
	err = w.Machine.Transition(ctx, q.ID, from, question.Reviewing,
		question.Change{AISuggestion: &ans.Answer, ClearDecision: true}, actorAI)
	if errors.Is(err, question.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	q.AISuggestion = ans.Answer
	w.offerApproval(ctx, q)
	return nil
}

// offerApproval issues a token and hands the link to the notifier. Failures
// are logged; the operator API can still approve the question.
func (w *Workflow) offerApproval(ctx context.Context, q *models.Question) {
	token, err := w.Tokens.Issue(ctx, q.ID, q.AccountID, q.OrganizationID, w.cfg.TokenTTL)
	if err != nil {
		w.logger.Error("issuing approval token failed", "question_id", q.ID, "error", err)
		return
	}
	link := strings.TrimRight(w.cfg.ApprovalBaseURL, "/") + "/answer/" + token
	err = w.Notifier.NotifyApproval(ctx, notify.ApprovalRequest{
		QuestionID:     q.ID,
		ExternalID:     q.ExternalID,
		AccountID:      q.AccountID,
		OrganizationID: q.OrganizationID,
		Question:       q.Text,
		Suggestion:     q.AISuggestion,
		Link:           link,
	})
	if err != nil {
		w.logger.Error("approval notification failed", "question_id", q.ID, "error", err)
	}
}

// Approve records the human decision and posts the answer. An empty answer
// approves the AI suggestion as is. channel names the path the decision came
// through ("link", "operator:<subject>").
//
// The returned status is where the question ended: RESPONDED, FAILED (kept
// for the retry job) or ERROR.
func (w *Workflow) Approve(ctx context.Context, questionID, answer, channel string) (question.Status, error) {
	q, err := w.Machine.Get(ctx, questionID)
	if err != nil {
		return "", err
	}
	if question.Status(q.Status) != question.Reviewing {
		return question.Status(q.Status), ErrNotReviewable
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = q.AISuggestion
	}
	if answer == "" {
		return question.Reviewing, ErrEmptyAnswer
	}

	claimed, err := w.Store.ClaimDecision(ctx, q.ID, string(question.Reviewing), answer, w.now().UTC())
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", ErrAlreadyDecided
	}
	w.Machine.Annotate(ctx, q.ID, channel, "decision recorded")
	q.FinalAnswer = answer
	return w.send(ctx, q, question.Reviewing)
}

// send posts q.FinalAnswer and moves the question from -> RESPONDED, FAILED
// or ERROR depending on the outcome.
func (w *Workflow) send(ctx context.Context, q *models.Question, from question.Status) (question.Status, error) {
	acct, err := w.Store.Account(ctx, q.AccountID)
	var sendErr error
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendErr = permanent("workflow.send", "unknown account %q", q.AccountID)
	case err != nil:
		return "", err
	default:
		sendErr = w.Marketplace.PostAnswer(ctx, acct, q.ExternalID, q.FinalAnswer)
	}

	if sendErr == nil {
		if err := w.Machine.Transition(ctx, q.ID, from, question.Responded,
			question.Change{FinalAnswer: &q.FinalAnswer}, actorSend); err != nil {
			return "", err
		}
		if _, err := w.Tokens.InvalidateAll(ctx, q.ID); err != nil {
			return question.Responded, err
		}
		w.logger.Info("answer posted", "question_id", q.ID, "external_id", q.ExternalID)
		return question.Responded, nil
	}

	msg := failureMessage(sendErr)
	if failure.Retryable(sendErr) || failure.Is(sendErr, failure.Unauthorized) {
		w.logger.Warn("answer not posted, kept for retry", "question_id", q.ID, "error", msg)
		err := w.Machine.Transition(ctx, q.ID, from, question.Failed,
			question.Change{FinalAnswer: &q.FinalAnswer, LastError: &msg}, actorSend)
		if err != nil {
			return "", err
		}
		return question.Failed, nil
	}

	w.logger.Warn("answer rejected permanently", "question_id", q.ID, "error", msg)
	if err := w.Machine.Transition(ctx, q.ID, from, question.Error,
		question.Change{LastError: &msg}, actorSend); err != nil {
		return "", err
	}
	if _, err := w.Tokens.InvalidateAll(ctx, q.ID); err != nil {
		return question.Error, err
	}
	return question.Error, nil
}

// failureMessage is the LastError text for err. Token rejections carry
// models.TokenRejectedPrefix so the retry job waits for a token refresh.
func failureMessage(err error) string {
	if failure.Is(err, failure.Unauthorized) {
		return models.TokenRejectedPrefix + err.Error()
	}
	return err.Error()
}

// RetryQuestion advances a question left behind in FAILED, PENDING or
// PROCESSING, or in REVIEWING with a decision that was never sent. A
// question that already has an answer is reconciled against the marketplace
// before resending, since a timed-out post may have landed.
func (w *Workflow) RetryQuestion(ctx context.Context, q *models.Question) error {
	st, ok := question.Normalize(q.Status)
	if !ok || st.IsTerminal() || st == question.TokenError {
		return nil
	}
	if st == question.Reviewing {
		if q.ApprovedAt == nil || q.FinalAnswer == "" {
			return nil
		}
		w.logger.Warn("decision was never sent, resuming", "question_id", q.ID, "approved_at", *q.ApprovedAt)
		return w.reconcileAndSend(ctx, q, question.Reviewing)
	}

	if q.RetryCount >= w.cfg.MaxRetries {
		msg := fmt.Sprintf("gave up after %d retries: %s", q.RetryCount, q.LastError)
		w.logger.Warn("question retries exhausted", "question_id", q.ID, "retries", q.RetryCount)
		if err := w.ignoreConflict(w.Machine.Transition(ctx, q.ID, st, question.Error,
			question.Change{LastError: &msg}, actorRetry)); err != nil {
			return err
		}
		_, err := w.Tokens.InvalidateAll(ctx, q.ID)
		return err
	}

	if q.FinalAnswer == "" {
		switch st {
		case question.Processing:
			// The AI partner never called back.
			msg := "AI suggestion not received"
			if err := w.Machine.Transition(ctx, q.ID, st, question.Pending,
				question.Change{LastError: &msg}, actorRetry); err != nil {
				return w.ignoreConflict(err)
			}
			return w.requestSuggestion(ctx, q, question.Pending, question.Change{IncrementRetry: true})
		default:
			return w.requestSuggestion(ctx, q, st, question.Change{IncrementRetry: true})
		}
	}

	if st == question.Pending {
		return nil
	}
	if st == question.Failed {
		err := w.Machine.Transition(ctx, q.ID, question.Failed, question.Processing,
			question.Change{IncrementRetry: true}, actorRetry)
		if err != nil {
			return w.ignoreConflict(err)
		}
	}
	return w.reconcileAndSend(ctx, q, question.Processing)
}

// reconcileAndSend re-queries the marketplace for a question in from that
// carries an answer and only posts when the answer is not there yet.
func (w *Workflow) reconcileAndSend(ctx context.Context, q *models.Question, from question.Status) error {
	acct, err := w.Store.Account(ctx, q.AccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if acct != nil {
		details, err := w.Marketplace.GetQuestion(ctx, acct, q.ExternalID)
		if err != nil {
			msg := failureMessage(err)
			return w.ignoreConflict(w.Machine.Transition(ctx, q.ID, from, question.Failed,
				question.Change{LastError: &msg}, actorRetry))
		}
		if details.Answered() {
			w.logger.Info("answer found on marketplace, skipping resend", "question_id", q.ID)
			if err := w.Machine.Transition(ctx, q.ID, from, question.Responded,
				question.Change{Note: "reconciled"}, actorRetry); err != nil {
				return w.ignoreConflict(err)
			}
			_, err := w.Tokens.InvalidateAll(ctx, q.ID)
			return err
		}
	}
	_, err = w.send(ctx, q, from)
	return w.ignoreConflict(err)
}

// Resume restarts a TOKEN_ERROR question after the account token was
// refreshed: the question is fetched again and handed to the AI partner.
func (w *Workflow) Resume(ctx context.Context, questionID string) error {
	q, err := w.Machine.Get(ctx, questionID)
	if err != nil {
		return err
	}
	if question.Status(q.Status) != question.TokenError {
		return ErrNotResumable
	}
	acct, err := w.Store.Account(ctx, q.AccountID)
	if err != nil {
		return err
	}
	details, err := w.Marketplace.GetQuestion(ctx, acct, q.ExternalID)
	if err != nil {
		return err
	}
	q.Text, q.ItemID = details.Text, details.ItemID
	err = w.Machine.Transition(ctx, q.ID, question.TokenError, question.Pending, question.Change{
		Text:       &q.Text,
		ItemID:     &q.ItemID,
		ResetRetry: true,
		Note:       "resumed",
	}, "operator")
	if err != nil {
		return err
	}
	return w.requestSuggestion(ctx, q, question.Pending, question.Change{})
}
