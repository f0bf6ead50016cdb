// Package notify delivers approval links to the seller. Message formatting
// and the messaging channel itself live outside the gateway; this package
// only hands over the link.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ApprovalRequest is sent when a question is ready for human review.
type ApprovalRequest struct {
	QuestionID     string `json:"question_id"`
	ExternalID     string `json:"external_id"`
	AccountID      string `json:"account_id"`
	OrganizationID string `json:"organization_id"`
	Question       string `json:"question"`
	Suggestion     string `json:"suggestion"`
	Link           string `json:"link"`
}

type Notifier interface {
	NotifyApproval(ctx context.Context, req ApprovalRequest) error
}

// LogNotifier writes the request to the log. Used when no delivery
// endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyApproval(_ context.Context, req ApprovalRequest) error {
	n.Logger.Info("approval requested",
		"question_id", req.QuestionID,
		"account_id", req.AccountID,
		"link", req.Link)
	return nil
}

// WebhookNotifier posts the request as JSON to a delivery service.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) NotifyApproval(ctx context.Context, req ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notify approval: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify approval: http status %d", resp.StatusCode)
	}
	return nil
}

// Recorder keeps requests in memory. Used by tests and dry runs.
type Recorder struct {
	Requests []ApprovalRequest
}

func (r *Recorder) NotifyApproval(_ context.Context, req ApprovalRequest) error {
	r.Requests = append(r.Requests, req)
	return nil
}
