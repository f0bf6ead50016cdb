package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"marketplace-gateway/failure"
	"marketplace-gateway/models"
	"marketplace-gateway/utils"
)

// SuggestionRequest is posted to the AI partner. The partner answers
// asynchronously on CallbackURL with an ai_answer event.
type SuggestionRequest struct {
	QuestionID     string `json:"question_id"`
	ExternalID     string `json:"external_id"`
	AccountID      string `json:"account_id"`
	OrganizationID string `json:"organization_id"`
	ItemID         string `json:"item_id,omitempty"`
	Text           string `json:"text"`
	CallbackURL    string `json:"callback_url,omitempty"`
}

// AIClient hands questions to the AI answering partner. Delivery is at
// most once per call; the retry job re-requests questions left behind.
type AIClient struct {
	url         string
	callbackURL string
	secret      string
	http        *http.Client
	guard       *Guard
}

func NewAIClient(webhookURL, callbackURL, secret string, guard *Guard, httpClient *http.Client) *AIClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AIClient{
		url:         strings.TrimSpace(webhookURL),
		callbackURL: strings.TrimSpace(callbackURL),
		secret:      secret,
		http:        httpClient,
		guard:       guard,
	}
}

// RequestSuggestion posts q to the partner webhook. The body is signed with
// the shared secret when one is configured.
func (c *AIClient) RequestSuggestion(ctx context.Context, q *models.Question) error {
	if c.url == "" {
		return failure.New(failure.Permanent, DownstreamAI+".request_suggestion", errors.New("AI webhook URL not configured"))
	}
	body, err := json.Marshal(SuggestionRequest{
		QuestionID:     q.ID,
		ExternalID:     q.ExternalID,
		AccountID:      q.AccountID,
		OrganizationID: q.OrganizationID,
		ItemID:         q.ItemID,
		Text:           q.Text,
		CallbackURL:    c.callbackURL,
	})
	if err != nil {
		return err
	}
	call := Call{Op: "request_suggestion", AccountID: q.AccountID, OrganizationID: q.OrganizationID}
	_, err = c.guard.Do(ctx, call, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.secret != "" {
			req.Header.Set(utils.SignatureHeader, "sha256="+utils.Sign(c.secret, body))
		}
		return c.http.Do(req)
	})
	return err
}
