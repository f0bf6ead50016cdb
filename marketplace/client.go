package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"marketplace-gateway/failure"
	"marketplace-gateway/models"
)

// QuestionDetails is the marketplace view of a buyer question.
type QuestionDetails struct {
	ID       json.Number `json:"id"`
	Text     string      `json:"text"`
	Status   string      `json:"status"`
	ItemID   string      `json:"item_id"`
	SellerID json.Number `json:"seller_id"`
	Answer   *struct {
		Text   string `json:"text"`
		Status string `json:"status"`
	} `json:"answer"`
}

// Answered reports whether the marketplace already holds an answer.
func (q *QuestionDetails) Answered() bool {
	return strings.EqualFold(q.Status, "ANSWERED") || (q.Answer != nil && strings.TrimSpace(q.Answer.Text) != "")
}

// Client calls the marketplace REST API on behalf of seller accounts.
type Client struct {
	baseURL string
	http    *http.Client
	guard   *Guard
}

// NewClient creates a client. httpClient may be nil; the guard applies
// the per-call timeout.
func NewClient(baseURL string, guard *Guard, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, guard: guard}
}

func callFor(op string, acct *models.Account) Call {
	return Call{Op: op, AccountID: acct.ID, OrganizationID: acct.OrganizationID}
}

func (c *Client) do(ctx context.Context, acct *models.Account, op, method, u string, body []byte) (*Response, error) {
	if strings.TrimSpace(acct.AccessToken) == "" {
		return nil, failure.New(failure.Unauthorized, DownstreamMarketplace+"."+op, errors.New("account has no access token"))
	}
	return c.guard.Do(ctx, callFor(op, acct), func(ctx context.Context) (*http.Response, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.http.Do(req)
	})
}

// GetQuestion fetches a question by its marketplace id.
func (c *Client) GetQuestion(ctx context.Context, acct *models.Account, externalID string) (*QuestionDetails, error) {
	u := c.baseURL + "/questions/" + url.PathEscape(externalID) + "?api_version=4"
	resp, err := c.do(ctx, acct, "get_question", http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var q QuestionDetails
	if err := json.Unmarshal(resp.Body, &q); err != nil {
		return nil, failure.New(failure.Permanent, DownstreamMarketplace+".get_question", fmt.Errorf("decode question: %w", err))
	}
	return &q, nil
}

// PostAnswer publishes text as the answer to a question.
func (c *Client) PostAnswer(ctx context.Context, acct *models.Account, externalID, text string) error {
	payload := map[string]any{"text": text}
	if n, err := strconv.ParseInt(externalID, 10, 64); err == nil {
		payload["question_id"] = n
	} else {
		payload["question_id"] = externalID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, acct, "post_answer", http.MethodPost, c.baseURL+"/answers", body)
	return err
}
