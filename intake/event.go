package intake

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"strconv"
	"strings"
)

// keyDomain separates webhook keys from any other sha256 in the system and
// versions the field layout.
const keyDomain = "marketplace-gateway/webhook/v2"

const unknown = "unknown"

// Topics with business handling. Everything else is absorbed.
const (
	TopicQuestions = "questions"
	TopicAIAnswer  = "ai_answer"
	TopicOrders    = "orders_v2"
	TopicShipments = "shipments"
)

// Event is an inbound webhook notification.
type Event struct {
	Topic      string     `json:"topic" validate:"max=64"`
	Resource   string     `json:"resource" validate:"max=255"`
	ResourceID FlexString `json:"resource_id" validate:"max=128"`
	UserID     FlexString `json:"user_id" validate:"max=64"`
	Sent       string     `json:"sent" validate:"max=64"`
	AttemptID  FlexString `json:"attempt_id" validate:"max=128"`

	// Raw is the body as received. Stored with the record, not part of the key.
	Raw json.RawMessage `json:"-"`
}

// FlexString accepts a JSON string or number. Senders are inconsistent about
// numeric ids.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// ParseEvent decodes a webhook body, keeping the raw bytes.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = append(json.RawMessage(nil), body...)
	return ev, nil
}

// SubjectID is the id of the resource the event is about: resource_id when
// sent, else the last path segment of resource ("/questions/123" -> "123").
func (ev Event) SubjectID() string {
	if id := strings.TrimSpace(ev.ResourceID.String()); id != "" {
		return id
	}
	r := strings.TrimSpace(ev.Resource)
	if r == "" {
		return ""
	}
	base := path.Base(strings.TrimRight(r, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return unknown
	}
	return s
}

// Key derives the idempotency key of ev. Missing fields hash as the literal
// "unknown"; the result is deterministic for an unchanged identity.
func Key(ev Event) string {
	h := sha256.New()
	h.Write([]byte(keyDomain))
	for _, field := range []string{
		ev.Topic,
		ev.Resource,
		ev.ResourceID.String(),
		ev.UserID.String(),
		ev.Sent,
		ev.AttemptID.String(),
	} {
		v := orUnknown(field)
		// Length prefix keeps field boundaries unambiguous.
		h.Write([]byte(strconv.Itoa(len(v)) + ":"))
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PriorityOf returns the claim priority of a topic; lower is claimed first.
func PriorityOf(topic string) int {
	switch strings.TrimSpace(topic) {
	case TopicQuestions, TopicAIAnswer:
		return 1
	case TopicOrders, TopicShipments:
		return 5
	default:
		return 9
	}
}
