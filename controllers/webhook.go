package controllers

import (
	"github.com/gofiber/fiber/v2"

	"marketplace-gateway/intake"
	"marketplace-gateway/middlewares"
	"marketplace-gateway/workflow"
)

// MarketplaceWebhook records a marketplace notification. The sender retries
// anything but 2xx, so duplicates are acknowledged like first deliveries and
// only storage failures return 5xx. Missing fields are stored as sent and
// key as "unknown".
func (ctl *Controller) MarketplaceWebhook(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	ev, err := intake.ParseEvent(body)
	if err != nil {
		return middlewares.ErrMalformedBody
	}
	if err := middlewares.ValidateStruct(ev); err != nil {
		return err
	}
	return ctl.submit(c, ev)
}

// AIAnswerWebhook records a suggestion posted back by the AI partner. The
// signature is checked by middleware before this runs.
func (ctl *Controller) AIAnswerWebhook(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	var ans workflow.AIAnswer
	if err := middlewares.DecodeAndValidate(body, &ans); err != nil {
		return err
	}
	return ctl.submit(c, intake.Event{
		Topic:      intake.TopicAIAnswer,
		Resource:   "/questions/" + ans.QuestionID,
		ResourceID: intake.FlexString(ans.QuestionID),
		UserID:     intake.FlexString(ans.AccountID),
		AttemptID:  intake.FlexString(ans.AttemptID),
		Raw:        body,
	})
}

func (ctl *Controller) submit(c *fiber.Ctx, ev intake.Event) error {
	res, err := ctl.Intake.Submit(c.UserContext(), ev)
	if err != nil {
		return err
	}
	if res.Applied {
		ctl.enqueue(res.RecordID)
	}
	status := "accepted"
	if res.Reason != "" {
		status = res.Reason
	}
	return c.JSON(fiber.Map{"status": status, "id": res.RecordID})
}
