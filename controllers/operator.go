package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"marketplace-gateway/circuit"
	"marketplace-gateway/failure"
	"marketplace-gateway/middlewares"
	"marketplace-gateway/models"
	"marketplace-gateway/question"
	"marketplace-gateway/store"
	"marketplace-gateway/utils"
	"marketplace-gateway/workflow"
)

// ListErrors returns the organization's recorded downstream errors.
// Query: account, since (RFC 3339), limit.
func (ctl *Controller) ListErrors(c *fiber.Ctx) error {
	f := store.ErrorFilter{
		OrganizationID: middlewares.Org(c),
		AccountID:      c.Query("account"),
		Limit:          utils.PageLimit(c.Query("limit")),
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "since must be RFC 3339")
		}
		f.Since = since.UTC()
	}
	errs, err := ctl.Store.ListAPIErrors(c.UserContext(), f)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"errors": errs, "message": "success"})
}

// ListFailedWebhooks returns FAILED and FAILED_PERMANENT records of the
// organization's accounts.
func (ctl *Controller) ListFailedWebhooks(c *fiber.Ctx) error {
	recs, err := ctl.Store.ListFailedWebhooks(c.UserContext(), middlewares.Org(c), utils.PageLimit(c.Query("limit")))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"webhooks": recs, "message": "success"})
}

func (ctl *Controller) questionInOrg(c *fiber.Ctx) (*models.Question, error) {
	q, err := ctl.Store.QuestionByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if q.OrganizationID != middlewares.Org(c) {
		return nil, store.ErrNotFound
	}
	return q, nil
}

// GetQuestion returns a question with its audit trail.
func (ctl *Controller) GetQuestion(c *fiber.Ctx) error {
	q, err := ctl.questionInOrg(c)
	if err != nil {
		return err
	}
	events, err := ctl.Store.QuestionEvents(c.UserContext(), q.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"question": q, "events": events})
}

type approveRequest struct {
	Answer string `json:"answer" validate:"max=2000"`
}

// ApproveQuestion records an operator decision. An empty answer approves the
// AI suggestion.
func (ctl *Controller) ApproveQuestion(c *fiber.Ctx) error {
	var req approveRequest
	if len(c.Body()) > 0 {
		if err := middlewares.BindAndValidate(c, &req); err != nil {
			return err
		}
	}
	q, err := ctl.questionInOrg(c)
	if err != nil {
		return err
	}
	status, err := ctl.Workflow.Approve(c.UserContext(), q.ID, req.Answer, "operator:"+middlewares.Subject(c))
	switch {
	case errors.Is(err, workflow.ErrNotReviewable), errors.Is(err, workflow.ErrAlreadyDecided):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrEmptyAnswer):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return err
	}
	// FAILED and ERROR are recorded decisions too; the caller reads status.
	code := fiber.StatusOK
	if status != question.Responded {
		code = fiber.StatusAccepted
	}
	return c.Status(code).JSON(fiber.Map{"status": status})
}

// ResumeQuestion restarts a TOKEN_ERROR question after its account token
// was refreshed.
func (ctl *Controller) ResumeQuestion(c *fiber.Ctx) error {
	q, err := ctl.questionInOrg(c)
	if err != nil {
		return err
	}
	err = ctl.Workflow.Resume(c.UserContext(), q.ID)
	switch {
	case errors.Is(err, workflow.ErrNotResumable):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case failure.Is(err, failure.Unauthorized):
		return fiber.NewError(fiber.StatusConflict, "marketplace still rejects the account token")
	case failure.Is(err, failure.RateLimited), failure.Is(err, failure.CircuitOpen), failure.Is(err, failure.Transient):
		return fiber.NewError(fiber.StatusServiceUnavailable, "marketplace unavailable, try again later")
	case err != nil:
		return err
	}
	return c.JSON(fiber.Map{"message": "resumed"})
}

// AccountUpdate is the PUT body for an account. Nil fields are left alone.
type AccountUpdate struct {
	Nickname    *string `json:"nickname" validate:"omitempty,max=128"`
	AccessToken *string `json:"access_token" validate:"omitempty,max=2048"`
}

// UpdateAccount patches an account of the caller's organization, creating it
// when it does not exist yet.
func (ctl *Controller) UpdateAccount(c *fiber.Ctx) error {
	var dto AccountUpdate
	if err := middlewares.BindAndValidate(c, &dto); err != nil {
		return err
	}
	utils.NormalizePtrDTO(&dto)

	ctx := c.UserContext()
	id, org := c.Params("id"), middlewares.Org(c)
	if len(id) == 0 || len(id) > 64 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	now := time.Now().UTC()

	_, err := ctl.Store.Account(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct := &models.Account{ID: id, OrganizationID: org, CreatedAt: now, UpdatedAt: now}
		if dto.Nickname != nil {
			acct.Nickname = *dto.Nickname
		}
		if dto.AccessToken != nil {
			acct.AccessToken = *dto.AccessToken
		}
		if err := ctl.Store.UpsertAccount(ctx, acct); err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(acct)
	case err != nil:
		return err
	}

	updates := utils.PatchColumns(&dto)
	updates["updated_at"] = now
	ok, err := ctl.Store.UpdateAccount(ctx, id, org, updates)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	acct, err := ctl.Store.Account(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(acct)
}

func (ctl *Controller) circuitTarget(c *fiber.Ctx) (*circuit.Breaker, circuit.Target, error) {
	b, ok := ctl.Breakers[c.Params("downstream")]
	if !ok {
		return nil, circuit.Target{}, store.ErrNotFound
	}
	acct, err := ctl.accountInOrg(c.UserContext(), c.Params("account"), middlewares.Org(c))
	if err != nil {
		return nil, circuit.Target{}, err
	}
	return b, circuit.Target{Downstream: c.Params("downstream"), AccountID: acct.ID, OrganizationID: acct.OrganizationID}, nil
}

// GetCircuit returns the breaker state for one downstream and account.
func (ctl *Controller) GetCircuit(c *fiber.Ctx) error {
	b, target, err := ctl.circuitTarget(c)
	if err != nil {
		return err
	}
	snap, err := b.State(c.UserContext(), target)
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// ResetCircuit closes the breaker for one downstream and account.
func (ctl *Controller) ResetCircuit(c *fiber.Ctx) error {
	b, target, err := ctl.circuitTarget(c)
	if err != nil {
		return err
	}
	if err := b.Reset(c.UserContext(), target); err != nil {
		return err
	}
	ctl.Logger.Info("circuit reset by operator", "target", target.Key(), "operator", middlewares.Subject(c))
	return c.JSON(fiber.Map{"message": "reset"})
}
