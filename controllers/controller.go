// Package controllers holds the fiber handlers of the gateway: the inbound
// webhooks, the approval page and the operator API.
package controllers

import (
	"context"
	"log/slog"

	"marketplace-gateway/approval"
	"marketplace-gateway/circuit"
	"marketplace-gateway/intake"
	"marketplace-gateway/logging"
	"marketplace-gateway/models"
	"marketplace-gateway/question"
	"marketplace-gateway/store"
)

// Workflow is the part of workflow.Workflow the handlers call.
type Workflow interface {
	Approve(ctx context.Context, questionID, answer, channel string) (question.Status, error)
	Resume(ctx context.Context, questionID string) error
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Store    *store.Store
	Intake   *intake.Intake
	Workflow Workflow
	Tokens   *approval.Service
	PIN      *approval.PINGate

	// Breakers by downstream name, for the operator circuit endpoints.
	Breakers map[string]*circuit.Breaker

	// Enqueue hands a freshly accepted record to the worker pool. Optional.
	Enqueue func(id string) bool

	Logger *slog.Logger
}

type Controller struct {
	Deps
}

func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.PIN == nil {
		deps.PIN = approval.NewPINGate("")
	}
	return &Controller{Deps: deps}
}

func (ctl *Controller) enqueue(id string) {
	if ctl.Enqueue != nil {
		ctl.Enqueue(id)
	}
}

// accountInOrg loads account id when it belongs to org.
func (ctl *Controller) accountInOrg(ctx context.Context, id, org string) (*models.Account, error) {
	acct, err := ctl.Store.Account(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.OrganizationID != org {
		return nil, store.ErrNotFound
	}
	return acct, nil
}
