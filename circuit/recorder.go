package circuit

import (
	"context"

	"marketplace-gateway/models"
	"marketplace-gateway/store"
)

// StoreRecorder writes OnOtherError failures to the api_errors table.
type StoreRecorder struct {
	Store *store.Store
}

func (r StoreRecorder) RecordFailure(ctx context.Context, target Target, status int, message string) error {
	if len(message) > 1000 {
		message = message[:1000]
	}
	return r.Store.RecordAPIError(ctx, &models.APIError{
		AccountID:      target.AccountID,
		OrganizationID: target.OrganizationID,
		Downstream:     target.Downstream,
		Status:         status,
		Message:        message,
	})
}
