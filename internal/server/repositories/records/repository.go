package records

import (
	"context"

	"github.com/dmitrijs2005/membersync/internal/server/models"
)

// Repository is the reconciler's view of the member directory. Besides reads
// it may only touch the external_id linkage column.
type Repository interface {
	GetByID(ctx context.Context, id string) (*models.DirectoryRecord, error)
	// SetExternalID never overwrites a different external id.
	SetExternalID(ctx context.Context, id, externalID string) error
	// ClearExternalID unlinks the record only while it still points at expected.
	ClearExternalID(ctx context.Context, id, expected string) error
	ListUnlinked(ctx context.Context, limit int) ([]models.DirectoryRecord, error)
}
