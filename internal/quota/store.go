package quota

import (
	"context"
	"errors"

	"github.com/draftforge/draftforge/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when an account has no quota record yet.
var ErrNotFound = errors.New("quota record not found")

// RecordStore persists quota records. The ledger owns all rollover and
// evaluation logic; stores only load and save, so the postgres and file
// backends cannot diverge in behavior.
type RecordStore interface {
	Load(ctx context.Context, accountID uuid.UUID) (*models.QuotaRecord, error)
	Save(ctx context.Context, record *models.QuotaRecord) error
}
