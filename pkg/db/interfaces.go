package db

import (
	"context"
	"errors"
	"math/big"

	"github.com/litmus-labs/litmus/pkg/db/models"
)

// ErrNotFound is returned by lookups for a key that was never written.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the light client. Writes are upserts keyed as
// documented on the models, so replaying them is harmless.
type Store interface {
	// UpsertSwitchBlock inserts or replaces the record for sb.Era.
	UpsertSwitchBlock(ctx context.Context, sb models.SwitchBlock) error
	// UpsertValidatorWeights inserts or replaces every (era, validator) row given.
	UpsertValidatorWeights(ctx context.Context, rows []models.ValidatorWeight) error
	// SwitchBlock returns the record for era or ErrNotFound.
	SwitchBlock(ctx context.Context, era uint64) (*models.SwitchBlock, error)
	// LastValidatedSwitchBlock returns the validated record with the highest era, or nil
	// when nothing has been validated yet.
	LastValidatedSwitchBlock(ctx context.Context) (*models.SwitchBlock, error)
	// SwitchBlocks returns records with era >= fromEra in ascending era order.
	SwitchBlocks(ctx context.Context, fromEra uint64, limit int) ([]models.SwitchBlock, error)
	// ValidatorWeights returns the validator set active in era, or ErrNotFound.
	ValidatorWeights(ctx context.Context, era uint64) (map[string]*big.Int, error)
	Close() error
}
