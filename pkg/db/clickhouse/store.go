package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/db/models"
	"go.uber.org/zap"
)

// Store is the ClickHouse-backed db.Store. Both tables are ReplacingMergeTree keyed on
// their natural key and versioned by updated_at, so an upsert is a plain insert and
// reads use FINAL.
type Store struct {
	Client
	now func() time.Time
}

var _ db.Store = (*Store)(nil)

// NewStore connects to dbName and ensures the schema exists.
func NewStore(ctx context.Context, logger *zap.Logger, dbName string) (*Store, error) {
	client, err := New(ctx, logger.With(zap.String("db", dbName)), dbName, GetPoolConfigForComponent("syncer"))
	if err != nil {
		return nil, err
	}
	s := &Store{Client: client, now: func() time.Time { return time.Now().UTC() }}
	if err := s.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// InitializeDB creates the tables if they do not already exist.
func (s *Store) InitializeDB(ctx context.Context) error {
	s.Logger.Info("Initialize switch_blocks table", zap.String("database", s.Database))
	if err := s.createTable(ctx, models.SwitchBlocksTableName, models.SwitchBlockColumns, "era"); err != nil {
		return err
	}
	s.Logger.Info("Initialize validator_weights table", zap.String("database", s.Database))
	return s.createTable(ctx, models.ValidatorWeightsTableName, models.ValidatorWeightColumns, "(era, validator)")
}

func (s *Store) createTable(ctx context.Context, table string, columns []models.ColumnDef, orderBy string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
			%s
		) ENGINE = %s
		ORDER BY %s
	`, s.Database, table, s.OnCluster(), models.ColumnsToSchemaSQL(columns),
		s.Engine(ReplacingMergeTree, "updated_at"), orderBy)

	if err := s.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}
	return nil
}

func (s *Store) UpsertSwitchBlock(ctx context.Context, sb models.SwitchBlock) error {
	if sb.UpdatedAt.IsZero() {
		sb.UpdatedAt = s.now()
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES (%s)`,
		s.Database, models.SwitchBlocksTableName,
		models.ColumnsToNameList(models.SwitchBlockColumns), models.Placeholders(models.SwitchBlockColumns))

	if err := s.Exec(ctx, query, sb.Era, sb.BlockHeight, sb.Validated, sb.UpdatedAt); err != nil {
		return fmt.Errorf("upsert switch block era %d: %w", sb.Era, err)
	}
	return nil
}

func (s *Store) UpsertValidatorWeights(ctx context.Context, rows []models.ValidatorWeight) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."%s" (%s)`,
		s.Database, models.ValidatorWeightsTableName, models.ColumnsToNameList(models.ValidatorWeightColumns)))
	if err != nil {
		return fmt.Errorf("prepare validator weights batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	now := s.now()
	for _, r := range rows {
		weight, err := models.FormatWeight(r.Weight)
		if err != nil {
			return fmt.Errorf("validator %s era %d: %w", r.Validator, r.Era, err)
		}
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if err := batch.Append(r.Era, r.Validator, weight, updatedAt); err != nil {
			return fmt.Errorf("append validator weight %s era %d: %w", r.Validator, r.Era, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send validator weights batch: %w", err)
	}
	return nil
}

func (s *Store) SwitchBlock(ctx context.Context, era uint64) (*models.SwitchBlock, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE era = ?
		LIMIT 1
	`, models.ColumnsToNameList(models.SwitchBlockColumns), s.Database, models.SwitchBlocksTableName)

	var out []models.SwitchBlock
	if err := s.SelectWithFinal(ctx, &out, query, era); err != nil {
		return nil, fmt.Errorf("select switch block era %d: %w", era, err)
	}
	if len(out) == 0 {
		return nil, db.ErrNotFound
	}
	return &out[0], nil
}

func (s *Store) LastValidatedSwitchBlock(ctx context.Context) (*models.SwitchBlock, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE validated = true
		ORDER BY era DESC
		LIMIT 1
	`, models.ColumnsToNameList(models.SwitchBlockColumns), s.Database, models.SwitchBlocksTableName)

	var out []models.SwitchBlock
	if err := s.SelectWithFinal(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("select last validated switch block: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *Store) SwitchBlocks(ctx context.Context, fromEra uint64, limit int) ([]models.SwitchBlock, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE era >= ?
		ORDER BY era ASC
	`, models.ColumnsToNameList(models.SwitchBlockColumns), s.Database, models.SwitchBlocksTableName)
	if limit > 0 {
		query += fmt.Sprintf("LIMIT %d", limit)
	}

	var out []models.SwitchBlock
	if err := s.SelectWithFinal(ctx, &out, query, fromEra); err != nil {
		return nil, fmt.Errorf("select switch blocks from era %d: %w", fromEra, err)
	}
	return out, nil
}

func (s *Store) ValidatorWeights(ctx context.Context, era uint64) (map[string]*big.Int, error) {
	query := fmt.Sprintf(`
		SELECT validator, weight
		FROM "%s"."%s" FINAL
		WHERE era = ?
	`, s.Database, models.ValidatorWeightsTableName)

	rows, err := s.Query(ctx, query, era)
	if err != nil {
		return nil, fmt.Errorf("query validator weights era %d: %w", era, err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]*big.Int{}
	for rows.Next() {
		var validator, raw string
		if err := rows.Scan(&validator, &raw); err != nil {
			return nil, fmt.Errorf("scan validator weight era %d: %w", era, err)
		}
		weight, err := models.ParseWeight(raw)
		if err != nil {
			return nil, fmt.Errorf("validator %s era %d: %w", validator, era, err)
		}
		out[validator] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validator weights era %d: %w", era, err)
	}
	if len(out) == 0 {
		return nil, db.ErrNotFound
	}
	return out, nil
}
