package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RowStore abstracts DB queries for testability.
type RowStore interface {
	ListPolicies(ctx context.Context) ([]policyRow, error)
}

type policyRow struct {
	ToolName    string
	Requires    string // JSONB array as string
	Description sql.NullString
}

// sqlRowStore is the real implementation using *sql.DB.
type sqlRowStore struct {
	db *sql.DB
}

func (s *sqlRowStore) ListPolicies(ctx context.Context) ([]policyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, requires, description
		FROM tool_policies
		WHERE enabled
		ORDER BY tool_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policyRow
	for rows.Next() {
		var r policyRow
		if err := rows.Scan(&r.ToolName, &r.Requires, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PostgresSource loads the policy catalog from the tool_policies table.
type PostgresSource struct {
	store  RowStore
	logger *zap.Logger
}

// PostgresSourceConfig configures the PostgresSource.
type PostgresSourceConfig struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewPostgresSource creates a new PostgresSource.
func NewPostgresSource(cfg PostgresSourceConfig) *PostgresSource {
	return &PostgresSource{
		store:  &sqlRowStore{db: cfg.DB},
		logger: cfg.Logger,
	}
}

// newPostgresSourceWithStore creates a source with a custom store (for testing).
func newPostgresSourceWithStore(store RowStore, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: store, logger: logger}
}

// Entries reads every enabled policy row.
func (p *PostgresSource) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := p.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("Entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := parsePolicyRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Sync loads the table and publishes it into store as a new catalog version.
func (p *PostgresSource) Sync(ctx context.Context, store *Store) (*Catalog, error) {
	entries, err := p.Entries(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := store.Replace(entries, "postgres:tool_policies")
	if err != nil {
		return nil, fmt.Errorf("Sync: %w", err)
	}
	p.logger.Info("policy catalog loaded from postgres",
		zap.Uint64("version", cat.Version()),
		zap.Int("entries", cat.Len()),
	)
	return cat, nil
}

// Poll re-reads the table every interval until ctx is cancelled and
// publishes a new catalog only when the table changed. A failed read is
// logged and the live catalog is kept. Run it in its own goroutine.
func (p *PostgresSource) Poll(ctx context.Context, store *Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refresh(ctx, store); err != nil {
				p.logger.Warn("policy sync from postgres failed, keeping previous version",
					zap.Uint64("live_version", store.Current().Version()),
					zap.Error(err),
				)
			}
		}
	}
}

func (p *PostgresSource) refresh(ctx context.Context, store *Store) error {
	entries, err := p.Entries(ctx)
	if err != nil {
		return err
	}
	cat, changed, err := store.ReplaceIfChanged(entries, "postgres:tool_policies")
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if changed {
		p.logger.Info("policy table changed, catalog reloaded",
			zap.Uint64("version", cat.Version()),
			zap.Int("entries", cat.Len()),
		)
	}
	return nil
}

func parsePolicyRow(row policyRow) (Entry, error) {
	e := Entry{ToolName: row.ToolName}

	if row.Description.Valid {
		e.Description = row.Description.String
	}

	if row.Requires != "" && row.Requires != "[]" {
		if err := json.Unmarshal([]byte(row.Requires), &e.Requires); err != nil {
			return Entry{}, fmt.Errorf("parsePolicyRow: requires for %s: %w", row.ToolName, err)
		}
	}

	return e, nil
}
