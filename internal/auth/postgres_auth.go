package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	Workspace  string
	APIKeyHash string
	Revoked    bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT w.name, k.api_key_hash, k.revoked_at IS NOT NULL
		FROM api_keys k
		JOIN workspaces w ON w.id = k.workspace_id
		WHERE k.api_key_prefix = $1
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.Workspace, &r.APIKeyHash, &r.Revoked); err != nil {
		return nil, err
	}
	return &r, nil
}

// degradedWorkspacePrefix names the workspace of a fail-open principal. Each
// key gets its own, so degraded callers never share sessions.
const degradedWorkspacePrefix = "degraded-"

// PostgresAuthenticator validates API keys against bcrypt hashes stored in
// the api_keys table.
type PostgresAuthenticator struct {
	store    KeyStore
	cache    *AuthCache
	group    singleflight.Group
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	// FailOpen admits callers into a per-key "degraded-<prefix>" workspace
	// when the database is unreachable. Policy enforcement still applies.
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

// newPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func newPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewAuthCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Principal, nil
	}

	// Concurrent misses for the same key share one bcrypt comparison.
	v, err, _ := a.group.Do(digest(token), func() (any, error) {
		return a.authenticateFromDB(ctx, token)
	})
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, ErrUnauthenticated
		}
		if a.failOpen {
			a.logger.Warn("auth backend failed, degrading to fail-open",
				zap.String("key_prefix", lookupPrefix(token)),
				zap.Error(err),
			)
			prefix := lookupPrefix(token)
			return &Principal{Workspace: degradedWorkspacePrefix + prefix, KeyPrefix: prefix, Degraded: true}, nil
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	p := v.(*Principal)
	a.cache.Set(token, p)
	return p, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	prefix := lookupPrefix(token)

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &Principal{Workspace: row.Workspace, KeyPrefix: prefix}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		a.cache.Delete(token)
		a.logger.Info("cached api key no longer valid, evicted",
			zap.String("key_prefix", lookupPrefix(token)),
		)
		return
	}
	if err != nil {
		a.cache.ReleaseRefresh(token)
		a.logger.Warn("background auth refresh failed",
			zap.String("key_prefix", lookupPrefix(token)),
			zap.Error(err),
		)
		return
	}
	a.cache.Set(token, p)
}

// HashKey returns the bcrypt hash to store for a newly issued key.
func HashKey(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("HashKey: %w", err)
	}
	return string(h), nil
}
