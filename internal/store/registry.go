package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
)

// Registry is the process-wide map from tenant database URI to an
// initialized, migrated Store. The empty URI (and the configured local
// database URI) both resolve to the same local Store, mirroring the
// "local mode" distinction the daemon and knowledgebuilder use to decide
// whether a build result lands in the scheduler's own database or a
// tenant's external one.
type Registry struct {
	mu                  sync.RWMutex
	stores              map[string]*Store
	localDatabaseURI    string
	maxConnsPerTenant   int32
	embeddingDimensions int
}

// NewRegistry constructs a Registry. localDatabaseURI is the DSN treated
// as "local mode" whenever a caller passes it, or an empty string, as the
// tenant URI. embeddingDimensions sizes every vector(N) column created by
// Migrate and must match the configured embeddings provider.
func NewRegistry(localDatabaseURI string, maxConnsPerTenant int32, embeddingDimensions int) *Registry {
	return &Registry{
		stores:              make(map[string]*Store),
		localDatabaseURI:    localDatabaseURI,
		maxConnsPerTenant:   maxConnsPerTenant,
		embeddingDimensions: embeddingDimensions,
	}
}

// IsLocal reports whether uri addresses the local database: the empty
// string or an exact match to the configured local DSN.
func (r *Registry) IsLocal(uri string) bool {
	return uri == "" || uri == r.localDatabaseURI
}

// Get returns the Store for uri, creating and migrating its connection
// pool on first use. Concurrent calls for the same uri are serialized so
// only one pool is ever created per tenant.
func (r *Registry) Get(ctx context.Context, uri string) (*Store, error) {
	if r.IsLocal(uri) {
		uri = r.localDatabaseURI
	}

	r.mu.RLock()
	s, ok := r.stores[uri]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[uri]; ok {
		return s, nil
	}

	s, err := newStore(ctx, uri, r.maxConnsPerTenant, r.embeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("store: registry: get %q: %w: %w", redactURI(uri), err, ierrors.ErrStoreUnavailable)
	}
	r.stores[uri] = s
	slog.Info("store: registered tenant database", "uri", redactURI(uri))
	return s, nil
}

// Validate checks that uri is reachable without registering it
// permanently in the map beyond what Get already does; it is used by the
// knowledge upload path to fail fast on a bad tenant URI before writing a
// GraphBuildStatus row against it.
func (r *Registry) Validate(ctx context.Context, uri string) error {
	s, err := r.Get(ctx, uri)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var ok int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&ok); err != nil {
		return fmt.Errorf("store: registry: validate %q: %w: %w", redactURI(uri), err, ierrors.ErrStoreUnavailable)
	}
	return nil
}

// CloseAll closes every registered pool. Called from main() on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uri, s := range r.stores {
		s.Close()
		slog.Info("store: closed tenant database", "uri", redactURI(uri))
	}
	r.stores = make(map[string]*Store)
}

// Store wraps a single tenant's migrated connection pool and exposes the
// CRUD/retrieval surface in content.go, blocks.go, graph.go, blueprint.go,
// and buildstatus.go. pool is the querier every CRUD method runs against —
// the raw pool outside a transaction, or a pgx.Tx inside one (see WithTx).
// rawPool is nil for a transaction-scoped Store, since transactions cannot
// themselves be closed or begin nested transactions.
type Store struct {
	pool                querier
	rawPool             *pgxpool.Pool
	embeddingDimensions int
}

// newStore opens a pool against dsn, registers pgvector's Go codec on
// every new connection via AfterConnect, pings once, and runs Migrate.
func newStore(ctx context.Context, dsn string, maxConns int32, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, rawPool: pool, embeddingDimensions: embeddingDimensions}, nil
}

// Close closes the underlying pool. Exposed for tests that construct a
// Store directly rather than through a Registry. A no-op on a
// transaction-scoped Store, which does not own a pool.
func (s *Store) Close() {
	if s.rawPool != nil {
		s.rawPool.Close()
	}
}

var passwordKV = regexp.MustCompile(`password=\S+`)

// redactURI strips credentials from a DSN before it reaches structured
// logs: URL-style DSNs lose their password, key=value DSNs lose their
// password field, and anything else long is truncated.
func redactURI(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.User != nil {
		u.User = url.User(u.User.Username())
		return u.String()
	}
	if passwordKV.MatchString(uri) {
		return passwordKV.ReplaceAllString(uri, "password=***")
	}
	if len(uri) > 64 {
		return uri[:64] + "..."
	}
	return uri
}
