package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portside-io/portside/internal/proxy"
	"github.com/portside-io/portside/internal/registry"
)

// proxyColumns is the list of columns to select for proxy queries.
const proxyColumns = `id, realm, spec_id, user_id, status, record, created_at, updated_at`

// ProxyStore implements registry.Store on SQLite. The realm namespaces
// records so several deployments can share one database file.
type ProxyStore struct {
	db    *sql.DB
	realm string
}

// NewProxyStore creates a store over an opened database.
func NewProxyStore(db *sql.DB, realm string) *ProxyStore {
	return &ProxyStore{db: db, realm: realm}
}

var _ registry.Store = (*ProxyStore)(nil)

// scanProxy scans a row into a ProxyModel.
func scanProxy(scanner interface{ Scan(...any) error }) (*ProxyModel, error) {
	var model ProxyModel
	err := scanner.Scan(
		&model.ID, &model.Realm, &model.SpecID, &model.UserID,
		&model.Status, &model.Record, &model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// Put writes the record, replacing any existing one for the same id.
func (s *ProxyStore) Put(ctx context.Context, p *proxy.Proxy) error {
	model, err := toProxyModel(s.realm, p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO active_proxies (id, realm, spec_id, user_id, status, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (realm, id) DO UPDATE SET
			spec_id = excluded.spec_id,
			user_id = excluded.user_id,
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		model.ID, model.Realm, model.SpecID, model.UserID,
		model.Status, model.Record, model.CreatedAt, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put proxy: %w", err)
	}
	return nil
}

// Get returns the record for the id, or registry.ErrNotFound.
func (s *ProxyStore) Get(ctx context.Context, id string) (*proxy.Proxy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proxyColumns+` FROM active_proxies WHERE realm = ? AND id = ?`,
		s.realm, id,
	)
	model, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	return model.toProxy()
}

// Delete removes the record. Deleting an absent id is not an error.
func (s *ProxyStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_proxies WHERE realm = ? AND id = ?`,
		s.realm, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete proxy: %w", err)
	}
	return nil
}

// List returns every record in the realm, oldest first.
func (s *ProxyStore) List(ctx context.Context) ([]*proxy.Proxy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proxyColumns+` FROM active_proxies WHERE realm = ? ORDER BY created_at ASC`,
		s.realm,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var proxies []*proxy.Proxy
	for rows.Next() {
		model, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proxy row: %w", err)
		}
		p, err := model.toProxy()
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proxy rows: %w", err)
	}
	return proxies, nil
}
