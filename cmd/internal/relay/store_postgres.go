package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPresenceStore is a PresenceStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresPresenceStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresPresenceStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresPresenceStore behavior.
type PostgresOption func(*PostgresPresenceStore) error

// WithSchema sets the DB schema used by this store (default: "tether").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresPresenceStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresPresenceStore constructs a Postgres-backed PresenceStore.
func NewPostgresPresenceStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresPresenceStore, error) {
	st := &PostgresPresenceStore{
		pool:   pool,
		schema: "tether",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresPresenceStore) Close() error { return nil }

// MarkOnline upserts the device row and flags it online.
func (s *PostgresPresenceStore) MarkOnline(ctx context.Context, in DevicePresence) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}
	if in.DeviceID == "" {
		return errors.New("missing device_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	at := in.LastSeen
	if at.IsZero() {
		at = time.Now().UTC()
	}

	devices := pgIdent(s.schema, "devices")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+devices+` (device_id, user_id, device_name, role, online, last_seen)
		 VALUES ($1, $2, $3, $4, TRUE, $5)
		 ON CONFLICT (device_id) DO UPDATE
		    SET user_id = EXCLUDED.user_id,
		        device_name = EXCLUDED.device_name,
		        role = EXCLUDED.role,
		        online = TRUE,
		        last_seen = EXCLUDED.last_seen`,
		in.DeviceID, in.UserID, in.DeviceName, in.Role, at,
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// MarkOffline flips the device offline, keeping its last_seen timestamp.
func (s *PostgresPresenceStore) MarkOffline(ctx context.Context, deviceID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}
	if deviceID == "" {
		return errors.New("missing device_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	devices := pgIdent(s.schema, "devices")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+devices+`
		    SET online = FALSE,
		        last_seen = $2
		  WHERE device_id = $1`,
		deviceID, at,
	)
	return err
}

// Touch bumps last_seen for a live device.
func (s *PostgresPresenceStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}
	if deviceID == "" {
		return errors.New("missing device_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	devices := pgIdent(s.schema, "devices")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+devices+` SET last_seen = $2 WHERE device_id = $1`,
		deviceID, at,
	)
	return err
}

// List returns all known devices ordered by last_seen DESC.
func (s *PostgresPresenceStore) List(ctx context.Context) ([]DevicePresence, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("relay: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := pgIdent(s.schema, "devices")

	rows, err := s.pool.Query(ctx,
		`SELECT device_id, user_id, device_name, role, online, last_seen
		   FROM `+devices+`
		  ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DevicePresence, 0, 16)
	for rows.Next() {
		var d DevicePresence
		if err := rows.Scan(&d.DeviceID, &d.UserID, &d.DeviceName, &d.Role, &d.Online, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
