package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/relay/internal/db"
)

// Store persists the device catalog. Primary mappings are session-scoped and
// deliberately stay in memory.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

const createDevicesSQL = `
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		app_version TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id);
`

// NewStore creates a device store on the pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if _, err := s.db.Exec(createDevicesSQL); err != nil {
		return nil, fmt.Errorf("devices schema init: %w", err)
	}
	return s, nil
}

// Upsert inserts or refreshes a device row.
func (s *Store) Upsert(ctx context.Context, d *Device) error {
	query := s.db.Rebind(`
		INSERT INTO devices (device_id, user_id, platform, app_version, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			user_id = excluded.user_id,
			platform = excluded.platform,
			app_version = excluded.app_version,
			last_seen = excluded.last_seen`)
	_, err := s.db.ExecContext(ctx, query,
		d.DeviceID, d.UserID, d.Platform, d.AppVersion, d.RegisteredAt, d.LastSeen)
	return err
}

// UpdateLastSeen refreshes the activity timestamp of a device row.
func (s *Store) UpdateLastSeen(ctx context.Context, d *Device) error {
	query := s.db.Rebind(`UPDATE devices SET last_seen = ? WHERE device_id = ?`)
	_, err := s.db.ExecContext(ctx, query, d.LastSeen, d.DeviceID)
	return err
}

// Delete removes a device row.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	query := s.db.Rebind(`DELETE FROM devices WHERE device_id = ?`)
	_, err := s.db.ExecContext(ctx, query, deviceID)
	return err
}

// Get returns one device, or nil when unknown.
func (s *Store) Get(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	query := s.ro.Rebind(`SELECT * FROM devices WHERE device_id = ?`)
	err := s.ro.GetContext(ctx, &d, query, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns the whole catalog, oldest registration first.
func (s *Store) List(ctx context.Context) ([]*Device, error) {
	var out []*Device
	err := s.ro.SelectContext(ctx, &out, `SELECT * FROM devices ORDER BY registered_at`)
	return out, err
}
