package push

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/relay/internal/db"
	"github.com/kandev/relay/internal/db/dialect"
)

// Delivery is one recorded notification attempt.
type Delivery struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"clientId"`
	Token     string    `json:"token"`
	Title     string    `json:"title"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type deliveryRow struct {
	ID        int64     `db:"id"`
	ClientID  string    `db:"client_id"`
	Token     string    `db:"token"`
	Title     string    `db:"title"`
	Success   int       `db:"success"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

// Store persists the bad-token set and a delivery log.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

func createPushSQL(driver string) string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(driver) {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS push_bad_tokens (
		token TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		marked_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_deliveries (
		%s,
		client_id TEXT NOT NULL,
		token TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_push_deliveries_created_at ON push_deliveries(created_at);
	`, idColumn)
}

// NewStore creates a push store on the pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if _, err := s.db.Exec(createPushSQL(s.db.DriverName())); err != nil {
		return nil, fmt.Errorf("push schema init: %w", err)
	}
	return s, nil
}

// MarkBadToken records a token the transport rejected.
func (s *Store) MarkBadToken(ctx context.Context, token, reason string) error {
	query := s.db.Rebind(`
		INSERT INTO push_bad_tokens (token, reason, marked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			reason = excluded.reason,
			marked_at = excluded.marked_at`)
	_, err := s.db.ExecContext(ctx, query, token, reason, time.Now().UTC())
	return err
}

// BadTokens returns every token marked bad.
func (s *Store) BadTokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := s.ro.SelectContext(ctx, &tokens, `SELECT token FROM push_bad_tokens ORDER BY token`)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// RecordDelivery appends one delivery attempt to the log and fills in the
// generated row ID.
func (s *Store) RecordDelivery(ctx context.Context, d *Delivery) (int64, error) {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO push_deliveries (client_id, token, title, success, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ClientID, d.Token, d.Title, dialect.BoolToInt(d.Success), d.Reason, createdAt)
	if err != nil {
		return 0, fmt.Errorf("record push delivery: %w", err)
	}
	d.ID = id
	d.CreatedAt = createdAt
	return id, nil
}

// RecentDeliveries returns the newest delivery records.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deliveryRow
	query := s.ro.Rebind(`
		SELECT id, client_id, token, title, success, reason, created_at
		FROM push_deliveries
		ORDER BY id DESC
		LIMIT ?`)
	if err := s.ro.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, err
	}

	out := make([]*Delivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Delivery{
			ID:        r.ID,
			ClientID:  r.ClientID,
			Token:     r.Token,
			Title:     r.Title,
			Success:   r.Success != 0,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// PruneDeliveries drops delivery records older than the given number of
// hours and returns how many were removed.
func (s *Store) PruneDeliveries(ctx context.Context, olderThanHours int) (int64, error) {
	expr := dialect.NowMinusHours(s.db.DriverName(), "?")
	query := s.db.Rebind(`DELETE FROM push_deliveries WHERE created_at < ` + expr)
	res, err := s.db.ExecContext(ctx, query, olderThanHours)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
