package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dripsend/internal/mail"
	logx "dripsend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the database file and schema
// if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateUnit(ctx context.Context, u mail.DeliveryUnit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO units(id, recipient, subject, body, sender, scheduled_at, status, attempts, err, hourly_limit, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Recipient, u.Subject, u.Body, u.Sender,
		u.ScheduledAt.UnixMilli(), string(u.Status), u.Attempts, nullStr(u.ErrorDetail), u.HourlyLimit,
		u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli(),
	)
	return err
}

const unitColumns = `id, recipient, subject, body, sender, scheduled_at, status, attempts, err, hourly_limit, created_at, updated_at`

func (s *sqliteStore) GetUnit(ctx context.Context, id string) (mail.DeliveryUnit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mail.DeliveryUnit{}, ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) ClaimUnit(ctx context.Context, id string, now time.Time) (mail.DeliveryUnit, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND scheduled_at <= ?`,
		string(mail.StatusProcessing), now.UnixMilli(), id, string(mail.StatusPending), now.UnixMilli(),
	)
	if err != nil {
		return mail.DeliveryUnit{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mail.DeliveryUnit{}, false, err
	}
	if n == 0 {
		// Already claimed, already terminal, not yet due, or unknown.
		// Redelivery guard: the scheduled instant is a lower bound, so a
		// duplicate offer cannot run a retry before its backoff delay.
		return mail.DeliveryUnit{}, false, nil
	}
	u, err := s.GetUnit(ctx, id)
	if err != nil {
		return mail.DeliveryUnit{}, false, err
	}
	return u, true, nil
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx,
		`UPDATE units SET status = ?, err = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		string(mail.StatusCompleted), now.UnixMilli(), id, string(mail.StatusProcessing))
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, detail string, attempts int, now time.Time) error {
	if strings.TrimSpace(detail) == "" {
		detail = "delivery failed"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, err = ?, attempts = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(mail.StatusFailed), detail, attempts, now.UnixMilli(), id, string(mail.StatusProcessing),
	)
	return checkAffected(res, err)
}

func (s *sqliteStore) ReleaseForRetry(ctx context.Context, id string, detail string, attempts int, nextAttempt, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, err = ?, attempts = ?, scheduled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(mail.StatusPending), nullStr(detail), attempts, nextAttempt.UnixMilli(), now.UnixMilli(), id, string(mail.StatusProcessing),
	)
	return checkAffected(res, err)
}

func (s *sqliteStore) RecordSent(ctx context.Context, rec mail.SentRecord) error {
	// ON CONFLICT DO NOTHING: a redelivered unit never produces a second
	// sent record.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_records(unit_id, message_id, sent_at) VALUES(?,?,?)
		 ON CONFLICT(unit_id) DO NOTHING`,
		rec.UnitID, rec.MessageID, rec.SentAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListUnits(ctx context.Context, status mail.Status, page, limit int) ([]mail.DeliveryUnit, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", status)
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	offset := (page - 1) * limit

	var query string
	switch status {
	case mail.StatusCompleted:
		query = `SELECT ` + qualify(unitColumns, "u") + ` FROM units u
		         JOIN sent_records sr ON sr.unit_id = u.id
		         WHERE u.status = ? ORDER BY sr.sent_at DESC LIMIT ? OFFSET ?`
	case mail.StatusFailed:
		query = `SELECT ` + unitColumns + ` FROM units WHERE status = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	default:
		query = `SELECT ` + unitColumns + ` FROM units WHERE status = ? ORDER BY scheduled_at ASC LIMIT ? OFFSET ?`
	}

	rows, err := s.db.QueryContext(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mail.DeliveryUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecoverUnits(ctx context.Context, now time.Time) ([]PendingUnit, error) {
	// A restarted process holds no live claims: anything still marked
	// processing was orphaned by the previous run.
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, updated_at = ? WHERE status = ?`,
		string(mail.StatusPending), now.UnixMilli(), string(mail.StatusProcessing),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("released orphaned processing units", logx.Int64("count", n))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scheduled_at FROM units WHERE status = ? ORDER BY scheduled_at ASC`,
		string(mail.StatusPending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingUnit
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out = append(out, PendingUnit{ID: id, ScheduledAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReleaseStale(ctx context.Context, cutoff time.Time, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM units WHERE status = ? AND updated_at < ?`,
		string(mail.StatusProcessing), cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE units SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(mail.StatusPending), now.UnixMilli(), id, string(mail.StatusProcessing),
		)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (map[mail.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM units GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[mail.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[mail.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	return checkAffected(res, err)
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (mail.DeliveryUnit, error) {
	var u mail.DeliveryUnit
	var status string
	var schedMS, createdMS, updatedMS int64
	var errDetail sql.NullString
	err := row.Scan(&u.ID, &u.Recipient, &u.Subject, &u.Body, &u.Sender,
		&schedMS, &status, &u.Attempts, &errDetail, &u.HourlyLimit, &createdMS, &updatedMS)
	if err != nil {
		return mail.DeliveryUnit{}, err
	}
	u.Status = mail.Status(status)
	u.ScheduledAt = time.UnixMilli(schedMS).UTC()
	u.CreatedAt = time.UnixMilli(createdMS).UTC()
	u.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	if errDetail.Valid {
		u.ErrorDetail = errDetail.String
	}
	return u, nil
}

func qualify(cols, alias string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
