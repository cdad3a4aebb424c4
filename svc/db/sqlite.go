package db

import (
	"context"
	"database/sql"
	"snipbin/metrics"
	"snipbin/pkg/domain"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
	purgeBatchSize      = 500
	maxPurgeBatches     = 1000
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// dsn sets the busy timeout per connection; a PRAGMA would only reach one
// pooled connection.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		if atomic.SwapInt32(&s.circuitState, circuitClosed) != circuitClosed {
			metrics.DBCircuitOpen.Set(0)
		}
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		s.openCircuit()
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		s.openCircuit()
	}
}

func (s *SQLite) openCircuit() {
	atomic.StoreInt32(&s.circuitState, circuitOpen)
	atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	metrics.DBCircuitOpen.Set(1)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// begin checks the breaker and bounds the query by queryTimeout.
func (s *SQLite) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return queryCtx, cancel, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);
	CREATE TABLE IF NOT EXISTS pastes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'Public',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expiration INTEGER,
		is_encrypted INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER,
		is_user_paste INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_pastes_title ON pastes(title);
	CREATE INDEX IF NOT EXISTS idx_pastes_expiration ON pastes(expiration);
	CREATE INDEX IF NOT EXISTS idx_pastes_user ON pastes(user_id);
	`
	_, err := s.db.Exec(query)
	return err
}

const pasteColumns = `id, title, content, visibility, created_at, updated_at, expiration, is_encrypted, user_id, is_user_paste`

type scanner interface {
	Scan(dest ...any) error
}

func scanPaste(row scanner) (*domain.Paste, error) {
	var (
		p          domain.Paste
		visibility string
		created    int64
		updated    int64
		expiration sql.NullInt64
		userID     sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.Title, &p.Content, &visibility, &created, &updated,
		&expiration, &p.IsEncrypted, &userID, &p.IsUserPaste)
	if err != nil {
		return nil, err
	}
	p.Visibility = domain.Visibility(visibility)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	if expiration.Valid {
		t := fromNanos(expiration.Int64)
		p.Expiration = &t
	}
	if userID.Valid {
		id := userID.Int64
		p.UserID = &id
	}
	return &p, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// Insert stores p and returns its row ID. A taken title yields
// domain.ErrTitleTaken.
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) (int64, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	q := `
	INSERT INTO pastes (title, content, visibility, created_at, updated_at, expiration, is_encrypted, user_id, is_user_paste)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(queryCtx, q,
		p.Title, p.Content, string(p.Visibility), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
		nullableNanos(p.Expiration), p.IsEncrypted, nullableID(p.UserID), p.IsUserPaste,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return 0, domain.ErrTitleTaken
	}
	if err != nil {
		return 0, errors.Wrap(err, "db insert paste")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "db insert paste id")
	}
	return id, nil
}

func (s *SQLite) TitleExists(ctx context.Context, title string) (bool, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var exists int
	err = s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE title = ? LIMIT 1`, title).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "title exists check failed")
	}
	return exists == 1, nil
}

// GetByTitle returns the paste only if it is still alive at asOf.
func (s *SQLite) GetByTitle(ctx context.Context, title string, asOf time.Time) (*domain.Paste, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE title = ? AND (expiration IS NULL OR expiration > ?)`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, title, asOf.UnixNano()))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	return p, nil
}

// FindByTitle ignores expiry.
func (s *SQLite) FindByTitle(ctx context.Context, title string) (*domain.Paste, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, `SELECT `+pasteColumns+` FROM pastes WHERE title = ?`, title))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db find paste")
	}
	return p, nil
}

// ListPublic returns public, unencrypted pastes newest first. A non-empty
// search keeps rows whose title or content contains it, case-sensitively.
func (s *SQLite) ListPublic(ctx context.Context, search string) ([]*domain.Paste, error) {
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE visibility = ? AND is_encrypted = 0`
	args := []any{string(domain.Public)}
	if search != "" {
		q += ` AND (instr(title, ?) > 0 OR instr(content, ?) > 0)`
		args = append(args, search, search)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	return s.listPastes(ctx, "db list public", q, args...)
}

func (s *SQLite) ListByOwner(ctx context.Context, userID int64) ([]*domain.Paste, error) {
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE user_id = ? AND is_user_paste = 1 ORDER BY created_at DESC, id DESC`
	return s.listPastes(ctx, "db list owner", q, userID)
}

func (s *SQLite) listPastes(ctx context.Context, op, q string, args ...any) ([]*domain.Paste, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, op)
	}
	return out, nil
}

// DeleteExpired removes rows whose expiration is before asOf, in batches.
func (s *SQLite) DeleteExpired(ctx context.Context, asOf time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	for i := 0; i < maxPurgeBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expiration IS NOT NULL AND expiration < ?
				LIMIT ?
			)
		`, asOf.UnixNano(), purgeBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return total, errors.Wrap(err, "purge batch failed")
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < purgeBatchSize {
			return total, nil
		}
	}
	return total, errors.New("purge hit batch limit, more records may exist")
}

func (s *SQLite) DeleteByID(ctx context.Context, id int64) (int, error) {
	return s.exec(ctx, "delete paste", `DELETE FROM pastes WHERE id = ?`, id)
}

func (s *SQLite) DeleteByOwner(ctx context.Context, userID int64) (int, error) {
	return s.exec(ctx, "delete owner pastes", `DELETE FROM pastes WHERE user_id = ?`, userID)
}

func (s *SQLite) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, op)
	}
	return int(n), nil
}

// CreateUser stores a new account. A taken username yields
// domain.ErrUsernameInUse.
func (s *SQLite) CreateUser(ctx context.Context, username, passwordHash string, now time.Time) (*domain.User, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`INSERT INTO users (username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		username, passwordHash, now.UnixNano(), now.UnixNano(),
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return nil, domain.ErrUsernameInUse
	}
	if err != nil {
		return nil, errors.Wrap(err, "db create user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "db create user id")
	}
	return &domain.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}, nil
}

func (s *SQLite) GetUserByName(ctx context.Context, username string) (*domain.User, error) {
	return s.getUser(ctx, `username = ?`, username)
}

func (s *SQLite) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

func (s *SQLite) getUser(ctx context.Context, where string, arg any) (*domain.User, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var (
		u       domain.User
		created int64
		updated int64
	)
	err = s.db.QueryRowContext(queryCtx,
		`SELECT id, username, password_hash, created_at, updated_at FROM users WHERE `+where, arg,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get user")
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func (s *SQLite) DeleteUser(ctx context.Context, id int64) (int, error) {
	return s.exec(ctx, "delete user", `DELETE FROM users WHERE id = ?`, id)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) UpdateUserPassword(ctx context.Context, id int64, passwordHash string, now time.Time) error {
	n, err := s.exec(ctx, "update user password",
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, passwordHash, now.UnixNano(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// Ping fails fast while the circuit is open so readiness reflects it.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}
