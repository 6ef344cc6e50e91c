package gateway

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/secgate/pkg/event"
	"github.com/nao1215/secgate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultEventLimit はListEventsで件数を指定しない場合の取得件数。
const DefaultEventLimit = 20

var (
	// ErrNotFound は対象のレコードが存在しないことを表す。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEmail はメールアドレスが既に登録されていることを表す。
	ErrDuplicateEmail = errors.New("email already registered")
)

// Account はログイン可能なアカウント。
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// UserRecord はフォームから登録される利用者レコード。
type UserRecord struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// Store はSQLiteに保存するアカウントストア。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDB はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリDBになる。
func OpenDB(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが単一接続に直列化されるため接続を1本に絞る
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベース接続の確認に失敗: %w", err)
	}
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

// NewStore はdbを使うStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Ping はデータベースへの接続を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// normalizeEmail は比較用にメールアドレスを正規化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateAccount はアカウントを作成する。
// メールアドレスが登録済みの場合は ErrDuplicateEmail を返す。
func (s *Store) CreateAccount(ctx context.Context, email, passwordHash string) (*Account, error) {
	a := &Account{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("アカウントの作成に失敗: %w", err)
	}
	return a, nil
}

// GetAccountByEmail はメールアドレスでアカウントを取得する。
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at, last_login_at FROM accounts WHERE email = ?`,
		normalizeEmail(email),
	)
	return scanAccount(row)
}

// GetAccountByID はIDでアカウントを取得する。
func (s *Store) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at, last_login_at FROM accounts WHERE id = ?`,
		id,
	)
	return scanAccount(row)
}

// UpdateLastLogin は最終ログイン日時を現在時刻に更新する。
func (s *Store) UpdateLastLogin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_login_at = ? WHERE id = ?`,
		s.now().UTC().Truncate(time.Second), id,
	)
	if err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUserRecord は利用者レコードを登録する。
func (s *Store) CreateUserRecord(ctx context.Context, name, email string) (*UserRecord, error) {
	u := &UserRecord{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Email:     normalizeEmail(email),
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("利用者レコードの登録に失敗: %w", err)
	}
	return u, nil
}

// AppendEvent はaggregateIDの操作履歴にイベントを追記する。
// バージョンは既存の最大値に1を足した値になる。
func (s *Store) AppendEvent(ctx context.Context, aggregateID string, aggregateType event.AggregateType, eventType event.Type, data any) (*event.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM account_events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version); err != nil {
		return nil, fmt.Errorf("イベントバージョンの取得に失敗: %w", err)
	}

	ev, err := event.New(aggregateID, aggregateType, eventType, version, data)
	if err != nil {
		return nil, err
	}
	ev.CreatedAt = s.now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AggregateID, string(ev.AggregateType), string(ev.EventType), string(ev.Data), ev.Version, ev.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("イベントの追記に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("イベントのコミットに失敗: %w", err)
	}
	return ev, nil
}

// ListEvents はaggregateIDのイベントを新しい順に最大limit件返す。
// limitが0以下の場合は DefaultEventLimit 件になる。
func (s *Store) ListEvents(ctx context.Context, aggregateID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at
		 FROM account_events WHERE aggregate_id = ? ORDER BY version DESC LIMIT ?`,
		aggregateID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer rows.Close()

	events := make([]event.Event, 0, limit)
	for rows.Next() {
		var (
			ev   event.Event
			data string
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &ev.EventType, &data, &ev.Version, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		ev.Data = []byte(data)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
	}
	return events, nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		a         Account
		lastLogin sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	return &a, nil
}

// isUniqueViolation は一意制約違反のエラーかを判定する。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
