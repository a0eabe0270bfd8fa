package storage

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

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"botcast/internal/model"
	logx "botcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore backs both sqlite and postgres. Queries are written with "?"
// placeholders and rebound per driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConn > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

// ---- bots ----

const botColumns = `id, name, token, token_hash, active, admin_chat_id, description, short_description, created_at`

func (s *sqlStore) CreateBot(ctx context.Context, b model.BotIdentity) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO bots(`+botColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`),
		b.ID, b.Name, b.Token, b.TokenHash, b.Active, b.AdminChatID, b.Description, b.ShortDescription, b.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bot credential already registered: %w", model.ErrConflict)
	}
	return err
}

func (s *sqlStore) GetBot(ctx context.Context, id string) (model.BotIdentity, error) {
	var row botRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+botColumns+` FROM bots WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BotIdentity{}, model.NotFound("bot", id)
	}
	if err != nil {
		return model.BotIdentity{}, err
	}
	return row.model(), nil
}

func (s *sqlStore) ListBots(ctx context.Context) ([]model.BotIdentity, error) {
	var rows []botRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+botColumns+` FROM bots ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]model.BotIdentity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *sqlStore) SetBotActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE bots SET active = ? WHERE id = ?`), active, id)
	return affected(res, err, "bot", id)
}

func (s *sqlStore) UpdateBotProfile(ctx context.Context, id, name, description, shortDescription string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE bots SET name = ?, description = ?, short_description = ? WHERE id = ?`),
		name, description, shortDescription, id,
	)
	return affected(res, err, "bot", id)
}

// ---- recipients ----

const recipientColumns = `bot_id, user_id, username, first_name, last_name, language_code, blocked, engaged_at, last_seen_at, created_at`

func (s *sqlStore) UpsertRecipient(ctx context.Context, botID string, userID int64, p model.Profile, seenAt time.Time) (model.Recipient, error) {
	ms := seenAt.UnixMilli()
	var row recipientRow
	err := s.db.GetContext(ctx, &row, s.q(`
		INSERT INTO recipients(bot_id, user_id, username, first_name, last_name, language_code, blocked, last_seen_at, created_at)
		VALUES(?,?,?,?,?,?,FALSE,?,?)
		ON CONFLICT(bot_id, user_id) DO UPDATE SET
			username      = COALESCE(excluded.username, recipients.username),
			first_name    = COALESCE(excluded.first_name, recipients.first_name),
			last_name     = COALESCE(excluded.last_name, recipients.last_name),
			language_code = COALESCE(excluded.language_code, recipients.language_code),
			last_seen_at  = excluded.last_seen_at
		RETURNING `+recipientColumns),
		botID, userID, nullStr(p.Username), nullStr(p.FirstName), nullStr(p.LastName), nullStr(p.LanguageCode), ms, ms,
	)
	if err != nil {
		return model.Recipient{}, fmt.Errorf("upsert recipient: %w", err)
	}
	return row.model(), nil
}

func (s *sqlStore) EnsureRecipient(ctx context.Context, botID string, userID int64, at time.Time) (model.Recipient, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO recipients(bot_id, user_id, blocked, created_at) VALUES(?,?,FALSE,?)
		ON CONFLICT(bot_id, user_id) DO NOTHING`),
		botID, userID, at.UnixMilli(),
	)
	if err != nil {
		return model.Recipient{}, fmt.Errorf("ensure recipient: %w", err)
	}
	return s.GetRecipient(ctx, botID, userID)
}

func (s *sqlStore) GetRecipient(ctx context.Context, botID string, userID int64) (model.Recipient, error) {
	var row recipientRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+recipientColumns+` FROM recipients WHERE bot_id = ? AND user_id = ?`), botID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, model.NotFound("recipient", userID)
	}
	if err != nil {
		return model.Recipient{}, err
	}
	return row.model(), nil
}

func (s *sqlStore) MarkEngaged(ctx context.Context, botID string, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE recipients SET engaged_at = COALESCE(engaged_at, ?) WHERE bot_id = ? AND user_id = ?`),
		at.UnixMilli(), botID, userID,
	)
	return affected(res, err, "recipient", userID)
}

func (s *sqlStore) SetBlocked(ctx context.Context, botID string, userID int64, blocked bool, seenAt time.Time) error {
	var seen any
	if !seenAt.IsZero() {
		seen = seenAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE recipients SET blocked = ?, last_seen_at = COALESCE(?, last_seen_at) WHERE bot_id = ? AND user_id = ?`),
		blocked, seen, botID, userID,
	)
	return affected(res, err, "recipient", userID)
}

func (s *sqlStore) ListEligible(ctx context.Context, botID string) ([]model.Recipient, error) {
	var rows []recipientRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+recipientColumns+` FROM recipients WHERE bot_id = ? AND blocked = FALSE AND engaged_at IS NOT NULL`),
		botID,
	)
	if err != nil {
		return nil, err
	}
	out := make([]model.Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *sqlStore) BotStats(ctx context.Context, botID string) (model.BotStats, error) {
	var st model.BotStats
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN engaged_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN blocked THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT blocked AND engaged_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM recipients WHERE bot_id = ?`), botID,
	).Scan(&st.Total, &st.Engaged, &st.Blocked, &st.Eligible)
	return st, err
}

// ---- ledger ----

const deliveryColumns = `id, dispatch_id, campaign_id, bot_id, user_id, action, status, platform_message_id, error, sent_at, created_at`

func (s *sqlStore) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	var sentAt any
	if rec.SentAt != nil {
		sentAt = rec.SentAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO deliveries(`+deliveryColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		rec.ID, rec.DispatchID, nullStr(rec.CampaignID), rec.BotID, rec.UserID, rec.Action, string(rec.Status),
		nullStr(rec.PlatformMessageID), nullStr(rec.Error), sentAt, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

func (s *sqlStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, f.BotID)
	}
	if f.DispatchID != "" {
		where = append(where, "dispatch_id = ?")
		args = append(args, f.DispatchID)
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, deliveryLimit(f.Limit))

	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]model.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ---- inbound journal ----

func (s *sqlStore) AppendInbound(ctx context.Context, e model.InboundEvent) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO inbound_events(id, bot_id, kind, from_id, text, new_status, received_at) VALUES(?,?,?,?,?,?,?)`),
		uuid.NewString(), e.BotID, string(e.Kind), e.FromID, nullStr(e.Text), nullStr(e.NewStatus), e.ReceivedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) PruneInbound(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_events WHERE received_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affected(res sql.Result, err error, kind string, key any) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NotFound(kind, key)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
