package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by modernc.org/sqlite, matching
// spec.md §6's table definitions.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at dsn
// and ensures the schema exists.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS accounts (
	phone TEXT PRIMARY KEY,
	country TEXT NOT NULL,
	proxy_id TEXT,
	messages_today INTEGER NOT NULL DEFAULT 0,
	messages_last_minute INTEGER NOT NULL DEFAULT 0,
	last_message_minute_reset TIMESTAMP,
	last_message_at TIMESTAMP,
	blocked_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	total_messages_sent INTEGER NOT NULL DEFAULT 0,
	successful_messages INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	phone TEXT NOT NULL,
	session_number INTEGER NOT NULL,
	worker_id TEXT NOT NULL,
	status TEXT NOT NULL,
	session_data BLOB,
	last_active TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);

CREATE TABLE IF NOT EXISTS message_queue (
	id TEXT PRIMARY KEY,
	campaign_id TEXT,
	recipient_phone TEXT NOT NULL,
	recipient_name TEXT,
	message_template TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_sender TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	overflow INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON message_queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_campaign ON message_queue(campaign_id);

CREATE TABLE IF NOT EXISTS chat_history (
	sender_phone TEXT NOT NULL,
	recipient_phone TEXT NOT NULL,
	last_message_at TIMESTAMP NOT NULL,
	PRIMARY KEY (sender_phone, recipient_phone)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	total INTEGER NOT NULL DEFAULT 0,
	sent INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
`)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertAccount(ctx context.Context, row AccountRow) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (phone, country, proxy_id, messages_today, messages_last_minute, last_message_minute_reset, last_message_at, blocked_at, created_at, total_messages_sent, successful_messages)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(phone) DO UPDATE SET
	country=excluded.country, proxy_id=excluded.proxy_id, messages_today=excluded.messages_today,
	messages_last_minute=excluded.messages_last_minute, last_message_minute_reset=excluded.last_message_minute_reset,
	last_message_at=excluded.last_message_at, blocked_at=excluded.blocked_at,
	total_messages_sent=excluded.total_messages_sent, successful_messages=excluded.successful_messages`,
		row.Phone, row.Country, row.ProxyID, row.MessagesToday, row.MessagesLastMinute,
		row.LastMessageMinuteReset, row.LastMessageAt, row.BlockedAt, row.CreatedAt,
		row.TotalMessagesSent, row.SuccessfulMessages)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, phone string) (AccountRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT phone, country, proxy_id, messages_today, messages_last_minute, last_message_minute_reset, last_message_at, blocked_at, created_at, total_messages_sent, successful_messages FROM accounts WHERE phone = ?`, phone)
	var out AccountRow
	var proxyID sql.NullString
	var lastMinuteReset, lastMessageAt, blockedAt sql.NullTime
	if err := row.Scan(&out.Phone, &out.Country, &proxyID, &out.MessagesToday, &out.MessagesLastMinute,
		&lastMinuteReset, &lastMessageAt, &blockedAt, &out.CreatedAt, &out.TotalMessagesSent, &out.SuccessfulMessages); err != nil {
		if err == sql.ErrNoRows {
			return AccountRow{}, false, nil
		}
		return AccountRow{}, false, err
	}
	out.ProxyID = proxyID.String
	out.LastMessageMinuteReset = lastMinuteReset.Time
	out.LastMessageAt = lastMessageAt.Time
	if blockedAt.Valid {
		out.BlockedAt = &blockedAt.Time
	}
	return out, true, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]AccountRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone, country, proxy_id, messages_today, messages_last_minute, last_message_minute_reset, last_message_at, blocked_at, created_at, total_messages_sent, successful_messages FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var a AccountRow
		var proxyID sql.NullString
		var lastMinuteReset, lastMessageAt, blockedAt sql.NullTime
		if err := rows.Scan(&a.Phone, &a.Country, &proxyID, &a.MessagesToday, &a.MessagesLastMinute,
			&lastMinuteReset, &lastMessageAt, &blockedAt, &a.CreatedAt, &a.TotalMessagesSent, &a.SuccessfulMessages); err != nil {
			return nil, err
		}
		a.ProxyID = proxyID.String
		a.LastMessageMinuteReset = lastMinuteReset.Time
		a.LastMessageAt = lastMessageAt.Time
		if blockedAt.Valid {
			a.BlockedAt = &blockedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, phone, session_number, worker_id, status, session_data, last_active)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	phone=excluded.phone, session_number=excluded.session_number, worker_id=excluded.worker_id,
	status=excluded.status, session_data=excluded.session_data, last_active=excluded.last_active`,
		row.ID, row.Phone, row.SessionNumber, row.WorkerID, row.Status, row.SessionData, row.LastActive)
	return err
}

func (s *SQLiteStore) ListSessionsForWorker(ctx context.Context, workerID string) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, phone, session_number, worker_id, status, session_data, last_active FROM sessions WHERE worker_id = ?`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.Phone, &r.SessionNumber, &r.WorkerID, &r.Status, &r.SessionData, &r.LastActive); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) EnqueueMessage(ctx context.Context, row MessageRow) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO message_queue (id, campaign_id, recipient_phone, recipient_name, message_template, priority, status, assigned_sender, retry_count, overflow, created_at, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.CampaignID, row.RecipientPhone, row.RecipientName, row.MessageTemplate,
		row.Priority, row.Status, row.AssignedSender, row.RetryCount, row.Overflow, row.CreatedAt, row.ProcessedAt)
	return err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (MessageRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, campaign_id, recipient_phone, recipient_name, message_template, priority, status, assigned_sender, retry_count, overflow, created_at, processed_at FROM message_queue WHERE id = ?`, id)
	out, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return MessageRow{}, false, nil
	}
	if err != nil {
		return MessageRow{}, false, err
	}
	return out, true, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, row MessageRow) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE message_queue SET campaign_id=?, recipient_phone=?, recipient_name=?, message_template=?, priority=?,
	status=?, assigned_sender=?, retry_count=?, overflow=?, processed_at=? WHERE id=?`,
		row.CampaignID, row.RecipientPhone, row.RecipientName, row.MessageTemplate, row.Priority,
		row.Status, row.AssignedSender, row.RetryCount, row.Overflow, row.ProcessedAt, row.ID)
	return err
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_queue WHERE status = ?`, MessagePending).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]MessageRow, error) {
	query := `SELECT id, campaign_id, recipient_phone, recipient_name, message_template, priority, status, assigned_sender, retry_count, overflow, created_at, processed_at FROM message_queue WHERE status = ? ORDER BY priority, created_at`
	args := []any{MessagePending}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *SQLiteStore) ListByCampaign(ctx context.Context, campaignID string) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, campaign_id, recipient_phone, recipient_name, message_template, priority, status, assigned_sender, retry_count, overflow, created_at, processed_at FROM message_queue WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *SQLiteStore) ExistsForCampaign(ctx context.Context, campaignID, recipient, template string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_queue WHERE campaign_id=? AND recipient_phone=? AND message_template=?`, campaignID, recipient, template).Scan(&n)
	return n > 0, err
}

func scanMessageRow(row *sql.Row) (MessageRow, error) {
	var m MessageRow
	var campaignID, recipientName, assignedSender sql.NullString
	var processedAt sql.NullTime
	if err := row.Scan(&m.ID, &campaignID, &m.RecipientPhone, &recipientName, &m.MessageTemplate,
		&m.Priority, &m.Status, &assignedSender, &m.RetryCount, &m.Overflow, &m.CreatedAt, &processedAt); err != nil {
		return MessageRow{}, err
	}
	m.CampaignID = campaignID.String
	m.RecipientName = recipientName.String
	m.AssignedSender = assignedSender.String
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	return m, nil
}

func scanMessageRows(rows *sql.Rows) ([]MessageRow, error) {
	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var campaignID, recipientName, assignedSender sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&m.ID, &campaignID, &m.RecipientPhone, &recipientName, &m.MessageTemplate,
			&m.Priority, &m.Status, &assignedSender, &m.RetryCount, &m.Overflow, &m.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		m.CampaignID = campaignID.String
		m.RecipientName = recipientName.String
		m.AssignedSender = assignedSender.String
		if processedAt.Valid {
			m.ProcessedAt = &processedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertChatHistory(ctx context.Context, row ChatHistoryRow) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_history (sender_phone, recipient_phone, last_message_at) VALUES (?, ?, ?)
ON CONFLICT(sender_phone, recipient_phone) DO UPDATE SET
	last_message_at = MAX(last_message_at, excluded.last_message_at)`,
		row.SenderPhone, row.RecipientPhone, row.LastMessageAt)
	return err
}

func (s *SQLiteStore) GetChatHistory(ctx context.Context, sender, recipient string) (ChatHistoryRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sender_phone, recipient_phone, last_message_at FROM chat_history WHERE sender_phone=? AND recipient_phone=?`, sender, recipient)
	var out ChatHistoryRow
	if err := row.Scan(&out.SenderPhone, &out.RecipientPhone, &out.LastMessageAt); err != nil {
		if err == sql.ErrNoRows {
			return ChatHistoryRow{}, false, nil
		}
		return ChatHistoryRow{}, false, err
	}
	return out, true, nil
}

func (s *SQLiteStore) ListEdgesForRecipient(ctx context.Context, recipient string) ([]ChatHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sender_phone, recipient_phone, last_message_at FROM chat_history WHERE recipient_phone=?`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatHistoryRow
	for rows.Next() {
		var r ChatHistoryRow
		if err := rows.Scan(&r.SenderPhone, &r.RecipientPhone, &r.LastMessageAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, row CampaignRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO campaigns (id, total, sent, failed, status, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Total, row.Sent, row.Failed, row.Status, row.StartedAt, row.CompletedAt)
	return err
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (CampaignRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, total, sent, failed, status, started_at, completed_at FROM campaigns WHERE id=?`, id)
	var out CampaignRow
	var completedAt sql.NullTime
	if err := row.Scan(&out.ID, &out.Total, &out.Sent, &out.Failed, &out.Status, &out.StartedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return CampaignRow{}, false, nil
		}
		return CampaignRow{}, false, err
	}
	if completedAt.Valid {
		out.CompletedAt = &completedAt.Time
	}
	return out, true, nil
}

func (s *SQLiteStore) UpdateCampaign(ctx context.Context, row CampaignRow) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET total=?, sent=?, failed=?, status=?, started_at=?, completed_at=? WHERE id=?`,
		row.Total, row.Sent, row.Failed, row.Status, row.StartedAt, row.CompletedAt, row.ID)
	return err
}

func (s *SQLiteStore) ListActiveCampaigns(ctx context.Context) ([]CampaignRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, total, sent, failed, status, started_at, completed_at FROM campaigns WHERE status IN (?, ?)`,
		CampaignPending, CampaignInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CampaignRow
	for rows.Next() {
		var c CampaignRow
		var completedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Total, &c.Sent, &c.Failed, &c.Status, &c.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
