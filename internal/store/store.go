// Package store defines the relational-store contract used by the Master
// (queue, chat-history, campaigns) and by Workers (account counters,
// session rows), per spec.md §6. Two implementations are provided: an
// in-memory one (used by both tests and single-process deployments — "retry
// storage may be either relational or in-memory", spec.md §1) and a
// SQLite-backed one for durable single-node operation.
package store

import (
	"context"
	"time"
)

// AccountRow mirrors the accounts table.
type AccountRow struct {
	Phone                  string
	Country                string
	ProxyID                string
	MessagesToday          int
	MessagesLastMinute     int
	LastMessageMinuteReset time.Time
	LastMessageAt          time.Time
	BlockedAt              *time.Time
	CreatedAt              time.Time
	TotalMessagesSent      int
	SuccessfulMessages     int
}

// SessionRow mirrors the sessions table.
type SessionRow struct {
	ID            string
	Phone         string
	SessionNumber int
	WorkerID      string
	Status        string // CONNECTED | DISCONNECTED
	SessionData   []byte
	LastActive    time.Time
}

// MessageStatus is the closed enumeration for message_queue.status.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageFailed     MessageStatus = "failed"
)

// Priority is the closed enumeration for message_queue.priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// MessageRow mirrors the message_queue table.
type MessageRow struct {
	ID              string
	CampaignID      string
	RecipientPhone  string
	RecipientName   string
	MessageTemplate string
	Priority        Priority
	Status          MessageStatus
	AssignedSender  string
	RetryCount      int
	Overflow        bool
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// ChatHistoryRow mirrors the chat_history table.
type ChatHistoryRow struct {
	SenderPhone    string
	RecipientPhone string
	LastMessageAt  time.Time
}

// CampaignStatus is the closed enumeration for campaigns.status.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
)

// CampaignRow mirrors the campaigns table.
type CampaignRow struct {
	ID          string
	Total       int
	Sent        int
	Failed      int
	Status      CampaignStatus
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Store is the full relational-store contract. Implementations must be
// safe for concurrent use; per-Identity writes are expected to be
// serialized upstream by the caller's per-Identity lock (spec.md §5), not
// by the store itself.
type Store interface {
	AccountStore
	SessionStore
	QueueStore
	ChatHistoryStore
	CampaignStore

	Close() error
}

// AccountStore persists per-Identity counters and blocked state.
type AccountStore interface {
	UpsertAccount(ctx context.Context, row AccountRow) error
	GetAccount(ctx context.Context, phone string) (AccountRow, bool, error)
	ListAccounts(ctx context.Context) ([]AccountRow, error)
}

// SessionStore persists session rows for Worker restart recovery.
type SessionStore interface {
	UpsertSession(ctx context.Context, row SessionRow) error
	ListSessionsForWorker(ctx context.Context, workerID string) ([]SessionRow, error)
	DeleteSession(ctx context.Context, id string) error
}

// QueueStore persists queued messages.
type QueueStore interface {
	EnqueueMessage(ctx context.Context, row MessageRow) error
	GetMessage(ctx context.Context, id string) (MessageRow, bool, error)
	UpdateMessage(ctx context.Context, row MessageRow) error
	CountPending(ctx context.Context) (int, error)
	ListPending(ctx context.Context, limit int) ([]MessageRow, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]MessageRow, error)
	ExistsForCampaign(ctx context.Context, campaignID, recipient, template string) (bool, error)
}

// ChatHistoryStore persists chat-history edges.
type ChatHistoryStore interface {
	UpsertChatHistory(ctx context.Context, row ChatHistoryRow) error
	GetChatHistory(ctx context.Context, sender, recipient string) (ChatHistoryRow, bool, error)
	ListEdgesForRecipient(ctx context.Context, recipient string) ([]ChatHistoryRow, error)
}

// CampaignStore persists campaign aggregates.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, row CampaignRow) error
	GetCampaign(ctx context.Context, id string) (CampaignRow, bool, error)
	UpdateCampaign(ctx context.Context, row CampaignRow) error
	ListActiveCampaigns(ctx context.Context) ([]CampaignRow, error)
}
