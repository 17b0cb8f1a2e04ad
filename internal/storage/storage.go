package storage

import (
	"context"
	"time"
)

// BlacklistedToken is a persisted blacklist record.
type BlacklistedToken struct {
	Token         string    `json:"token"`
	Source        string    `json:"source"`
	BlacklistedAt time.Time `json:"blacklistedAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PushRecord tracks one delivery attempt's outcome for the admin history.
type PushRecord struct {
	ID        uint64    `json:"id"`
	Token     string    `json:"token"`
	Alert     string    `json:"alert"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Push record statuses.
const (
	PushStatusDelivered = "DELIVERED"
	PushStatusFailed    = "FAILED"
	PushStatusRejected  = "REJECTED"
)

// Store abstracts blacklist and push-history persistence.
type Store interface {
	UpsertBlacklistedToken(ctx context.Context, record *BlacklistedToken) error
	GetBlacklistedToken(ctx context.Context, token string) (*BlacklistedToken, error)
	ListBlacklistedTokens(ctx context.Context) ([]*BlacklistedToken, error)
	DeleteBlacklistedToken(ctx context.Context, token string) error
	AppendPushRecord(ctx context.Context, record *PushRecord) error
	ListPushRecords(ctx context.Context) ([]*PushRecord, error)
	Close() error
}
