package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, session *OfflineSession) error
	Save(ctx context.Context, db *gorm.DB, session *OfflineSession) error
	FindOpen(ctx context.Context, db *gorm.DB, tenantID string) (*OfflineSession, error)
	ListBetween(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) ([]*OfflineSession, error)
}

// ReceiptCounter counts receipts a tenant signed in a time window.
type ReceiptCounter interface {
	CountSignedBetween(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) (int64, error)
}

type Service interface {
	// MarkOffline opens a session unless one is already open for the tenant.
	MarkOffline(ctx context.Context, tenantID, reason string, source Source) (*OfflineSession, error)
	// MarkOnline closes the open session, if any, and fires a reconnect.
	MarkOnline(ctx context.Context, tenantID string) (*OfflineSession, error)
	Signal(ctx context.Context, tenantID string, online bool, reason string) (*OfflineSession, error)
	IsOffline(ctx context.Context, tenantID string) (bool, error)
	List(ctx context.Context, tenantID string, from, to time.Time) ([]OfflineSession, error)
	// Overlapping returns the sessions that were open at the given instant.
	Overlapping(ctx context.Context, tenantID string, at time.Time) ([]OfflineSession, error)
	// Reconnects delivers the tenant id of every closed session.
	Reconnects() <-chan string
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
