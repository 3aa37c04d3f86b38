package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/srmgate/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListRequest struct {
	pagination.Pagination
	TenantID      string
	Operation     string
	TransactionID string
	StartAt       *time.Time
	EndAt         *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Entry, error)
	ListByTransaction(ctx context.Context, db *gorm.DB, tenantID, transactionID string) ([]*Entry, error)
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	ListByTransaction(ctx context.Context, tenantID, transactionID string) ([]Entry, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidOperation = errors.New("invalid_operation")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
