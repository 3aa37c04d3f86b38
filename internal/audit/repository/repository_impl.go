package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/srmgate/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO regulator_audit_entries (
			id, tenant_id, environment, profile_id, device_id, operation,
			transaction_id, idempotency_key, attempt, endpoint, request_hash,
			response_hash, http_status, regulator_transaction_id, return_code,
			error_code, error_message, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TenantID,
		entry.Environment,
		entry.ProfileID,
		entry.DeviceID,
		entry.Operation,
		entry.TransactionID,
		entry.IdempotencyKey,
		entry.Attempt,
		entry.Endpoint,
		entry.RequestHash,
		entry.ResponseHash,
		entry.HTTPStatus,
		entry.RegulatorTransactionID,
		entry.ReturnCode,
		entry.ErrorCode,
		entry.ErrorMessage,
		entry.DurationMS,
		entry.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := db.WithContext(ctx).Model(&domain.Entry{}).
		Where("tenant_id = ?", filter.TenantID)

	if op := strings.TrimSpace(filter.Operation); op != "" {
		stmt = stmt.Where("operation = ?", op)
	}
	if txID := strings.TrimSpace(filter.TransactionID); txID != "" {
		stmt = stmt.Where("transaction_id = ?", txID)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ListByTransaction(ctx context.Context, db *gorm.DB, tenantID, transactionID string) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_id = ?", tenantID, transactionID).
		Order("created_at asc, id asc").
		Find(&entries).Error
	return entries, err
}
