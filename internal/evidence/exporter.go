// Package evidence packages a redacted, self-contained audit bundle for one
// signed transaction. Exports only read state.
package evidence

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/internal/audit/masking"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/smallbiznis/srmgate/internal/receipt/chain"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	fileReceipt = "receipt.json"
	fileAudit   = "audit.json"
	fileQR      = "qr.png"
	filePDF     = "receipt.pdf"
	fileNotes   = "notes.md"

	fileTimeLayout = "20060102T150405Z"
)

var (
	ErrNotFound      = errors.New("evidence_receipt_not_found")
	ErrInvalidTenant = errors.New("invalid_tenant")
)

// Bundle is a finished evidence archive.
type Bundle struct {
	ID       string
	FileName string
	Data     []byte
}

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Environments *config.EnvironmentHolder
	Receipts     receiptdomain.Service
	Audit        auditdomain.Service
	Devices      devicedomain.Service
	Queue        queuedomain.Service
	Connectivity connectivitydomain.Service `optional:"true"`
	Metrics      *metrics.Metrics           `optional:"true"`
}

type Exporter struct {
	log          *zap.Logger
	clock        clock.Clock
	envs         *config.EnvironmentHolder
	receipts     receiptdomain.Service
	audit        auditdomain.Service
	devices      devicedomain.Service
	queue        queuedomain.Service
	connectivity connectivitydomain.Service
	metrics      *metrics.Metrics
}

func NewExporter(p Params) *Exporter {
	return &Exporter{
		log:          p.Log.Named("evidence"),
		clock:        p.Clock,
		envs:         p.Environments,
		receipts:     p.Receipts,
		audit:        p.Audit,
		devices:      p.Devices,
		queue:        p.Queue,
		connectivity: p.Connectivity,
		metrics:      p.Metrics,
	}
}

// facts is everything a bundle is rendered from.
type facts struct {
	exportID   string
	exportedAt time.Time
	receipt    *receiptdomain.SignedReceipt
	profile    *devicedomain.Profile
	item       *queuedomain.Item
	entries    []auditdomain.Entry
	breakers   []queuedomain.BreakerState
	offline    []connectivitydomain.OfflineSession
}

// Export builds the evidence archive of one transaction.
func (e *Exporter) Export(ctx context.Context, tenantID, transactionID string) (Bundle, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Bundle{}, ErrInvalidTenant
	}
	ctx = obscontext.WithTenantID(ctx, tenantID)
	log := logger.WithContext(ctx, e.log).With(zap.String("transaction_id", transactionID))

	f, err := e.gather(ctx, tenantID, transactionID)
	if err != nil {
		e.metrics.RecordEvidenceExport(ctx, "error")
		return Bundle{}, err
	}

	data, err := e.archive(f)
	if err != nil {
		e.metrics.RecordEvidenceExport(ctx, "error")
		log.Error("evidence.export.failed", zap.Error(err))
		return Bundle{}, err
	}

	bundle := Bundle{
		ID:       f.exportID,
		FileName: FileName(transactionID, f.exportedAt),
		Data:     data,
	}
	e.metrics.RecordEvidenceExport(ctx, "success")
	log.Info("evidence.exported",
		zap.String("export_id", bundle.ID),
		zap.String("file_name", bundle.FileName),
		zap.Int("bytes", len(data)),
		zap.Int("audit_entries", len(f.entries)),
	)
	return bundle, nil
}

// FileName is evidence_<slug(transaction id)>_<UTC timestamp>.zip.
func FileName(transactionID string, at time.Time) string {
	name := slug.Make(transactionID)
	if name == "" {
		name = "transaction"
	}
	return "evidence_" + name + "_" + at.UTC().Format(fileTimeLayout) + ".zip"
}

func (e *Exporter) gather(ctx context.Context, tenantID, transactionID string) (*facts, error) {
	receipt, err := e.receipts.Get(ctx, tenantID, transactionID)
	if err != nil {
		if errors.Is(err, receiptdomain.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	profile, err := e.devices.Get(ctx, receipt.ProfileID)
	if err != nil {
		return nil, err
	}
	entries, err := e.audit.ListByTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	f := &facts{
		exportID:   ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		exportedAt: now,
		receipt:    receipt,
		profile:    profile,
		entries:    entries,
	}

	item, err := e.queue.GetByTransaction(ctx, tenantID, transactionID, queuedomain.OperationSubmit)
	switch {
	case err == nil:
		f.item = item
	case !errors.Is(err, queuedomain.ErrNotFound):
		return nil, err
	}

	if env, err := e.envs.Get(receipt.Environment); err == nil {
		states, err := e.queue.Breakers(ctx)
		if err != nil {
			return nil, err
		}
		endpoint := strings.TrimRight(env.TransactionURL, "/")
		for _, state := range states {
			if state.Endpoint == endpoint {
				f.breakers = append(f.breakers, state)
			}
		}
	}

	if e.connectivity != nil {
		sessions, err := e.connectivity.Overlapping(ctx, tenantID, receipt.SignedAt)
		if err != nil {
			return nil, err
		}
		f.offline = sessions
	}
	return f, nil
}

func (e *Exporter) archive(f *facts) ([]byte, error) {
	receiptDoc, err := json.MarshalIndent(redactReceipt(f.receipt), "", "  ")
	if err != nil {
		return nil, err
	}
	auditDoc, err := json.MarshalIndent(auditDocument(f.entries), "", "  ")
	if err != nil {
		return nil, err
	}
	qrPNG, err := RenderQR(f.receipt.QRPayload)
	if err != nil {
		return nil, err
	}
	pdfDoc, err := renderPDF(f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name string
		data []byte
	}{
		{fileReceipt, receiptDoc},
		{fileAudit, auditDoc},
		{fileQR, qrPNG},
		{filePDF, pdfDoc},
		{fileNotes, []byte(renderNotes(f))},
	}
	for _, file := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     file.name,
			Method:   zip.Deflate,
			Modified: f.exportedAt,
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(file.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RedactedReceipt carries hashes and lengths of the signature material, never
// the raw signatures. The QR payload is kept as printed on the receipt.
type RedactedReceipt struct {
	TransactionID           string    `json:"transaction_id"`
	TenantID                string    `json:"tenant_id"`
	Environment             string    `json:"environment"`
	DeviceID                string    `json:"device_id"`
	Sequence                int64     `json:"sequence"`
	TransactionType         string    `json:"transaction_type"`
	Mode                    string    `json:"mode"`
	Total                   string    `json:"total"`
	CanonicalVersion        string    `json:"canonical_version"`
	PayloadHash             string    `json:"payload_hash"`
	PayloadLength           int       `json:"payload_length"`
	SignatureDigest         string    `json:"signature_digest"`
	SignatureLength         int       `json:"signature_length"`
	PreviousSignatureDigest string    `json:"previous_signature_digest"`
	PreviousIsGenesis       bool      `json:"previous_is_genesis"`
	CertificateFingerprint  string    `json:"certificate_fingerprint"`
	QRPayload               string    `json:"qr_payload"`
	QRPayloadLength         int       `json:"qr_payload_length"`
	SignedAt                time.Time `json:"signed_at"`
}

func redactReceipt(r *receiptdomain.SignedReceipt) RedactedReceipt {
	return RedactedReceipt{
		TransactionID:           r.TransactionID,
		TenantID:                r.TenantID,
		Environment:             r.Environment,
		DeviceID:                r.DeviceID,
		Sequence:                r.Sequence,
		TransactionType:         string(r.TransactionType),
		Mode:                    string(r.Mode),
		Total:                   chain.FormatAmount(r.Total),
		CanonicalVersion:        r.CanonicalVersion,
		PayloadHash:             r.PayloadHash,
		PayloadLength:           len(r.CanonicalPayload),
		SignatureDigest:         masking.Digest(r.Signature),
		SignatureLength:         len(r.Signature),
		PreviousSignatureDigest: masking.Digest(r.PreviousSignature),
		PreviousIsGenesis:       r.PreviousSignature == chain.GenesisSignature,
		CertificateFingerprint:  r.CertificateFingerprint,
		QRPayload:               r.QRPayload,
		QRPayloadLength:         len(r.QRPayload),
		SignedAt:                r.SignedAt.UTC(),
	}
}

// AuditRecord is one regulator call as exported. The idempotency key is
// masked; hashes and timings pass through.
type AuditRecord struct {
	Operation              string    `json:"operation"`
	Attempt                int       `json:"attempt"`
	Endpoint               string    `json:"endpoint"`
	IdempotencyKey         string    `json:"idempotency_key,omitempty"`
	RequestHash            string    `json:"request_hash"`
	ResponseHash           string    `json:"response_hash,omitempty"`
	HTTPStatus             int       `json:"http_status"`
	RegulatorTransactionID string    `json:"regulator_transaction_id,omitempty"`
	ReturnCode             string    `json:"return_code,omitempty"`
	ErrorCode              string    `json:"error_code,omitempty"`
	ErrorMessage           string    `json:"error_message,omitempty"`
	DurationMS             int64     `json:"duration_ms"`
	Succeeded              bool      `json:"succeeded"`
	CreatedAt              time.Time `json:"created_at"`
}

func auditDocument(entries []auditdomain.Entry) []AuditRecord {
	out := make([]AuditRecord, 0, len(entries))
	for _, entry := range entries {
		out = append(out, AuditRecord{
			Operation:              entry.Operation,
			Attempt:                entry.Attempt,
			Endpoint:               entry.Endpoint,
			IdempotencyKey:         masking.MaskSecret(entry.IdempotencyKey),
			RequestHash:            entry.RequestHash,
			ResponseHash:           entry.ResponseHash,
			HTTPStatus:             entry.HTTPStatus,
			RegulatorTransactionID: entry.RegulatorTransactionID,
			ReturnCode:             entry.ReturnCode,
			ErrorCode:              entry.ErrorCode,
			ErrorMessage:           entry.ErrorMessage,
			DurationMS:             entry.DurationMS,
			Succeeded:              entry.Succeeded(),
			CreatedAt:              entry.CreatedAt.UTC(),
		})
	}
	return out
}
