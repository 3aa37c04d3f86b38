package evidence

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"strings"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	auditrepository "github.com/smallbiznis/srmgate/internal/audit/repository"
	auditservice "github.com/smallbiznis/srmgate/internal/audit/service"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	connectivityrepository "github.com/smallbiznis/srmgate/internal/connectivity/repository"
	connectivityservice "github.com/smallbiznis/srmgate/internal/connectivity/service"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	devicerepository "github.com/smallbiznis/srmgate/internal/device/repository"
	deviceservice "github.com/smallbiznis/srmgate/internal/device/service"
	"github.com/smallbiznis/srmgate/internal/lock"
	"github.com/smallbiznis/srmgate/internal/queue/breaker"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	queuerepository "github.com/smallbiznis/srmgate/internal/queue/repository"
	queueservice "github.com/smallbiznis/srmgate/internal/queue/service"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	receiptrepository "github.com/smallbiznis/srmgate/internal/receipt/repository"
	receiptservice "github.com/smallbiznis/srmgate/internal/receipt/service"
	"github.com/smallbiznis/srmgate/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	exporter     *Exporter
	db           *gorm.DB
	clock        *clock.FakeClock
	queue        queuedomain.Service
	audit        auditdomain.Service
	connectivity connectivitydomain.Service
	device       testkit.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testkit.OpenDB(t,
		&devicedomain.Profile{},
		&receiptdomain.SignedReceipt{},
		&receiptdomain.DeviceChain{},
		&queuedomain.Item{},
		&queuedomain.BreakerState{},
		&auditdomain.Entry{},
		&connectivitydomain.OfflineSession{},
	)
	v := testkit.Vault(t)
	node := testkit.Node(t)
	envs := testkit.Environments(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC))
	device := testkit.EnrolledProfile(t, db, v, testkit.NewCA(t), node, "tenant-1", config.EnvironmentEssai, "ABCD-1234-5678")

	devices := deviceservice.NewService(deviceservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Environments: envs, Repo: devicerepository.Provide(),
	})
	receiptRepo := receiptrepository.Provide()
	receipts := receiptservice.NewService(receiptservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Environments: envs, Vault: v,
		Locks: lock.NewLocalDeviceLocks(), Repo: receiptRepo,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepository.Provide(),
	})
	connectivity := connectivityservice.NewService(connectivityservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: connectivityrepository.Provide(), Receipts: receiptRepo,
	})
	brk := breaker.New(db, queuerepository.ProvideBreakers(), clk, zap.NewNop(), breaker.Settings{})
	queue := queueservice.NewService(queueservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
		Config:       config.Config{SRM: config.SRMConfig{DefaultEnvironment: config.EnvironmentEssai}},
		Environments: envs, Vault: v, Devices: devices, Receipts: receipts,
		Repo: queuerepository.Provide(), Breaker: brk,
	})

	exporter := NewExporter(Params{
		Log:          zap.NewNop(),
		Clock:        clk,
		Environments: envs,
		Receipts:     receipts,
		Audit:        audit,
		Devices:      devices,
		Queue:        queue,
		Connectivity: connectivity,
	})
	return &fixture{
		exporter: exporter, db: db, clock: clk, queue: queue, audit: audit,
		connectivity: connectivity, device: device,
	}
}

func (f *fixture) enqueue(t *testing.T, id string) *queuedomain.Item {
	t.Helper()
	item, err := f.queue.Enqueue(context.Background(), receiptdomain.TransactionRecord{
		ID:       id,
		TenantID: "tenant-1",
		Currency: "CAD",
		Subtotal: 2500,
		Total:    2500,
		Items: []receiptdomain.LineItem{
			{SKU: "SKU-1", Description: "coffee", Quantity: 1000, UnitPrice: 2500, Amount: 2500},
		},
		CompletedAt: f.clock.Now(),
		Type:        receiptdomain.TransactionSale,
	}, "")
	require.NoError(t, err)
	return item
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, file := range zr.File {
		rc, err := file.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[file.Name] = content
	}
	return files
}

func TestExport_BuildsRedactedBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.connectivity.MarkOffline(ctx, "tenant-1", "dns failure", connectivitydomain.SourceSignal)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	item := f.enqueue(t, "Order #1001")
	require.NoError(t, f.audit.Record(ctx, auditdomain.Entry{
		TenantID:       "tenant-1",
		Environment:    config.EnvironmentEssai,
		ProfileID:      f.device.Profile.ID,
		DeviceID:       "ABCD-1234-5678",
		Operation:      auditdomain.OperationTransaction,
		TransactionID:  "Order #1001",
		IdempotencyKey: item.IdempotencyKey,
		Endpoint:       "https://srm.example/transactions",
		RequestHash:    strings.Repeat("a", 64),
		HTTPStatus:     503,
		ErrorCode:      "transient",
		DurationMS:     120,
	}))

	f.clock.Advance(time.Minute)
	bundle, err := f.exporter.Export(ctx, "tenant-1", "Order #1001")
	require.NoError(t, err)
	assert.Equal(t, "evidence_order-1001_20260304T150101Z.zip", bundle.FileName)
	assert.Len(t, bundle.ID, 26)

	files := readZip(t, bundle.Data)
	for _, name := range []string{fileReceipt, fileAudit, fileQR, filePDF, fileNotes} {
		assert.Contains(t, files, name)
	}

	var receipt RedactedReceipt
	require.NoError(t, json.Unmarshal(files[fileReceipt], &receipt))
	assert.Equal(t, int64(1), receipt.Sequence)
	assert.Equal(t, "ABCD-1234-5678", receipt.DeviceID)
	assert.True(t, receipt.PreviousIsGenesis)
	assert.Equal(t, "25.00", receipt.Total)
	assert.NotZero(t, receipt.SignatureLength)
	assert.True(t, strings.HasPrefix(receipt.SignatureDigest, "sha256:"))

	var stored receiptdomain.SignedReceipt
	require.NoError(t, f.db.First(&stored, "transaction_id = ?", "Order #1001").Error)
	assert.NotContains(t, string(files[fileReceipt]), `"signature"`)
	assert.NotContains(t, string(files[fileReceipt]), `"previous_signature"`)
	assert.Equal(t, stored.QRPayload, receipt.QRPayload)

	var audit []AuditRecord
	require.NoError(t, json.Unmarshal(files[fileAudit], &audit))
	require.Len(t, audit, 1)
	assert.Equal(t, 503, audit[0].HTTPStatus)
	assert.False(t, audit[0].Succeeded)
	assert.NotEqual(t, item.IdempotencyKey, audit[0].IdempotencyKey)

	img, err := png.Decode(bytes.NewReader(files[fileQR]))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), MaxQRPixels)
	assert.LessOrEqual(t, img.Bounds().Dy(), MaxQRPixels)

	assert.True(t, bytes.HasPrefix(files[filePDF], []byte("%PDF")))

	notes := string(files[fileNotes])
	assert.Contains(t, notes, "Device id: ABCD-1234-5678")
	assert.Contains(t, notes, "Software: SW-1 1.0.0")
	assert.Contains(t, notes, "Attempts: 0")
	assert.Contains(t, notes, "Regulator calls: 1 (120 ms total)")
	assert.Contains(t, notes, "dns failure")
	assert.NotContains(t, notes, item.IdempotencyKey)
	assert.NotContains(t, notes, "PRIVATE KEY")
}

func TestExport_IsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "T1")

	count := func(model any) int64 {
		var n int64
		require.NoError(t, f.db.Model(model).Count(&n).Error)
		return n
	}
	before := []int64{count(&auditdomain.Entry{}), count(&receiptdomain.SignedReceipt{}), count(&queuedomain.Item{})}

	_, err := f.exporter.Export(ctx, "tenant-1", "T1")
	require.NoError(t, err)

	after := []int64{count(&auditdomain.Entry{}), count(&receiptdomain.SignedReceipt{}), count(&queuedomain.Item{})}
	assert.Equal(t, before, after)
}

func TestExport_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.exporter.Export(context.Background(), " ", "T1")
	assert.ErrorIs(t, err, ErrInvalidTenant)

	_, err = f.exporter.Export(context.Background(), "tenant-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileName(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "evidence_abc-42_20260102T080405Z.zip", FileName("ABC/42", at))
	assert.Equal(t, "evidence_transaction_20260102T080405Z.zip", FileName("###", at))
}

func TestRenderQR(t *testing.T) {
	data, err := RenderQR("https://qr.example/?d=" + strings.Repeat("x", 300))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds().Dx(), img.Bounds().Dy())
	assert.LessOrEqual(t, img.Bounds().Dx(), MaxQRPixels)

	_, err = RenderQR("")
	assert.Error(t, err)
}
