// Package regulator is the HTTP transport to the sales recording endpoints.
// Every attempt is written to the audit log before its result is returned.
package regulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/internal/config"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/observability/tracing"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

const outcomeOK = "ok"

// Target identifies the device a call is made for.
type Target struct {
	Env       config.EnvironmentConfig
	TenantID  string
	ProfileID snowflake.ID
	DeviceID  string
}

type EnrollmentCall struct {
	Target
	Operation         string
	CSR               string
	AuthorizationCode string
}

type EnrollmentResult struct {
	Certificate          string
	SecondaryCertificate string
	DeviceID             string
}

type TransactionCall struct {
	Target
	TransactionID          string
	IdempotencyKey         string
	Attempt                int
	Body                   []byte
	Signature              string
	CertificateFingerprint string
}

type TransactionResult struct {
	RegulatorTransactionID string
	ReturnCode             string
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Audit   auditdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Client struct {
	http    *http.Client
	audit   auditdomain.Service
	metrics *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewClient(p Params) *Client {
	return New(nil, p.Audit, p.Metrics, p.Log)
}

// New builds a client around httpClient, instrumenting it for tracing.
func New(httpClient *http.Client, audit auditdomain.Service, m *metrics.Metrics, log *zap.Logger) *Client {
	return &Client{
		http:    tracing.WrapHTTPClient(httpClient),
		audit:   audit,
		metrics: m,
		log:     log.Named("regulator.client"),
		tracer:  otel.Tracer("srmgate/regulator"),
	}
}

// Enroll submits a CSR for issuance or annulment.
func (c *Client) Enroll(ctx context.Context, call EnrollmentCall) (EnrollmentResult, error) {
	if call.Operation != OperationAdd && call.Operation != OperationAnnul {
		return EnrollmentResult{}, srmerror.NewValidation(srmerror.FieldError{Field: "operation", Code: "invalid", Message: "operation must be add or annul"})
	}
	payload := enrollmentBody{Request: enrollmentRequest{Operation: call.Operation, CSR: call.CSR}}
	header := Headers(call.Env, call.DeviceID)
	code := call.AuthorizationCode
	if code == "" {
		code = call.Env.AuthorizationCode
	}
	if code != "" {
		if call.Env.AuthCodePlacement == config.AuthCodeInBody {
			payload.Request.AuthorizationCode = code
		} else {
			header[HeaderAuthorizationCode] = []string{code}
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return EnrollmentResult{}, err
	}

	auditOp := auditdomain.OperationEnrollmentAdd
	if call.Operation == OperationAnnul {
		auditOp = auditdomain.OperationEnrollmentAnnul
	}

	var result EnrollmentResult
	err = c.roundTrip(ctx, call.Target, call.Env.EnrollmentURL, header, body, auditdomain.Entry{
		Operation: auditOp,
		Attempt:   1,
	}, func(status int, raw []byte) (outcome, error) {
		var resp enrollmentResponse
		if err := decodeResponse(call.Env.EnrollmentURL, status, raw, &resp, func() []srmerror.RegulatorError { return resp.Errors }); err != nil {
			return outcome{}, err
		}
		if call.Operation == OperationAdd && resp.Certificate == "" {
			return outcome{}, srmerror.Transient(call.Env.EnrollmentURL, status, errors.New("response carries no certificate"))
		}
		result = EnrollmentResult{
			Certificate:          resp.Certificate,
			SecondaryCertificate: resp.SecondaryCertificate,
			DeviceID:             resp.DeviceID,
		}
		return outcome{}, nil
	})
	if err != nil {
		return EnrollmentResult{}, err
	}
	return result, nil
}

// SubmitTransaction sends one signed receipt. The same idempotency key is
// used on every retry of the same item.
func (c *Client) SubmitTransaction(ctx context.Context, call TransactionCall) (TransactionResult, error) {
	header := Headers(call.Env, call.DeviceID)
	header[HeaderSignature] = []string{call.Signature}
	header[HeaderCertFingerprint] = []string{call.CertificateFingerprint}
	header.Set(HeaderIdempotencyKey, call.IdempotencyKey)
	if code := call.Env.AuthorizationCode; code != "" && call.Env.AuthCodePlacement == config.AuthCodeInHeader {
		header[HeaderAuthorizationCode] = []string{code}
	}

	var result TransactionResult
	err := c.roundTrip(ctx, call.Target, call.Env.TransactionURL, header, call.Body, auditdomain.Entry{
		Operation:      auditdomain.OperationTransaction,
		TransactionID:  call.TransactionID,
		IdempotencyKey: call.IdempotencyKey,
		Attempt:        call.Attempt,
	}, func(status int, raw []byte) (outcome, error) {
		var resp transactionResponse
		if err := decodeResponse(call.Env.TransactionURL, status, raw, &resp, func() []srmerror.RegulatorError { return resp.Errors }); err != nil {
			var protoErr *srmerror.ProtocolError
			if errors.As(err, &protoErr) {
				protoErr.ReturnCode = resp.ReturnCode
			}
			return outcome{returnCode: resp.ReturnCode}, err
		}
		if resp.TransactionID == "" {
			return outcome{returnCode: resp.ReturnCode}, srmerror.Transient(call.Env.TransactionURL, status, errors.New("response carries no transaction id"))
		}
		result = TransactionResult{RegulatorTransactionID: resp.TransactionID, ReturnCode: resp.ReturnCode}
		return outcome{regulatorTxID: resp.TransactionID, returnCode: resp.ReturnCode}, nil
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

type outcome struct {
	regulatorTxID string
	returnCode    string
}

type decodeFunc func(status int, body []byte) (outcome, error)

func (c *Client) roundTrip(ctx context.Context, target Target, endpoint string, header http.Header, body []byte, entry auditdomain.Entry, decode decodeFunc) error {
	parent := ctx
	ctx, span := c.tracer.Start(ctx, "regulator."+entry.Operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("environment", target.Env.Name),
		attribute.String("operation", entry.Operation),
		attribute.Int("attempt", entry.Attempt),
	)...)

	if target.Env.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Env.RequestTimeout)
		defer cancel()
	}

	entry.TenantID = target.TenantID
	entry.Environment = target.Env.Name
	entry.ProfileID = target.ProfileID
	entry.DeviceID = target.DeviceID
	entry.Endpoint = endpoint
	entry.RequestHash = hashHex(body)

	started := time.Now()
	callErr := c.exchange(ctx, parent, endpoint, header, body, &entry, decode)
	entry.DurationMS = time.Since(started).Milliseconds()

	describeFailure(&entry, callErr)

	auditCtx := context.WithoutCancel(parent)
	if err := c.audit.Record(auditCtx, entry); err != nil {
		c.log.Error("regulator.audit.failed",
			zap.String("operation", entry.Operation),
			zap.String("transaction_id", entry.TransactionID),
			zap.Error(err),
		)
		auditErr := srmerror.Transient(endpoint, entry.HTTPStatus, fmt.Errorf("record audit entry: %w", err))
		if callErr == nil {
			callErr = auditErr
		} else {
			callErr = errors.Join(callErr, auditErr)
		}
	}

	outcomeClass := outcomeOK
	if callErr != nil {
		outcomeClass = srmerror.Classify(callErr)
		span.RecordError(tracing.SafeError(callErr))
		span.SetStatus(codes.Error, outcomeClass)
	}
	span.SetAttributes(attribute.Int("http.status_code", entry.HTTPStatus))
	c.metrics.RecordRegulatorCall(parent, entry.Operation, outcomeClass)

	log := logger.WithContext(obscontext.WithTenantID(parent, target.TenantID), c.log)
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("environment", target.Env.Name),
		zap.String("device_id", target.DeviceID),
		zap.String("transaction_id", entry.TransactionID),
		zap.Int("attempt", entry.Attempt),
		zap.Int("http_status", entry.HTTPStatus),
		zap.Int64("duration_ms", entry.DurationMS),
		zap.String("request_hash", entry.RequestHash),
		zap.String("outcome", outcomeClass),
	}
	if callErr != nil {
		log.Warn("regulator.call.failed", append(fields, zap.Error(callErr))...)
	} else {
		log.Info("regulator.call.completed", fields...)
	}
	return callErr
}

func (c *Client) exchange(ctx, parent context.Context, endpoint string, header http.Header, body []byte, entry *auditdomain.Entry, decode decodeFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return srmerror.Configuration("endpoint", "invalid regulator url", err)
	}
	for name, values := range header {
		req.Header[name] = append([]string(nil), values...)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
			return parent.Err()
		}
		return srmerror.Transient(endpoint, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	entry.HTTPStatus = resp.StatusCode
	if err != nil {
		if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
			return parent.Err()
		}
		return srmerror.Transient(endpoint, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	entry.ResponseHash = hashHex(raw)

	if isTransientStatus(resp.StatusCode) {
		return srmerror.Transient(endpoint, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	out, err := decode(resp.StatusCode, raw)
	entry.RegulatorTransactionID = out.regulatorTxID
	entry.ReturnCode = out.returnCode
	return err
}

func isTransientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

// decodeResponse maps a non-transient response to nil or a ProtocolError.
// An undecodable 2xx body is ambiguous and reported as transient.
func decodeResponse(endpoint string, status int, raw []byte, into any, regulatorErrors func() []srmerror.RegulatorError) error {
	decodeErr := json.Unmarshal(raw, into)
	if status >= 200 && status < 300 {
		if decodeErr != nil {
			return srmerror.Transient(endpoint, status, fmt.Errorf("undecodable response: %w", decodeErr))
		}
		if errs := regulatorErrors(); len(errs) > 0 {
			return &srmerror.ProtocolError{Endpoint: endpoint, StatusCode: status, Errors: errs}
		}
		return nil
	}

	var errs []srmerror.RegulatorError
	if decodeErr == nil {
		errs = regulatorErrors()
	}
	if len(errs) == 0 {
		errs = []srmerror.RegulatorError{{Code: fmt.Sprintf("http_%d", status), Message: http.StatusText(status)}}
	}
	return &srmerror.ProtocolError{Endpoint: endpoint, StatusCode: status, Errors: errs}
}

func describeFailure(entry *auditdomain.Entry, err error) {
	if err == nil {
		return
	}
	var protoErr *srmerror.ProtocolError
	if errors.As(err, &protoErr) {
		if len(protoErr.Errors) > 0 {
			entry.ErrorCode = protoErr.Errors[0].Code
			entry.ErrorMessage = truncate(protoErr.Errors[0].Message, 512)
		}
		if protoErr.ReturnCode != "" && entry.ReturnCode == "" {
			entry.ReturnCode = protoErr.ReturnCode
		}
		return
	}
	entry.ErrorCode = srmerror.Classify(err)
	entry.ErrorMessage = truncate(err.Error(), 512)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
