package regulator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditdomain.Entry
	err     error
}

func (r *recordingAudit) Record(_ context.Context, entry auditdomain.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAudit) ListByTransaction(context.Context, string, string) ([]auditdomain.Entry, error) {
	return nil, nil
}

func (r *recordingAudit) List(context.Context, auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	return auditdomain.ListResponse{}, nil
}

func (r *recordingAudit) all() []auditdomain.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auditdomain.Entry(nil), r.entries...)
}

func testTarget(baseURL string) Target {
	env := config.DefaultEnvironments()[1]
	env.EnrollmentURL = baseURL + "/enrolement"
	env.TransactionURL = baseURL + "/transaction"
	env.PartnerID = "PARTNER"
	env.CertificationCode = "CERT-01"
	env.SoftwareID = "SEV-01"
	env.SoftwareVersion = "2.1"
	env.AuthorizationCode = "AUTH-123"
	env.RequestTimeout = 500 * time.Millisecond
	return Target{Env: env, TenantID: "tenant-1", ProfileID: 7, DeviceID: config.ProvisionalDeviceID}
}

func TestEnroll_SendsHeadersAndRecordsAudit(t *testing.T) {
	var gotHeader http.Header
	var gotBody map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"certificate": "CERT-PEM",
			"device_id":   "ABCD-1234-5678",
		})
	}))
	defer srv.Close()

	audit := &recordingAudit{}
	client := New(srv.Client(), audit, nil, zap.NewNop())

	res, err := client.Enroll(context.Background(), EnrollmentCall{
		Target:    testTarget(srv.URL),
		Operation: OperationAdd,
		CSR:       "CSR-PEM",
	})
	require.NoError(t, err)
	assert.Equal(t, "CERT-PEM", res.Certificate)
	assert.Equal(t, "ABCD-1234-5678", res.DeviceID)

	assert.Equal(t, []string{"ESSAI"}, gotHeader.Values(HeaderEnvironment))
	assert.Equal(t, config.ProvisionalDeviceID, gotHeader.Get(HeaderDeviceID))
	assert.Equal(t, "PARTNER", gotHeader.Get(HeaderPartnerID))
	assert.Equal(t, "CERT-01", gotHeader.Get(HeaderCertificationCode))
	assert.Equal(t, "000.000", gotHeader.Get(HeaderTestCase))
	assert.Equal(t, "AUTH-123", gotHeader.Get(HeaderAuthorizationCode))
	assert.Equal(t, "add", gotBody["request"]["operation"])
	assert.Equal(t, "CSR-PEM", gotBody["request"]["csr"])
	assert.Empty(t, gotBody["request"]["authorization_code"])

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, auditdomain.OperationEnrollmentAdd, entries[0].Operation)
	assert.Equal(t, http.StatusOK, entries[0].HTTPStatus)
	assert.Len(t, entries[0].RequestHash, 64)
	assert.Len(t, entries[0].ResponseHash, 64)
	assert.Empty(t, entries[0].ErrorCode)
}

func TestEnroll_AuthorizationCodeInBody(t *testing.T) {
	var gotHeader http.Header
	var gotBody map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"certificate":"C","device_id":"D"}`))
	}))
	defer srv.Close()

	target := testTarget(srv.URL)
	target.Env.AuthCodePlacement = config.AuthCodeInBody
	client := New(srv.Client(), &recordingAudit{}, nil, zap.NewNop())

	_, err := client.Enroll(context.Background(), EnrollmentCall{Target: target, Operation: OperationAdd, CSR: "X", AuthorizationCode: "CODE-9"})
	require.NoError(t, err)
	assert.Empty(t, gotHeader.Get(HeaderAuthorizationCode))
	assert.Equal(t, "CODE-9", gotBody["request"]["authorization_code"])
}

func TestEnroll_RejectionSurfacesVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"E042","field":"csr","message":"Sujet invalide"},{"code":"E043","message":"second"}]}`))
	}))
	defer srv.Close()

	audit := &recordingAudit{}
	client := New(srv.Client(), audit, nil, zap.NewNop())

	_, err := client.Enroll(context.Background(), EnrollmentCall{Target: testTarget(srv.URL), Operation: OperationAdd, CSR: "X"})
	var protoErr *srmerror.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, []string{"E042", "E043"}, protoErr.Codes())
	assert.Equal(t, "Sujet invalide", protoErr.Errors[0].Message)
	assert.False(t, srmerror.IsRetryable(err))

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "E042", entries[0].ErrorCode)
}

func TestEnroll_MissingCertificateIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"device_id":"D"}`))
	}))
	defer srv.Close()

	client := New(srv.Client(), &recordingAudit{}, nil, zap.NewNop())
	_, err := client.Enroll(context.Background(), EnrollmentCall{Target: testTarget(srv.URL), Operation: OperationAdd, CSR: "X"})
	assert.True(t, srmerror.IsRetryable(err))

	_, err = client.Enroll(context.Background(), EnrollmentCall{Target: testTarget(srv.URL), Operation: OperationAnnul, CSR: "X"})
	assert.NoError(t, err)
}

func TestSubmitTransaction_Success(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		_, _ = w.Write([]byte(`{"transaction_id":"RQ-1","return_code":"00"}`))
	}))
	defer srv.Close()

	audit := &recordingAudit{}
	client := New(srv.Client(), audit, nil, zap.NewNop())
	body, err := BuildTransactionBody([]byte(`{"id":"T1"}`), "sig", "prev", "hash")
	require.NoError(t, err)

	target := testTarget(srv.URL)
	target.DeviceID = "ABCD-1234-5678"
	res, err := client.SubmitTransaction(context.Background(), TransactionCall{
		Target:                 target,
		TransactionID:          "T1",
		IdempotencyKey:         "idem-1",
		Attempt:                2,
		Body:                   body,
		Signature:              "body-sig",
		CertificateFingerprint: "abcdef",
	})
	require.NoError(t, err)
	assert.Equal(t, "RQ-1", res.RegulatorTransactionID)

	assert.Equal(t, "body-sig", gotHeader.Get(HeaderSignature))
	assert.Equal(t, "abcdef", gotHeader.Get(HeaderCertFingerprint))
	assert.Equal(t, "idem-1", gotHeader.Get(HeaderIdempotencyKey))
	assert.Equal(t, "ABCD-1234-5678", gotHeader.Get(HeaderDeviceID))

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "RQ-1", entries[0].RegulatorTransactionID)
	assert.Equal(t, "00", entries[0].ReturnCode)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.Equal(t, "idem-1", entries[0].IdempotencyKey)
}

func TestSubmitTransaction_TransientFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"throttled": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
		"garbage body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			audit := &recordingAudit{}
			client := New(srv.Client(), audit, nil, zap.NewNop())
			_, err := client.SubmitTransaction(context.Background(), TransactionCall{
				Target:         testTarget(srv.URL),
				TransactionID:  "T1",
				IdempotencyKey: "k",
				Body:           []byte(`{}`),
			})
			require.Error(t, err)
			assert.True(t, srmerror.IsRetryable(err), err.Error())
			assert.Len(t, audit.all(), 1)
		})
	}
}

func TestSubmitTransaction_ProtocolErrorKeepsReturnCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"return_code":"12","errors":[{"code":"T100","message":"montant"}]}`))
	}))
	defer srv.Close()

	audit := &recordingAudit{}
	client := New(srv.Client(), audit, nil, zap.NewNop())
	_, err := client.SubmitTransaction(context.Background(), TransactionCall{Target: testTarget(srv.URL), TransactionID: "T1", Body: []byte(`{}`)})

	var protoErr *srmerror.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "12", protoErr.ReturnCode)
	assert.Equal(t, http.StatusUnprocessableEntity, protoErr.StatusCode)
	assert.Equal(t, "12", audit.all()[0].ReturnCode)
}

func TestRoundTrip_AuditFailureBlocksSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction_id":"RQ-1"}`))
	}))
	defer srv.Close()

	client := New(srv.Client(), &recordingAudit{err: errors.New("disk full")}, nil, zap.NewNop())
	_, err := client.SubmitTransaction(context.Background(), TransactionCall{Target: testTarget(srv.URL), TransactionID: "T1", Body: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, srmerror.IsRetryable(err))
}

func TestRoundTrip_CancellationIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	audit := &recordingAudit{}
	client := New(srv.Client(), audit, nil, zap.NewNop())
	_, err := client.SubmitTransaction(ctx, TransactionCall{Target: testTarget(srv.URL), TransactionID: "T1", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, audit.all(), 1)
}

func TestBuildTransactionBody(t *testing.T) {
	body, err := BuildTransactionBody([]byte(`{"b":1,"a":2}`), "cur", "prev", "h")
	require.NoError(t, err)
	assert.JSONEq(t, `{"transaction":{"b":1,"a":2},"signature":{"current":"cur","previous":"prev","hash":"h"}}`, string(body))
	assert.Contains(t, string(body), `{"b":1,"a":2}`)

	_, err = BuildTransactionBody([]byte("not json"), "", "", "")
	var verr *srmerror.ValidationError
	assert.True(t, errors.As(err, &verr))
}
