package regulator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
)

const (
	OperationAdd   = "add"
	OperationAnnul = "annul"
)

const (
	HeaderEnvironment       = "ENVIRN"
	HeaderDeviceKind        = "APPRLINIT"
	HeaderDeviceID          = "IDAPPRL"
	HeaderSoftwareID        = "IDSEV"
	HeaderSoftwareVersion   = "IDVERSI"
	HeaderCertificationCode = "CODCERTIF"
	HeaderPartnerID         = "IDPARTN"
	HeaderProtocolVersion   = "VERSI"
	HeaderPartnerVersion    = "VERSIPARN"
	HeaderTestCase          = "CASESSAI"
	HeaderAuthorizationCode = "CODAUTORI"
	HeaderSignature         = "SIGNATRANSM"
	HeaderCertFingerprint   = "EMPRCERTIFTRANSM"
	HeaderIdempotencyKey    = "Idempotency-Key"
)

type enrollmentBody struct {
	Request enrollmentRequest `json:"request"`
}

type enrollmentRequest struct {
	Operation         string `json:"operation"`
	CSR               string `json:"csr"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
}

type enrollmentResponse struct {
	Certificate          string                    `json:"certificate"`
	SecondaryCertificate string                    `json:"secondary_certificate"`
	DeviceID             string                    `json:"device_id"`
	Errors               []srmerror.RegulatorError `json:"errors"`
}

type transactionBody struct {
	Transaction json.RawMessage      `json:"transaction"`
	Signature   transactionSignature `json:"signature"`
}

type transactionSignature struct {
	Current  string `json:"current"`
	Previous string `json:"previous"`
	Hash     string `json:"hash"`
}

type transactionResponse struct {
	TransactionID string                    `json:"transaction_id"`
	ReturnCode    string                    `json:"return_code"`
	Errors        []srmerror.RegulatorError `json:"errors"`
}

// BuildTransactionBody wraps a canonical receipt payload with its signature
// block. The payload is embedded verbatim.
func BuildTransactionBody(payload []byte, current, previous, hash string) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, srmerror.NewValidation(srmerror.FieldError{Field: "transaction", Code: "invalid_json", Message: "canonical payload is not valid JSON"})
	}
	return json.Marshal(transactionBody{
		Transaction: json.RawMessage(payload),
		Signature: transactionSignature{
			Current:  current,
			Previous: previous,
			Hash:     hash,
		},
	})
}

// Headers returns the identification headers common to every call. Names are
// set verbatim since the regulator matches them case-sensitively.
func Headers(env config.EnvironmentConfig, deviceID string) http.Header {
	if deviceID == "" {
		deviceID = config.ProvisionalDeviceID
	}
	h := http.Header{}
	set := func(name, value string) {
		if value != "" {
			h[name] = []string{value}
		}
	}
	set(HeaderEnvironment, env.Name)
	set(HeaderDeviceKind, env.DeviceKind)
	set(HeaderDeviceID, deviceID)
	set(HeaderSoftwareID, env.SoftwareID)
	set(HeaderSoftwareVersion, env.SoftwareVersion)
	set(HeaderCertificationCode, env.CertificationCode)
	set(HeaderPartnerID, env.PartnerID)
	set(HeaderProtocolVersion, env.ProtocolVersion)
	set(HeaderPartnerVersion, env.PartnerVersion)
	set(HeaderTestCase, env.TestCase)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
