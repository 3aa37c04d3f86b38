package chain

import (
	"net/url"
	"strings"

	"github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/srmerror"
)

// MaxQRLength is the longest payload the receipt QR code may carry.
const MaxQRLength = 2048

const qrTimeLayout = "20060102150405"

// QRPayload builds the verification URL printed on the receipt. A payload
// over MaxQRLength is an error; it is never truncated.
func QRPayload(baseURL string, tx domain.TransactionRecord, deviceID, signature, hash string) (string, error) {
	hashPrefix := hash
	if len(hashPrefix) > 16 {
		hashPrefix = hashPrefix[:16]
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "?"))
	b.WriteString("?no=")
	b.WriteString(url.QueryEscape(tx.ID))
	b.WriteString("&dt=")
	b.WriteString(tx.CompletedAt.UTC().Format(qrTimeLayout))
	b.WriteString("&mt=")
	b.WriteString(FormatAmount(tx.Total))
	b.WriteString("&ap=")
	b.WriteString(url.QueryEscape(deviceID))
	b.WriteString("&sig=")
	b.WriteString(url.QueryEscape(signature))
	b.WriteString("&h=")
	b.WriteString(hashPrefix)

	payload := b.String()
	if len(payload) > MaxQRLength {
		return "", &srmerror.OverflowError{What: "qr_payload", Limit: MaxQRLength, Actual: len(payload)}
	}
	return payload, nil
}
