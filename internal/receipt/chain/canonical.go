// Package chain holds the signature chain algorithms: canonical encoding,
// hashing, ECDSA signing, QR payloads and chain verification.
package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/srmerror"
)

const CanonicalVersion = "v1"

// Link places a transaction in a device chain.
type Link struct {
	Environment       string
	DeviceID          string
	Sequence          int64
	PreviousSignature string
}

// canonicalV1 field order is the wire order. Do not reorder.
type canonicalV1 struct {
	Version           string          `json:"version"`
	TransactionID     string          `json:"transaction_id"`
	Type              string          `json:"type"`
	Mode              string          `json:"mode"`
	Environment       string          `json:"environment"`
	DeviceID          string          `json:"device_id"`
	Sequence          int64           `json:"sequence"`
	CompletedAt       string          `json:"completed_at"`
	Currency          string          `json:"currency"`
	Subtotal          string          `json:"subtotal"`
	GST               string          `json:"gst"`
	QST               string          `json:"qst"`
	Total             string          `json:"total"`
	Items             []canonicalItem `json:"items"`
	PreviousSignature string          `json:"previous_signature"`
}

type canonicalItem struct {
	SKU         string `json:"sku"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

// Validate reports every malformed field of tx.
func Validate(tx domain.TransactionRecord) error {
	verr := srmerror.NewValidation()
	if strings.TrimSpace(tx.ID) == "" {
		verr.Add("id", "required", "transaction id is required")
	}
	if len(strings.TrimSpace(tx.Currency)) != 3 {
		verr.Add("currency", "invalid_format", "currency must be a 3-letter code")
	}
	switch tx.Type {
	case domain.TransactionSale, domain.TransactionRefund:
	default:
		verr.Add("transaction_type", "invalid", "transaction type must be sale or refund")
	}
	switch tx.Mode {
	case domain.ModeOnline, domain.ModeOffline, "":
	default:
		verr.Add("mode", "invalid", "mode must be online or offline")
	}
	if tx.CompletedAt.IsZero() {
		verr.Add("completed_at", "required", "completion time is required")
	}
	amounts := []struct {
		field string
		value int64
	}{{"subtotal", tx.Subtotal}, {"gst", tx.GST}, {"qst", tx.QST}, {"total", tx.Total}}
	for _, a := range amounts {
		if a.value < 0 {
			verr.Add(a.field, "negative", "amount must not be negative")
		}
	}
	if tx.Subtotal+tx.GST+tx.QST != tx.Total {
		verr.Add("total", "mismatch", "subtotal + gst + qst must equal total")
	}
	if len(tx.Items) == 0 {
		verr.Add("items", "required", "at least one line item is required")
	}
	var itemSum int64
	for i, item := range tx.Items {
		prefix := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.SKU) == "" && strings.TrimSpace(item.Description) == "" {
			verr.Add(prefix+".description", "required", "sku or description is required")
		}
		if item.Quantity <= 0 {
			verr.Add(prefix+".quantity", "invalid", "quantity must be positive")
		}
		if item.UnitPrice < 0 || item.Amount < 0 {
			verr.Add(prefix+".amount", "negative", "amount must not be negative")
		}
		itemSum += item.Amount
	}
	if len(tx.Items) > 0 && itemSum != tx.Subtotal {
		verr.Add("subtotal", "mismatch", "line item amounts must sum to subtotal")
	}
	return verr.OrNil()
}

// Canonicalize encodes tx at link as version v1. The output depends only on
// its inputs.
func Canonicalize(tx domain.TransactionRecord, link Link) ([]byte, error) {
	if err := Validate(tx); err != nil {
		return nil, err
	}
	mode := tx.Mode
	if mode == "" {
		mode = domain.ModeOnline
	}

	doc := canonicalV1{
		Version:           CanonicalVersion,
		TransactionID:     strings.TrimSpace(tx.ID),
		Type:              string(tx.Type),
		Mode:              string(mode),
		Environment:       link.Environment,
		DeviceID:          link.DeviceID,
		Sequence:          link.Sequence,
		CompletedAt:       tx.CompletedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		Currency:          strings.ToUpper(strings.TrimSpace(tx.Currency)),
		Subtotal:          FormatAmount(tx.Subtotal),
		GST:               FormatAmount(tx.GST),
		QST:               FormatAmount(tx.QST),
		Total:             FormatAmount(tx.Total),
		Items:             make([]canonicalItem, 0, len(tx.Items)),
		PreviousSignature: link.PreviousSignature,
	}
	for _, item := range tx.Items {
		doc.Items = append(doc.Items, canonicalItem{
			SKU:         strings.TrimSpace(item.SKU),
			Description: strings.TrimSpace(item.Description),
			Quantity:    FormatQuantity(item.Quantity),
			UnitPrice:   FormatAmount(item.UnitPrice),
			Amount:      FormatAmount(item.Amount),
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// FormatAmount renders minor units with exactly two decimals.
func FormatAmount(minor int64) string {
	return formatFixed(minor, 100, "%d.%02d")
}

// FormatQuantity renders thousandths with exactly three decimals.
func FormatQuantity(milli int64) string {
	return formatFixed(milli, 1000, "%d.%03d")
}

func formatFixed(v, scale int64, layout string) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + fmt.Sprintf(layout, v/scale, v%scale)
}

type payloadLink struct {
	Sequence          int64  `json:"sequence"`
	DeviceID          string `json:"device_id"`
	PreviousSignature string `json:"previous_signature"`
}

func decodeLink(payload []byte) (payloadLink, error) {
	var l payloadLink
	err := json.Unmarshal(payload, &l)
	return l, err
}
