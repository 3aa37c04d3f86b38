package evidence

import (
	"bytes"
	"fmt"
	"image/png"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/code"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/srmgate/internal/receipt/chain"
)

// MaxQRPixels bounds the rendered QR image on both sides.
const MaxQRPixels = 512

const qrPixels = 384

// RenderQR encodes payload as a PNG QR code no larger than MaxQRPixels.
func RenderQR(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("evidence: empty qr payload")
	}
	encoded, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("evidence: encode qr: %w", err)
	}
	size := qrPixels
	if bounds := encoded.Bounds(); bounds.Dx() > size {
		size = bounds.Dx()
	}
	if size > MaxQRPixels {
		return nil, fmt.Errorf("evidence: qr needs %d px, limit %d", size, MaxQRPixels)
	}
	scaled, err := barcode.Scale(encoded, size, size)
	if err != nil {
		return nil, fmt.Errorf("evidence: scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderPDF lays out a one-page printable summary of the receipt with its QR.
func renderPDF(f *facts) ([]byte, error) {
	r := f.receipt
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Transaction evidence", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)
	m.AddRow(30,
		col.New(8).Add(
			text.New("Transaction: "+r.TransactionID, props.Text{Top: 0}),
			text.New("Device: "+r.DeviceID, props.Text{Top: 5}),
			text.New("Environment: "+r.Environment, props.Text{Top: 10}),
			text.New(fmt.Sprintf("Sequence: %d", r.Sequence), props.Text{Top: 15}),
			text.New("Signed at: "+r.SignedAt.UTC().Format(time.RFC3339), props.Text{Top: 20}),
		),
		col.New(4).Add(
			text.New("Total", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(chain.FormatAmount(r.Total), props.Text{Top: 5, Size: 14, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(3, "Payload hash", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(9, r.PayloadHash, props.Text{Size: 8}),
	)
	m.AddRow(10,
		text.NewCol(3, "Certificate", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(9, r.CertificateFingerprint, props.Text{Size: 8}),
	)
	if f.item != nil {
		m.AddRow(10,
			text.NewCol(3, "Queue status", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(9, fmt.Sprintf("%s after %d attempt(s)", f.item.Status, f.item.Attempts), props.Text{Size: 9}),
		)
	}

	m.AddRow(70,
		code.NewQrCol(12, r.QRPayload, props.Rect{
			Center:  true,
			Percent: 90,
		}),
	)
	m.AddRow(10,
		text.NewCol(12, "Export "+f.exportID+" generated "+f.exportedAt.Format(time.RFC3339), props.Text{
			Size:  7,
			Align: align.Center,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("evidence: render pdf: %w", err)
	}
	return doc.GetBytes(), nil
}
