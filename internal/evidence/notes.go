package evidence

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/srmgate/internal/audit/masking"
)

func renderNotes(f *facts) string {
	var b strings.Builder
	r := f.receipt
	p := f.profile

	fmt.Fprintf(&b, "# Evidence notes: %s\n\n", r.TransactionID)
	fmt.Fprintf(&b, "Export `%s` generated %s.\n\n", f.exportID, f.exportedAt.Format(time.RFC3339))

	b.WriteString("## Device\n\n")
	fmt.Fprintf(&b, "- Device id: %s\n", r.DeviceID)
	fmt.Fprintf(&b, "- Environment: %s\n", r.Environment)
	if p != nil {
		fmt.Fprintf(&b, "- Partner id: %s\n", p.PartnerID)
		fmt.Fprintf(&b, "- Certification code: %s\n", p.CertificationCode)
		fmt.Fprintf(&b, "- Software: %s %s\n", p.SoftwareID, p.SoftwareVersion)
		fmt.Fprintf(&b, "- Protocol version: %s\n", p.ProtocolVersion)
		fmt.Fprintf(&b, "- Enrollment state: %s\n", p.EnrollmentState)
	}
	fmt.Fprintf(&b, "- Signing certificate: %s\n\n", r.CertificateFingerprint)

	b.WriteString("## Signature chain\n\n")
	fmt.Fprintf(&b, "- Sequence: %d\n", r.Sequence)
	fmt.Fprintf(&b, "- Canonical version: %s\n", r.CanonicalVersion)
	fmt.Fprintf(&b, "- Mode: %s\n", r.Mode)
	fmt.Fprintf(&b, "- Signed at: %s\n\n", r.SignedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Transmission\n\n")
	if f.item == nil {
		b.WriteString("- Not queued for transmission.\n")
	} else {
		it := f.item
		fmt.Fprintf(&b, "- Idempotency key: %s\n", masking.MaskSecret(it.IdempotencyKey))
		fmt.Fprintf(&b, "- Status: %s\n", it.Status)
		fmt.Fprintf(&b, "- Attempts: %d\n", it.Attempts)
		if it.LastErrorClass != "" {
			fmt.Fprintf(&b, "- Last error: %s (%s)\n", it.LastError, it.LastErrorClass)
		}
		if it.CompletedAt != nil {
			fmt.Fprintf(&b, "- Completed at: %s\n", it.CompletedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(&b, "- Signed to accepted: %s\n", it.CompletedAt.Sub(r.SignedAt).Round(time.Millisecond))
		}
	}
	var total int64
	for _, entry := range f.entries {
		total += entry.DurationMS
	}
	fmt.Fprintf(&b, "- Regulator calls: %d (%d ms total)\n\n", len(f.entries), total)

	b.WriteString("## Circuit breaker\n\n")
	if len(f.breakers) == 0 {
		b.WriteString("- No breaker state recorded for the endpoint.\n\n")
	}
	for _, state := range f.breakers {
		fmt.Fprintf(&b, "- %s: %s, %d consecutive failure(s)\n", state.Endpoint, state.State, state.ConsecutiveFailures)
	}
	if len(f.breakers) > 0 {
		b.WriteString("\n")
	}

	b.WriteString("## Offline sessions at signing time\n\n")
	if len(f.offline) == 0 {
		b.WriteString("- None.\n")
	}
	for _, s := range f.offline {
		ended := "open"
		if s.EndedAt != nil {
			ended = s.EndedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- %s to %s (%s): %s\n", s.StartedAt.UTC().Format(time.RFC3339), ended, s.Source, s.Reason)
	}
	return b.String()
}
