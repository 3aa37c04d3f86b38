package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/srmerror"
)

// Sealed is the signed form of one transaction before it is persisted.
type Sealed struct {
	Sequence          int64
	Payload           []byte
	Hash              string
	Signature         string
	PreviousSignature string
	QRPayload         string
}

// Seal canonicalizes, hashes and signs tx as the next link. The first link
// takes GenesisSignature as its previous signature; every later link needs a
// well-formed previous signature.
func Seal(tx domain.TransactionRecord, link Link, key *ecdsa.PrivateKey, qrBaseURL string) (Sealed, error) {
	if link.Sequence < 1 {
		return Sealed{}, srmerror.Integrity("chain", fmt.Sprintf("invalid sequence %d", link.Sequence), nil)
	}
	previous, err := checkPrevious(link.Sequence, link.PreviousSignature)
	if err != nil {
		return Sealed{}, err
	}
	link.PreviousSignature = previous
	if key == nil {
		return Sealed{}, srmerror.Integrity("signing_key", "missing", nil)
	}

	payload, err := Canonicalize(tx, link)
	if err != nil {
		return Sealed{}, err
	}
	hash := Hash(payload)
	signature, err := Sign(payload, key)
	if err != nil {
		return Sealed{}, err
	}
	qr, err := QRPayload(qrBaseURL, tx, link.DeviceID, signature, hash)
	if err != nil {
		return Sealed{}, err
	}

	return Sealed{
		Sequence:          link.Sequence,
		Payload:           payload,
		Hash:              hash,
		Signature:         signature,
		PreviousSignature: previous,
		QRPayload:         qr,
	}, nil
}

func checkPrevious(sequence int64, previous string) (string, error) {
	if sequence == 1 {
		if previous == "" || previous == GenesisSignature {
			return GenesisSignature, nil
		}
		return "", srmerror.Integrity("previous_signature", "first link must use the genesis sentinel", nil)
	}
	if previous == "" || previous == GenesisSignature {
		return "", srmerror.Integrity("previous_signature", fmt.Sprintf("missing for sequence %d", sequence), nil)
	}
	if !wellFormed(previous) {
		return "", srmerror.Integrity("previous_signature", fmt.Sprintf("malformed (length %d)", len(previous)), nil)
	}
	return previous, nil
}

// BrokenLinkError names the first sequence at which a chain fails to verify.
type BrokenLinkError struct {
	Sequence int64
	Reason   string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// VerifyChain checks consecutive receipts ordered by sequence: contiguous
// numbering, previous-signature links, payload hashes and signatures. The
// first receipt may start mid-chain, in which case its own link is not
// checked against a predecessor.
func VerifyChain(receipts []*domain.SignedReceipt, pub *ecdsa.PublicKey) error {
	return VerifyChainWith(receipts, func(*domain.SignedReceipt) *ecdsa.PublicKey { return pub })
}

// VerifyChainWith is VerifyChain with the verification key chosen per
// receipt, for chains that span a certificate renewal.
func VerifyChainWith(receipts []*domain.SignedReceipt, keyFor func(*domain.SignedReceipt) *ecdsa.PublicKey) error {
	for i, r := range receipts {
		broken := func(reason string) error {
			return srmerror.Integrity("chain", "verification failed", &BrokenLinkError{Sequence: r.Sequence, Reason: reason})
		}
		if i > 0 && r.Sequence != receipts[i-1].Sequence+1 {
			return broken(fmt.Sprintf("sequence gap after %d", receipts[i-1].Sequence))
		}
		switch {
		case r.Sequence == 1 && r.PreviousSignature != GenesisSignature:
			return broken("first link does not carry the genesis sentinel")
		case i > 0 && r.PreviousSignature != receipts[i-1].Signature:
			return broken("previous signature does not match predecessor")
		}
		if Hash(r.CanonicalPayload) != r.PayloadHash {
			return broken("payload hash mismatch")
		}
		embedded, err := decodeLink(r.CanonicalPayload)
		if err != nil {
			return broken("undecodable payload")
		}
		if embedded.Sequence != r.Sequence || embedded.PreviousSignature != r.PreviousSignature || embedded.DeviceID != r.DeviceID {
			return broken("payload link fields disagree with receipt")
		}
		pub := keyFor(r)
		if pub == nil {
			return broken("signing certificate unknown")
		}
		if err := Verify(r.CanonicalPayload, r.Signature, pub); err != nil {
			return broken("signature invalid")
		}
	}
	return nil
}

// BrokenSequence extracts the failing sequence from a VerifyChain error.
func BrokenSequence(err error) (int64, bool) {
	var linkErr *BrokenLinkError
	if errors.As(err, &linkErr) {
		return linkErr.Sequence, true
	}
	return 0, false
}
