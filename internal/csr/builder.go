// Package csr builds PKCS#10 certification requests whose subject, key usage
// and extended key usage follow an environment profile.
package csr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const pemBlockType = "CERTIFICATE REQUEST"

var (
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidClientAuth          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
)

var ErrInvalidPEM = errors.New("csr: invalid pem")

type Options struct {
	Template      Template
	EKUPolicy     string
	EKUCustomOIDs []asn1.ObjectIdentifier
	PEMFormat     string
}

type Result struct {
	PEM     string
	DER     []byte
	Subject []DnValue
}

// OptionsFromEnvironment compiles the CSR settings of an environment profile.
func OptionsFromEnvironment(env config.EnvironmentConfig) (Options, error) {
	tmpl, err := NewTemplate(env.DnTemplate)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Template:  tmpl,
		EKUPolicy: env.EKUPolicy,
		PEMFormat: env.PEMFormat,
	}
	if opts.EKUPolicy == "" {
		opts.EKUPolicy = config.EKUOmit
	}
	if opts.PEMFormat == "" {
		opts.PEMFormat = config.PEMWrapped
	}
	for _, raw := range env.EKUCustomOIDs {
		oid, err := parseOID(raw)
		if err != nil {
			return Options{}, srmerror.Configuration("ekuCustomOids", fmt.Sprintf("invalid oid %q", raw), err)
		}
		opts.EKUCustomOIDs = append(opts.EKUCustomOIDs, oid)
	}
	if opts.EKUPolicy == config.EKUCustom && len(opts.EKUCustomOIDs) == 0 {
		return Options{}, srmerror.Configuration("ekuCustomOids", "custom policy needs at least one oid", nil)
	}
	return opts, nil
}

// Build signs a CSR for key. The subject is encoded in template order, so the
// same inputs always yield the same subject and extension bytes.
func Build(key *ecdsa.PrivateKey, subject Subject, opts Options) (Result, error) {
	if key == nil {
		return Result{}, srmerror.NewValidation(srmerror.FieldError{Field: "key", Code: "required", Message: "private key is required"})
	}
	if key.Curve != elliptic.P256() {
		return Result{}, srmerror.NewValidation(srmerror.FieldError{Field: "key", Code: "invalid_curve", Message: "key must be on P-256"})
	}

	values, err := opts.Template.Resolve(subject)
	if err != nil {
		return Result{}, err
	}
	rawSubject, err := encodeSubject(values)
	if err != nil {
		return Result{}, err
	}

	exts := []pkix.Extension{{Id: oidExtKeyUsage, Critical: true, Value: keyUsageValue()}}
	eku, err := extendedKeyUsage(opts)
	if err != nil {
		return Result{}, err
	}
	if eku != nil {
		exts = append(exts, *eku)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		RawSubject:         rawSubject,
		ExtraExtensions:    exts,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return Result{}, fmt.Errorf("create certificate request: %w", err)
	}

	return Result{
		PEM:     EncodePEM(der, opts.PEMFormat),
		DER:     der,
		Subject: values,
	}, nil
}

// EncodePEM renders der either with 64-column lines or with the base64 body
// on a single line.
func EncodePEM(der []byte, format string) string {
	if format == config.PEMSingleLine {
		return "-----BEGIN " + pemBlockType + "-----\n" +
			base64.StdEncoding.EncodeToString(der) +
			"\n-----END " + pemBlockType + "-----\n"
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der}))
}

// ParseCSR decodes a CSR in either PEM layout and checks its signature.
func ParseCSR(pemText string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText) + "\n"))
	if block == nil || block.Type != pemBlockType {
		return nil, ErrInvalidPEM
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := req.CheckSignature(); err != nil {
		return nil, err
	}
	return req, nil
}

func encodeSubject(values []DnValue) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(name *cryptobyte.Builder) {
		for _, v := range values {
			oid := attributeOIDs[v.Attribute]
			tag := cbasn1.UTF8String
			if v.Attribute == AttrCountry || (v.Attribute == AttrSerialNumber && isPrintable(v.Value)) {
				tag = cbasn1.PrintableString
			}
			value := v.Value
			name.AddASN1(cbasn1.SET, func(rdn *cryptobyte.Builder) {
				rdn.AddASN1(cbasn1.SEQUENCE, func(atv *cryptobyte.Builder) {
					atv.AddASN1ObjectIdentifier(oid)
					atv.AddASN1(tag, func(s *cryptobyte.Builder) {
						s.AddBytes([]byte(value))
					})
				})
			})
		}
	})
	return b.Bytes()
}

// keyUsageValue is BIT STRING {digitalSignature, nonRepudiation}: 03 02 06 C0.
func keyUsageValue() []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.BIT_STRING, func(bits *cryptobyte.Builder) {
		bits.AddUint8(6)
		bits.AddBytes([]byte{0xC0})
	})
	return b.BytesOrPanic()
}

func extendedKeyUsage(opts Options) (*pkix.Extension, error) {
	var oids []asn1.ObjectIdentifier
	switch opts.EKUPolicy {
	case "", config.EKUOmit:
		return nil, nil
	case config.EKUClientAuth:
		oids = []asn1.ObjectIdentifier{oidClientAuth}
	case config.EKUCustom:
		oids = opts.EKUCustomOIDs
	default:
		return nil, srmerror.Configuration("ekuPolicy", "unknown policy "+opts.EKUPolicy, nil)
	}
	if len(oids) == 0 {
		return nil, srmerror.Configuration("ekuCustomOids", "custom policy needs at least one oid", nil)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(seq *cryptobyte.Builder) {
		for _, oid := range oids {
			seq.AddASN1ObjectIdentifier(oid)
		}
	})
	value, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return &pkix.Extension{Id: oidExtExtendedKeyUsage, Value: value}, nil
}

func parseOID(raw string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) < 2 {
		return nil, errors.New("oid needs at least two arcs")
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid arc %q", p)
		}
		oid = append(oid, n)
	}
	return oid, nil
}
