package csr

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"strings"
	"testing"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

func defaultOptions(t *testing.T, mutate func(*config.EnvironmentConfig)) Options {
	t.Helper()
	env := config.DefaultEnvironments()[0]
	if mutate != nil {
		mutate(&env)
	}
	opts, err := OptionsFromEnvironment(env)
	require.NoError(t, err)
	return opts
}

func validSubject() Subject {
	return Subject{
		AttrOrganization: "ABC-1234-5678",
		AttrOrgUnit:      "1234567890TQ0001",
		AttrCommonName:   "1234567890",
	}
}

type decodedAttr struct {
	oid   asn1.ObjectIdentifier
	tag   cbasn1.Tag
	value string
}

func decodeSubject(t *testing.T, raw []byte) []decodedAttr {
	t.Helper()
	input := cryptobyte.String(raw)
	var name cryptobyte.String
	require.True(t, input.ReadASN1(&name, cbasn1.SEQUENCE))

	var out []decodedAttr
	for !name.Empty() {
		var rdn, atv cryptobyte.String
		require.True(t, name.ReadASN1(&rdn, cbasn1.SET))
		require.True(t, rdn.ReadASN1(&atv, cbasn1.SEQUENCE))
		var a decodedAttr
		require.True(t, atv.ReadASN1ObjectIdentifier(&a.oid))
		var value cryptobyte.String
		require.True(t, atv.ReadAnyASN1(&value, &a.tag))
		a.value = string(value)
		out = append(out, a)
	}
	return out
}

func TestBuild_SubjectOrderAndEncoding(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	res, err := Build(key, validSubject(), defaultOptions(t, nil))
	require.NoError(t, err)

	req, err := ParseCSR(res.PEM)
	require.NoError(t, err)

	attrs := decodeSubject(t, req.RawSubject)
	wantOIDs := []string{"2.5.4.6", "2.5.4.8", "2.5.4.7", "2.5.4.4", "2.5.4.10", "2.5.4.11", "2.5.4.3"}
	require.Len(t, attrs, len(wantOIDs))
	for i, a := range attrs {
		assert.Equal(t, wantOIDs[i], a.oid.String())
	}
	assert.Equal(t, cbasn1.PrintableString, attrs[0].tag)
	assert.Equal(t, "CA", attrs[0].value)
	assert.Equal(t, cbasn1.UTF8String, attrs[3].tag)
	assert.Equal(t, "Certificat du serveur", attrs[3].value)
	assert.Equal(t, "1234567890", attrs[6].value)

	require.Len(t, res.Subject, 7)
	assert.Equal(t, AttrCommonName, res.Subject[6].Attribute)
}

func TestBuild_KeyUsageIsCritical(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	res, err := Build(key, validSubject(), defaultOptions(t, nil))
	require.NoError(t, err)
	req, err := ParseCSR(res.PEM)
	require.NoError(t, err)

	var found bool
	for _, ext := range req.Extensions {
		if ext.Id.Equal(oidExtKeyUsage) {
			found = true
			assert.True(t, ext.Critical)
			assert.Equal(t, []byte{0x03, 0x02, 0x06, 0xC0}, ext.Value)
		}
		assert.False(t, ext.Id.Equal(oidExtExtendedKeyUsage), "eku must be omitted by default")
	}
	assert.True(t, found)
}

func TestBuild_EKUPolicies(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	t.Run("client auth", func(t *testing.T) {
		opts := defaultOptions(t, func(env *config.EnvironmentConfig) { env.EKUPolicy = config.EKUClientAuth })
		res, err := Build(key, validSubject(), opts)
		require.NoError(t, err)
		req, err := ParseCSR(res.PEM)
		require.NoError(t, err)

		var eku []asn1.ObjectIdentifier
		for _, ext := range req.Extensions {
			if ext.Id.Equal(oidExtExtendedKeyUsage) {
				_, err := asn1.Unmarshal(ext.Value, &eku)
				require.NoError(t, err)
			}
		}
		require.Len(t, eku, 1)
		assert.True(t, eku[0].Equal(oidClientAuth))
	})

	t.Run("custom", func(t *testing.T) {
		opts := defaultOptions(t, func(env *config.EnvironmentConfig) {
			env.EKUPolicy = config.EKUCustom
			env.EKUCustomOIDs = []string{"1.3.6.1.5.5.7.3.2", "1.3.6.1.4.1.99999.1"}
		})
		res, err := Build(key, validSubject(), opts)
		require.NoError(t, err)
		req, err := ParseCSR(res.PEM)
		require.NoError(t, err)

		var eku []asn1.ObjectIdentifier
		for _, ext := range req.Extensions {
			if ext.Id.Equal(oidExtExtendedKeyUsage) {
				_, err := asn1.Unmarshal(ext.Value, &eku)
				require.NoError(t, err)
			}
		}
		require.Len(t, eku, 2)
		assert.Equal(t, "1.3.6.1.4.1.99999.1", eku[1].String())
	})

	t.Run("custom without oids", func(t *testing.T) {
		env := config.DefaultEnvironments()[0]
		env.EKUPolicy = config.EKUCustom
		_, err := OptionsFromEnvironment(env)
		var cfgErr *srmerror.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
	})
}

func TestBuild_PEMFormats(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := Build(key, validSubject(), defaultOptions(t, nil))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(wrapped.PEM), "\n")
	assert.Greater(t, len(lines), 3)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 64)
	}

	single, err := Build(key, validSubject(), defaultOptions(t, func(env *config.EnvironmentConfig) {
		env.PEMFormat = config.PEMSingleLine
	}))
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(single.PEM), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "-----BEGIN CERTIFICATE REQUEST-----", lines[0])
	assert.Equal(t, "-----END CERTIFICATE REQUEST-----", lines[2])

	_, err = ParseCSR(single.PEM)
	require.NoError(t, err)
}

func TestBuild_DeterministicSubject(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	opts := defaultOptions(t, nil)

	first, err := Build(key, validSubject(), opts)
	require.NoError(t, err)
	second, err := Build(key, validSubject(), opts)
	require.NoError(t, err)

	a, err := ParseCSR(first.PEM)
	require.NoError(t, err)
	b, err := ParseCSR(second.PEM)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a.RawSubject, b.RawSubject))
	assert.Equal(t, a.Extensions, b.Extensions)
}

func TestBuild_ReportsEveryInvalidField(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = Build(key, Subject{
		AttrOrganization: "bad",
		AttrOrgUnit:      "nope",
		"EMAIL":          "a@b.c",
	}, defaultOptions(t, nil))

	var verr *srmerror.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.HasField(AttrOrganization))
	assert.True(t, verr.HasField(AttrOrgUnit))
	assert.True(t, verr.HasField(AttrCommonName))
	assert.True(t, verr.HasField("EMAIL"))
}

func TestBuild_UnknownAttributesInStableOrder(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	subject := validSubject()
	for _, attr := range []string{"UID", "EMAIL", "DC", "STREET", "L2"} {
		subject[attr] = "x"
	}

	for i := 0; i < 20; i++ {
		_, err = Build(key, subject, defaultOptions(t, nil))
		var verr *srmerror.ValidationError
		require.True(t, errors.As(err, &verr))
		var got []string
		for _, f := range verr.Fields {
			if f.Code == "unknown_attribute" {
				got = append(got, f.Field)
			}
		}
		require.Equal(t, []string{"DC", "EMAIL", "L2", "STREET", "UID"}, got)
	}
}

func TestBuild_RequiresKey(t *testing.T) {
	_, err := Build(nil, validSubject(), defaultOptions(t, nil))
	var verr *srmerror.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.HasField("key"))
}

func TestNewTemplate_RejectsBadLayouts(t *testing.T) {
	cases := map[string][]config.DnField{
		"empty":        nil,
		"unknown":      {{Attribute: "EMAIL"}, {Attribute: "CN"}},
		"out of order": {{Attribute: "CN"}, {Attribute: "C"}},
		"duplicate":    {{Attribute: "O"}, {Attribute: "O"}, {Attribute: "CN"}},
		"missing cn":   {{Attribute: "C"}, {Attribute: "O"}},
		"bad pattern":  {{Attribute: "CN", Pattern: "("}},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTemplate(fields)
			var cfgErr *srmerror.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestNewTemplate_AcceptsSerialNumberAndGivenName(t *testing.T) {
	tmpl, err := NewTemplate([]config.DnField{
		{Attribute: "C", Value: "CA"},
		{Attribute: "serialNumber"},
		{Attribute: "O", Required: true},
		{Attribute: "GN"},
		{Attribute: "CN", Required: true},
	})
	require.NoError(t, err)

	values, err := tmpl.Resolve(Subject{"SERIALNUMBER": "42", "O": "Acme", "GN": "Zoe", "CN": "pos-1"})
	require.NoError(t, err)
	require.Len(t, values, 5)
	assert.Equal(t, "2.5.4.5", values[1].OID)
	assert.Equal(t, "2.5.4.42", values[3].OID)
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	encoded, err := EncodePrivateKey(key)
	require.NoError(t, err)

	decoded, err := DecodePrivateKey(encoded)
	require.NoError(t, err)
	assert.True(t, key.Equal(decoded))

	_, err = DecodePrivateKey([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
