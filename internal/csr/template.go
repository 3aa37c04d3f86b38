package csr

import (
	"encoding/asn1"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
)

const (
	AttrCountry      = "C"
	AttrState        = "ST"
	AttrLocality     = "L"
	AttrSurname      = "SN"
	AttrSerialNumber = "SERIALNUMBER"
	AttrOrganization = "O"
	AttrOrgUnit      = "OU"
	AttrGivenName    = "GN"
	AttrCommonName   = "CN"
)

// attributeOIDs are fixed by X.520. SN is surname (2.5.4.4), never serialNumber.
var attributeOIDs = map[string]asn1.ObjectIdentifier{
	AttrCountry:      {2, 5, 4, 6},
	AttrState:        {2, 5, 4, 8},
	AttrLocality:     {2, 5, 4, 7},
	AttrSurname:      {2, 5, 4, 4},
	AttrSerialNumber: {2, 5, 4, 5},
	AttrOrganization: {2, 5, 4, 10},
	AttrOrgUnit:      {2, 5, 4, 11},
	AttrGivenName:    {2, 5, 4, 42},
	AttrCommonName:   {2, 5, 4, 3},
}

// slot is the position an attribute may occupy in the subject.
var slot = map[string]int{
	AttrCountry:      0,
	AttrState:        1,
	AttrLocality:     2,
	AttrSurname:      3,
	AttrSerialNumber: 3,
	AttrOrganization: 4,
	AttrOrgUnit:      5,
	AttrGivenName:    6,
	AttrCommonName:   7,
}

var attributeAliases = map[string]string{
	"COUNTRY":      AttrCountry,
	"S":            AttrState,
	"STATE":        AttrState,
	"LOCALITY":     AttrLocality,
	"SURNAME":      AttrSurname,
	"SERIAL":       AttrSerialNumber,
	"ORGANIZATION": AttrOrganization,
	"GIVENNAME":    AttrGivenName,
	"G":            AttrGivenName,
	"COMMONNAME":   AttrCommonName,
}

func canonicalAttribute(attr string) string {
	attr = strings.ToUpper(strings.TrimSpace(attr))
	if alias, ok := attributeAliases[attr]; ok {
		return alias
	}
	return attr
}

type Field struct {
	Attribute string
	Value     string
	Required  bool
	Pattern   *regexp.Regexp
}

// Template is an ordered, validated subject layout.
type Template struct {
	fields []Field
}

// DnValue is one encoded subject attribute, kept on the enrollment request.
type DnValue struct {
	Attribute string `json:"attribute"`
	OID       string `json:"oid"`
	Value     string `json:"value"`
}

// Subject carries caller-supplied attribute values keyed by attribute name.
type Subject map[string]string

// NewTemplate validates attribute names, their order and patterns.
func NewTemplate(fields []config.DnField) (Template, error) {
	if len(fields) == 0 {
		return Template{}, srmerror.Configuration("dnTemplate", "empty", nil)
	}
	out := make([]Field, 0, len(fields))
	last := -1
	seen := map[string]bool{}
	for _, f := range fields {
		attr := canonicalAttribute(f.Attribute)
		pos, ok := slot[attr]
		if !ok {
			return Template{}, srmerror.Configuration("dnTemplate", fmt.Sprintf("unknown attribute %q", f.Attribute), nil)
		}
		if seen[attr] {
			return Template{}, srmerror.Configuration("dnTemplate", fmt.Sprintf("duplicate attribute %s", attr), nil)
		}
		if pos <= last {
			return Template{}, srmerror.Configuration("dnTemplate", fmt.Sprintf("attribute %s out of order", attr), nil)
		}
		seen[attr] = true
		last = pos

		field := Field{Attribute: attr, Value: strings.TrimSpace(f.Value), Required: f.Required}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return Template{}, srmerror.Configuration("dnTemplate", "invalid pattern for "+attr, err)
			}
			field.Pattern = re
		}
		out = append(out, field)
	}
	if !seen[AttrCommonName] {
		return Template{}, srmerror.Configuration("dnTemplate", "CN is required", nil)
	}
	return Template{fields: out}, nil
}

func (t Template) Fields() []Field {
	return append([]Field(nil), t.fields...)
}

// Resolve merges subject values over template defaults and validates every
// field, reporting all violations at once.
func (t Template) Resolve(subject Subject) ([]DnValue, error) {
	verr := srmerror.NewValidation()

	supplied := make(map[string]string, len(subject))
	for _, k := range slices.Sorted(maps.Keys(subject)) {
		v := subject[k]
		attr := canonicalAttribute(k)
		if _, ok := slot[attr]; !ok {
			verr.Add(strings.TrimSpace(k), "unknown_attribute", "attribute is not part of the subject template")
			continue
		}
		supplied[attr] = strings.TrimSpace(v)
	}

	inTemplate := make(map[string]bool, len(t.fields))
	values := make([]DnValue, 0, len(t.fields))
	for _, f := range t.fields {
		inTemplate[f.Attribute] = true
		value, ok := supplied[f.Attribute]
		if !ok || value == "" {
			value = f.Value
		}
		if value == "" {
			if f.Required {
				verr.Add(f.Attribute, "required", "value is required")
			}
			continue
		}
		if f.Pattern != nil && !f.Pattern.MatchString(value) {
			verr.Add(f.Attribute, "invalid_format", "value does not match "+f.Pattern.String())
			continue
		}
		if f.Attribute == AttrCountry && !isPrintable(value) {
			verr.Add(f.Attribute, "invalid_format", "country must be printable ASCII")
			continue
		}
		values = append(values, DnValue{
			Attribute: f.Attribute,
			OID:       attributeOIDs[f.Attribute].String(),
			Value:     value,
		})
	}
	for _, attr := range slices.Sorted(maps.Keys(supplied)) {
		if !inTemplate[attr] {
			verr.Add(attr, "unknown_attribute", "attribute is not part of the subject template")
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return values, nil
}

// isPrintable reports whether s fits the ASN.1 PrintableString alphabet.
func isPrintable(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(" '()+,-./:=?", r):
		default:
			return false
		}
	}
	return true
}
