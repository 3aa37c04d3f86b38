package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type State string

const (
	StateUnenrolled State = "unenrolled"
	StatePending    State = "pending"
	StateEnrolled   State = "enrolled"
	StateAnnulling  State = "annulling"
	StateAnnulled   State = "annulled"
)

// Profile is the enrolled identity of one point-of-sale device in one
// regulator environment. Key and certificates are vault envelopes.
type Profile struct {
	ID                            snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID                      string         `gorm:"type:text;not null;uniqueIndex:ux_device_profiles_tenant_env" json:"tenant_id"`
	Environment                   string         `gorm:"type:text;not null;uniqueIndex:ux_device_profiles_tenant_env" json:"environment"`
	DeviceID                      string         `gorm:"type:text;not null" json:"device_id"`
	DeviceIDAssigned              bool           `gorm:"not null;default:false" json:"device_id_assigned"`
	PartnerID                     string         `gorm:"type:text" json:"partner_id"`
	CertificationCode             string         `gorm:"type:text" json:"certification_code"`
	SoftwareID                    string         `gorm:"type:text" json:"software_id"`
	SoftwareVersion               string         `gorm:"type:text" json:"software_version"`
	ProtocolVersion               string         `gorm:"type:text" json:"protocol_version"`
	EnrollmentState               State          `gorm:"type:text;not null" json:"enrollment_state"`
	EncryptedPrivateKey           string         `gorm:"type:text" json:"-"`
	EncryptedCertificate          string         `gorm:"type:text" json:"-"`
	EncryptedSecondaryCertificate *string        `gorm:"type:text" json:"-"`
	CertificateFingerprint        string         `gorm:"type:text" json:"certificate_fingerprint,omitempty"`
	SubjectFields                 datatypes.JSON `gorm:"type:json" json:"subject_fields,omitempty"`
	Active                        bool           `gorm:"not null;default:false" json:"active"`
	CreatedAt                     time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt                     time.Time      `gorm:"not null" json:"updated_at"`
	EnrolledAt                    *time.Time     `json:"enrolled_at,omitempty"`
	AnnulledAt                    *time.Time     `json:"annulled_at,omitempty"`
}

func (Profile) TableName() string { return "device_profiles" }

// CanSign reports whether receipts may be signed with this profile.
func (p *Profile) CanSign() bool {
	return p != nil && p.Active && p.EnrollmentState == StateEnrolled && p.EncryptedPrivateKey != ""
}

// Summary is the profile view without any vault envelope.
type Summary struct {
	ID                     string     `json:"id"`
	TenantID               string     `json:"tenant_id"`
	Environment            string     `json:"environment"`
	DeviceID               string     `json:"device_id"`
	DeviceIDAssigned       bool       `json:"device_id_assigned"`
	EnrollmentState        State      `json:"enrollment_state"`
	Active                 bool       `json:"active"`
	CertificateFingerprint string     `json:"certificate_fingerprint,omitempty"`
	HasSecondaryCert       bool       `json:"has_secondary_certificate"`
	EnrolledAt             *time.Time `json:"enrolled_at,omitempty"`
	AnnulledAt             *time.Time `json:"annulled_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func (p *Profile) Summary() Summary {
	return Summary{
		ID:                     p.ID.String(),
		TenantID:               p.TenantID,
		Environment:            p.Environment,
		DeviceID:               p.DeviceID,
		DeviceIDAssigned:       p.DeviceIDAssigned,
		EnrollmentState:        p.EnrollmentState,
		Active:                 p.Active,
		CertificateFingerprint: p.CertificateFingerprint,
		HasSecondaryCert:       p.EncryptedSecondaryCertificate != nil,
		EnrolledAt:             p.EnrolledAt,
		AnnulledAt:             p.AnnulledAt,
		UpdatedAt:              p.UpdatedAt,
	}
}
