// Package testkit holds fixtures shared by package tests: an in-memory
// database, a throwaway vault and a certificate authority that issues
// device certificates.
package testkit

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/csr"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/internal/vault"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns a private in-memory sqlite database migrated for models.
func OpenDB(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if len(models) > 0 {
		require.NoError(t, db.AutoMigrate(models...))
	}
	return db
}

func Vault(t testing.TB) *vault.Vault {
	t.Helper()
	v, err := vault.New([]byte(strings.Repeat("k", vault.KeySize)))
	require.NoError(t, err)
	return v
}

func Environments(t testing.TB) *config.EnvironmentHolder {
	t.Helper()
	envs, err := config.NewStaticEnvironmentHolder(config.DefaultEnvironments()...)
	require.NoError(t, err)
	return envs
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// CA signs device certificates the way the regulator does.
type CA struct {
	mu     sync.Mutex
	key    *ecdsa.PrivateKey
	cert   *x509.Certificate
	serial int64
}

func NewCA(t testing.TB) *CA {
	t.Helper()
	key, err := csr.GenerateKey()
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test SRM CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &CA{key: key, cert: cert, serial: 100}
}

// Issue returns a PEM certificate for pub.
func (ca *CA) Issue(pub any) (string, error) {
	ca.mu.Lock()
	ca.serial++
	serial := ca.serial
	ca.mu.Unlock()

	der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}, ca.cert, pub, ca.key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

// Device is an enrolled profile together with its plaintext key material.
type Device struct {
	Profile     *devicedomain.Profile
	Key         *ecdsa.PrivateKey
	Certificate string
}

// EnrolledProfile stores an enrolled, active profile for tenant/env.
func EnrolledProfile(t testing.TB, db *gorm.DB, v *vault.Vault, ca *CA, node *snowflake.Node, tenantID, env, deviceID string) Device {
	t.Helper()
	key, err := csr.GenerateKey()
	require.NoError(t, err)
	certPEM, err := ca.Issue(key.Public())
	require.NoError(t, err)
	cert, err := csr.ParseCertificate(certPEM)
	require.NoError(t, err)

	keyPEM, err := csr.EncodePrivateKey(key)
	require.NoError(t, err)
	encKey, err := v.Encrypt(keyPEM)
	require.NoError(t, err)
	encCert, err := v.EncryptString(certPEM)
	require.NoError(t, err)

	now := time.Now().UTC()
	profile := &devicedomain.Profile{
		ID:                     node.Generate(),
		TenantID:               tenantID,
		Environment:            env,
		DeviceID:               deviceID,
		DeviceIDAssigned:       true,
		PartnerID:              "PARTNER-1",
		CertificationCode:      "CERT-1",
		SoftwareID:             "SW-1",
		SoftwareVersion:        "1.0.0",
		ProtocolVersion:        "1.0",
		EnrollmentState:        devicedomain.StateEnrolled,
		EncryptedPrivateKey:    encKey,
		EncryptedCertificate:   encCert,
		CertificateFingerprint: csr.Fingerprint(cert),
		SubjectFields:          datatypes.JSON("[]"),
		Active:                 true,
		CreatedAt:              now,
		UpdatedAt:              now,
		EnrolledAt:             &now,
	}
	require.NoError(t, db.WithContext(context.Background()).Create(profile).Error)
	return Device{Profile: profile, Key: key, Certificate: certPEM}
}
