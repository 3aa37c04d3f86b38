package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	EnvironmentDev   = "DEV"
	EnvironmentEssai = "ESSAI"
	EnvironmentProd  = "PROD"
)

const (
	AuthCodeInHeader = "header"
	AuthCodeInBody   = "body"
)

const (
	EKUOmit       = "omit"
	EKUClientAuth = "client_auth"
	EKUCustom     = "custom"
)

const (
	PEMWrapped    = "wrapped"
	PEMSingleLine = "single_line"
)

// ProvisionalDeviceID is sent until the regulator assigns a device identifier.
const ProvisionalDeviceID = "0000-0000-0000"

var ErrUnknownEnvironment = errors.New("unknown_environment")

// DnField is one ordered attribute of the CSR subject template.
type DnField struct {
	Attribute string `mapstructure:"attribute" json:"attribute"`
	Value     string `mapstructure:"value" json:"value,omitempty"`
	Required  bool   `mapstructure:"required" json:"required"`
	Pattern   string `mapstructure:"pattern" json:"pattern,omitempty"`
}

// EnvironmentConfig is the immutable per-environment protocol profile
// injected into enrollment and dispatch. Components never read globals.
type EnvironmentConfig struct {
	Name              string        `mapstructure:"name"`
	EnrollmentURL     string        `mapstructure:"enrollmentUrl"`
	TransactionURL    string        `mapstructure:"transactionUrl"`
	QRBaseURL         string        `mapstructure:"qrBaseUrl"`
	DeviceKind        string        `mapstructure:"deviceKind"`
	PartnerID         string        `mapstructure:"partnerId"`
	PartnerVersion    string        `mapstructure:"partnerVersion"`
	CertificationCode string        `mapstructure:"certificationCode"`
	SoftwareID        string        `mapstructure:"softwareId"`
	SoftwareVersion   string        `mapstructure:"softwareVersion"`
	ProtocolVersion   string        `mapstructure:"protocolVersion"`
	TestCase          string        `mapstructure:"testCase"`
	AuthorizationCode string        `mapstructure:"authorizationCode"`
	AuthCodePlacement string        `mapstructure:"authCodePlacement"`
	DnTemplate        []DnField     `mapstructure:"dnTemplate"`
	EKUPolicy         string        `mapstructure:"ekuPolicy"`
	EKUCustomOIDs     []string      `mapstructure:"ekuCustomOids"`
	PEMFormat         string        `mapstructure:"pemFormat"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
}

// DefaultDnTemplate is the subject layout accepted by the regulator at the
// time of writing. Deployments override it per environment in srm.yml.
func DefaultDnTemplate() []DnField {
	return []DnField{
		{Attribute: "C", Value: "CA", Required: true, Pattern: `^[A-Z]{2}$`},
		{Attribute: "ST", Value: "QC", Required: true},
		{Attribute: "L", Value: "-05:00", Required: true},
		{Attribute: "SN", Value: "Certificat du serveur"},
		{Attribute: "O", Required: true, Pattern: `^[A-Z0-9]{3}-[A-Z0-9]{4}-[A-Z0-9]{4}$`},
		{Attribute: "OU", Pattern: `^\d{10}TQ\d{4}$`},
		{Attribute: "GN"},
		{Attribute: "CN", Required: true, Pattern: `^\d{10}$`},
	}
}

func DefaultEnvironments() []EnvironmentConfig {
	base := EnvironmentConfig{
		DeviceKind:        "SRV",
		PartnerVersion:    "1.0",
		ProtocolVersion:   "1.0",
		AuthCodePlacement: AuthCodeInHeader,
		DnTemplate:        DefaultDnTemplate(),
		EKUPolicy:         EKUOmit,
		PEMFormat:         PEMWrapped,
		RequestTimeout:    15 * time.Second,
	}

	dev := base
	dev.Name = EnvironmentDev
	dev.EnrollmentURL = "http://localhost:9090/enrolement"
	dev.TransactionURL = "http://localhost:9090/transaction"
	dev.QRBaseURL = "http://localhost:9090/qr"
	dev.TestCase = "000.000"

	essai := base
	essai.Name = EnvironmentEssai
	essai.EnrollmentURL = "https://srm-essai.example.invalid/enrolement"
	essai.TransactionURL = "https://srm-essai.example.invalid/transaction"
	essai.QRBaseURL = "https://srm-essai.example.invalid/qr"
	essai.TestCase = "000.000"

	prod := base
	prod.Name = EnvironmentProd
	prod.EnrollmentURL = "https://srm.example.invalid/enrolement"
	prod.TransactionURL = "https://srm.example.invalid/transaction"
	prod.QRBaseURL = "https://srm.example.invalid/qr"
	prod.PEMFormat = PEMSingleLine

	return []EnvironmentConfig{dev, essai, prod}
}

type EnvironmentHolder struct {
	current atomic.Value // holds map[string]EnvironmentConfig
}

// NewEnvironmentHolder loads srm.yml and keeps it hot-reloaded. Invalid
// reloads are ignored and the previous profiles stay in effect.
func NewEnvironmentHolder(cfg Config, log *zap.Logger) (*EnvironmentHolder, error) {
	log = log.Named("config.environment")
	v := viper.New()

	if cfg.SRM.ProfilePath != "" {
		v.SetConfigFile(cfg.SRM.ProfilePath)
	} else {
		v.SetConfigName("srm")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/srmgate/config")
		v.AddConfigPath("/etc/srmgate")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SRMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &EnvironmentHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("srm profile file not found, using built-in environments")
		if err := holder.store(DefaultEnvironments()); err != nil {
			return nil, err
		}
		return holder, nil
	}

	envs, err := decodeEnvironments(v)
	if err != nil {
		return nil, err
	}
	if err := holder.store(envs); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEnvironments(v)
		if err != nil {
			log.Warn("srm profile reload failed", zap.Error(err))
			return
		}
		if err := holder.store(updated); err != nil {
			log.Warn("srm profile invalid, reload ignored", zap.Error(err))
			return
		}
		log.Info("srm profile reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticEnvironmentHolder builds a holder from fixed profiles.
func NewStaticEnvironmentHolder(envs ...EnvironmentConfig) (*EnvironmentHolder, error) {
	holder := &EnvironmentHolder{}
	if err := holder.store(envs); err != nil {
		return nil, err
	}
	return holder, nil
}

func decodeEnvironments(v *viper.Viper) ([]EnvironmentConfig, error) {
	var envs []EnvironmentConfig
	if err := v.UnmarshalKey("srm.environments", &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (h *EnvironmentHolder) store(envs []EnvironmentConfig) error {
	if len(envs) == 0 {
		return errors.New("srm.environments cannot be empty")
	}
	byName := make(map[string]EnvironmentConfig, len(envs))
	for _, env := range envs {
		env = normalizeEnvironment(env)
		if err := ValidateEnvironment(env); err != nil {
			return err
		}
		if _, dup := byName[env.Name]; dup {
			return fmt.Errorf("srm.environments: duplicate environment %s", env.Name)
		}
		env.DnTemplate = append([]DnField(nil), env.DnTemplate...)
		env.EKUCustomOIDs = append([]string(nil), env.EKUCustomOIDs...)
		byName[env.Name] = env
	}
	h.current.Store(byName)
	return nil
}

// Get returns a copy of the named environment profile.
func (h *EnvironmentHolder) Get(name string) (EnvironmentConfig, error) {
	envs := h.current.Load().(map[string]EnvironmentConfig)
	env, ok := envs[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return EnvironmentConfig{}, ErrUnknownEnvironment
	}
	env.DnTemplate = append([]DnField(nil), env.DnTemplate...)
	env.EKUCustomOIDs = append([]string(nil), env.EKUCustomOIDs...)
	return env, nil
}

func (h *EnvironmentHolder) Names() []string {
	envs := h.current.Load().(map[string]EnvironmentConfig)
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeEnvironment(env EnvironmentConfig) EnvironmentConfig {
	env.Name = strings.ToUpper(strings.TrimSpace(env.Name))
	env.AuthCodePlacement = strings.ToLower(strings.TrimSpace(env.AuthCodePlacement))
	if env.AuthCodePlacement == "" {
		env.AuthCodePlacement = AuthCodeInHeader
	}
	env.EKUPolicy = strings.ToLower(strings.TrimSpace(env.EKUPolicy))
	if env.EKUPolicy == "" {
		env.EKUPolicy = EKUOmit
	}
	env.PEMFormat = strings.ToLower(strings.TrimSpace(env.PEMFormat))
	if env.PEMFormat == "" {
		env.PEMFormat = PEMWrapped
	}
	if env.RequestTimeout <= 0 {
		env.RequestTimeout = 15 * time.Second
	}
	if len(env.DnTemplate) == 0 {
		env.DnTemplate = DefaultDnTemplate()
	}
	for i := range env.DnTemplate {
		env.DnTemplate[i].Attribute = strings.ToUpper(strings.TrimSpace(env.DnTemplate[i].Attribute))
	}
	return env
}

// ValidateEnvironment checks a normalized profile.
func ValidateEnvironment(env EnvironmentConfig) error {
	switch env.Name {
	case EnvironmentDev, EnvironmentEssai, EnvironmentProd:
	default:
		return fmt.Errorf("srm.environments: invalid name %q", env.Name)
	}
	for key, raw := range map[string]string{
		"enrollmentUrl":  env.EnrollmentURL,
		"transactionUrl": env.TransactionURL,
		"qrBaseUrl":      env.QRBaseURL,
	} {
		if _, err := url.ParseRequestURI(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("srm.environments[%s].%s: %w", env.Name, key, err)
		}
	}
	switch env.AuthCodePlacement {
	case AuthCodeInHeader, AuthCodeInBody:
	default:
		return fmt.Errorf("srm.environments[%s].authCodePlacement: invalid value %q", env.Name, env.AuthCodePlacement)
	}
	switch env.EKUPolicy {
	case EKUOmit, EKUClientAuth:
	case EKUCustom:
		if len(env.EKUCustomOIDs) == 0 {
			return fmt.Errorf("srm.environments[%s].ekuCustomOids: required for custom policy", env.Name)
		}
	default:
		return fmt.Errorf("srm.environments[%s].ekuPolicy: invalid value %q", env.Name, env.EKUPolicy)
	}
	switch env.PEMFormat {
	case PEMWrapped, PEMSingleLine:
	default:
		return fmt.Errorf("srm.environments[%s].pemFormat: invalid value %q", env.Name, env.PEMFormat)
	}
	hasCN := false
	for _, field := range env.DnTemplate {
		if field.Attribute == "CN" {
			hasCN = true
		}
		if field.Pattern != "" {
			if _, err := regexp.Compile(field.Pattern); err != nil {
				return fmt.Errorf("srm.environments[%s].dnTemplate.%s: %w", env.Name, field.Attribute, err)
			}
		}
	}
	if !hasCN {
		return fmt.Errorf("srm.environments[%s].dnTemplate: CN is required", env.Name)
	}
	return nil
}
