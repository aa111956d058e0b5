package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wmi"
)

// ErrUnknownProfile is returned by Config.Profile for undefined names.
var ErrUnknownProfile = errors.New("config: unknown profile")

// Config is the contents of a configuration file.
type Config struct {
	Log      LogConfig          `yaml:"log"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Defaults Profile            `yaml:"defaults"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Profile describes how to reach one computer.
type Profile struct {
	Computer           string        `yaml:"computer"`
	Namespace          string        `yaml:"namespace"`
	Protocol           string        `yaml:"protocol"`
	Transport          string        `yaml:"transport"`
	Port               int           `yaml:"port"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	AuthType           string        `yaml:"auth"`
	CertThumbprint     string        `yaml:"cert_thumbprint"`
	Locale             string        `yaml:"locale"`
	Timeout            time.Duration `yaml:"timeout"`
	ClassCache         *bool         `yaml:"class_cache"`
	CacheSize          int           `yaml:"cache_size"`
	Workers            int           `yaml:"workers"`
	WorkerQueue        int           `yaml:"worker_queue"`
}

// NewDefault returns the configuration used without a file.
func NewDefault() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{Namespace: "wmi"},
		Defaults: Profile{
			Computer:  ".",
			Namespace: "root/cimv2",
			Protocol:  wmi.DefaultProtocol,
		},
	}
}

// Load returns the defaults overlaid with filename, if not empty.
func Load(filename string) (*Config, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFromFile overlays the YAML file filename onto c.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", filename, err)
	}
	return nil
}

// Profile returns the named profile merged over the defaults, with
// environment overrides applied. An empty name selects the defaults.
func (c *Config) Profile(name string) (Profile, error) {
	p := c.Defaults
	if name != "" {
		named, ok := c.Profiles[name]
		if !ok {
			return Profile{}, fmt.Errorf("%w %q", ErrUnknownProfile, name)
		}
		p = p.merge(named)
	}
	if err := p.LoadFromEnv(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// merge returns p with every field set in o taking precedence.
func (p Profile) merge(o Profile) Profile {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	str(&p.Computer, o.Computer)
	str(&p.Namespace, o.Namespace)
	str(&p.Protocol, o.Protocol)
	str(&p.Transport, o.Transport)
	str(&p.User, o.User)
	str(&p.Password, o.Password)
	str(&p.AuthType, o.AuthType)
	str(&p.CertThumbprint, o.CertThumbprint)
	str(&p.Locale, o.Locale)
	num(&p.Port, o.Port)
	num(&p.CacheSize, o.CacheSize)
	num(&p.Workers, o.Workers)
	num(&p.WorkerQueue, o.WorkerQueue)
	if o.Timeout != 0 {
		p.Timeout = o.Timeout
	}
	if o.ClassCache != nil {
		p.ClassCache = o.ClassCache
	}
	p.InsecureSkipVerify = p.InsecureSkipVerify || o.InsecureSkipVerify
	return p
}

// LoadFromEnv applies WMI_* environment overrides.
func (p *Profile) LoadFromEnv() error {
	strs := map[string]*string{
		"WMI_COMPUTER":        &p.Computer,
		"WMI_NAMESPACE":       &p.Namespace,
		"WMI_PROTOCOL":        &p.Protocol,
		"WMI_TRANSPORT":       &p.Transport,
		"WMI_USER":            &p.User,
		"WMI_PASSWORD":        &p.Password,
		"WMI_AUTH":            &p.AuthType,
		"WMI_CERT_THUMBPRINT": &p.CertThumbprint,
		"WMI_LOCALE":          &p.Locale,
	}
	for key, dst := range strs {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	if val := os.Getenv("WMI_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("WMI_PORT: %w", err)
		}
		p.Port = port
	}
	if val := os.Getenv("WMI_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("WMI_TIMEOUT: %w", err)
		}
		p.Timeout = d
	}
	if val := os.Getenv("WMI_INSECURE_SKIP_VERIFY"); val != "" {
		skip, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("WMI_INSECURE_SKIP_VERIFY: %w", err)
		}
		p.InsecureSkipVerify = skip
	}
	return nil
}

var (
	protocols  = []string{mi.ProtocolWinRM, mi.ProtocolWMIDCOM}
	transports = []string{"", mi.TransportHTTP, mi.TransportHTTPS}
	authTypes  = []string{
		"",
		mi.AuthTypeDefault,
		mi.AuthTypeNone,
		mi.AuthTypeDigest,
		mi.AuthTypeNegoWithCreds,
		mi.AuthTypeNegoNoCreds,
		mi.AuthTypeBasic,
		mi.AuthTypeKerberos,
		mi.AuthTypeNTLM,
		mi.AuthTypeClientCerts,
		mi.AuthTypeIssuerCert,
		mi.AuthTypeCredSSP,
	}
)

// Validate checks the profile for values no connection could use.
func (p Profile) Validate() error {
	if !slices.Contains(protocols, strings.ToUpper(p.Protocol)) {
		return fmt.Errorf("invalid protocol %q (must be one of: %s)", p.Protocol, strings.Join(protocols, ", "))
	}
	if !slices.Contains(transports, strings.ToUpper(p.Transport)) {
		return fmt.Errorf("invalid transport %q", p.Transport)
	}
	if !slices.Contains(authTypes, p.AuthType) {
		return fmt.Errorf("invalid auth type %q", p.AuthType)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	if p.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if p.Workers < 0 || p.WorkerQueue < 0 {
		return errors.New("workers and worker_queue must not be negative")
	}
	if p.Password != "" && p.User == "" {
		return errors.New("password given without user")
	}
	return nil
}

// Validate checks the log settings and every profile.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for name, p := range c.Profiles {
		if err := c.Defaults.merge(p).Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}
	return nil
}

// ParseLevel parses DEBUG, INFO, WARN or ERROR, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (must be one of: DEBUG, INFO, WARN, ERROR)", s)
	}
	return level, nil
}

// Options converts the profile into connection options. Password is used
// as given; callers prompt for it beforehand if needed.
func (p Profile) Options() []wmi.Option {
	opts := []wmi.Option{
		wmi.WithComputer(p.Computer),
		wmi.WithProtocol(p.Protocol),
		wmi.WithLocale(p.Locale),
		wmi.WithOperationTimeout(p.Timeout),
		wmi.WithInsecureSkipVerify(p.InsecureSkipVerify),
	}
	if p.Transport != "" {
		opts = append(opts, wmi.WithTransport(p.Transport))
	}
	if p.Port != 0 {
		opts = append(opts, wmi.WithPort(p.Port))
	}
	if p.User != "" {
		opts = append(opts, wmi.WithCredentials(p.User, p.Password))
	}
	if p.AuthType != "" {
		opts = append(opts, wmi.WithAuthType(p.AuthType))
	}
	if p.CertThumbprint != "" {
		opts = append(opts, wmi.WithCertThumbprint(p.CertThumbprint))
	}
	if p.ClassCache != nil {
		opts = append(opts, wmi.WithClassCache(*p.ClassCache))
	}
	if p.CacheSize > 0 {
		opts = append(opts, wmi.WithClassCacheSize(p.CacheSize))
	}
	if p.Workers > 0 {
		opts = append(opts, wmi.WithExecutor(wmi.NewWorkerPool(p.Workers, p.WorkerQueue)))
	}
	return opts
}

// Moniker returns the moniker addressing the profile's namespace.
func (p Profile) Moniker() string {
	computer := p.Computer
	if computer == "" {
		computer = "."
	}
	return "//" + computer + "/" + strings.ReplaceAll(p.Namespace, `\`, "/")
}
