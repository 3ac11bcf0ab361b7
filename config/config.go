package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"obvv-backend/models"
	"obvv-backend/storage"
)

// BoothConfig configures one polling booth.
type BoothConfig struct {
	ID                string `yaml:"id"`
	Mode              string `yaml:"mode"`             // chained or order_only
	Algorithm         string `yaml:"algorithm"`        // sha256, keccak256 or blake3
	SessionDuration   string `yaml:"session_duration"` // empty keeps the session open until close
	KeysetPath        string `yaml:"keyset_path"`
	AssociatedData    string `yaml:"associated_data"`
	SealKeyPath       string `yaml:"seal_key_path"`
	IdentifierPattern string `yaml:"identifier_pattern"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // json, sqlite or postgres
	Dir    string `yaml:"dir"`
	DSN    string `yaml:"dsn"`
}

type AuditConfig struct {
	Driver string `yaml:"driver"` // jsonl, sqlite, postgres or none
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ReconcileConfig struct {
	SkipValidation bool   `yaml:"skip_validation"`
	RequireSeals   bool   `yaml:"require_seals"`
	ExpectedMode   string `yaml:"expected_mode"` // unless the registry pins a booth's mode
	Workers        int    `yaml:"workers"`
	LoadTimeout    string `yaml:"load_timeout"`
	RegistryPath   string `yaml:"registry_path"`
	ReportDir      string `yaml:"report_dir"`
	ReportsKept    int    `yaml:"reports_kept"`
	OutputDir      string `yaml:"output_dir"` // valid_votes.json and duplicate_votes.json
}

type PseudonymConfig struct {
	Domain string `yaml:"domain"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Development bool `yaml:"development"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type Config struct {
	Booth     BoothConfig     `yaml:"booth"`
	Store     StoreConfig     `yaml:"store"`
	Audit     AuditConfig     `yaml:"audit"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Pseudonym PseudonymConfig `yaml:"pseudonym"`
	Logger    LoggerConfig    `yaml:"logger"`
	API       APIConfig       `yaml:"api"`
}

func Default() *Config {
	return &Config{
		Booth: BoothConfig{
			Mode:      string(models.ModeChained),
			Algorithm: string(models.DigestSHA256),
		},
		Store: StoreConfig{
			Driver: "json",
			Dir:    "data/ledgers",
		},
		Audit: AuditConfig{
			Driver: "jsonl",
			Path:   "data/duplicate_audit.jsonl",
		},
		Reconcile: ReconcileConfig{
			Workers:     4,
			LoadTimeout: "30s",
			ReportDir:   "data/reports",
			ReportsKept: storage.DefaultReportKeep,
			OutputDir:   ".",
		},
		API: APIConfig{Port: 8080},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads envFile (when present) into the process environment, then the
// YAML file, then applies OBVV_* overrides.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv is Load for commands: the env file defaults to .env (or
// OBVV_ENV_FILE) and the YAML path is taken from OBVV_CONFIG, which the env
// file itself may set.
func LoadFromEnv() (*Config, error) {
	envFile := os.Getenv("OBVV_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return Load(os.Getenv("OBVV_CONFIG"), "")
}

// ApplyEnv overrides fields from OBVV_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s env variable: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s env variable: %w", key, err)
			}
			*dst = b
		}
		return nil
	}

	str("OBVV_BOOTH_ID", &c.Booth.ID)
	str("OBVV_BOOTH_MODE", &c.Booth.Mode)
	str("OBVV_BOOTH_ALGORITHM", &c.Booth.Algorithm)
	str("OBVV_SESSION_DURATION", &c.Booth.SessionDuration)
	str("OBVV_KEYSET_PATH", &c.Booth.KeysetPath)
	str("OBVV_ASSOCIATED_DATA", &c.Booth.AssociatedData)
	str("OBVV_SEAL_KEY_PATH", &c.Booth.SealKeyPath)
	str("OBVV_IDENTIFIER_PATTERN", &c.Booth.IdentifierPattern)

	str("OBVV_STORE_DRIVER", &c.Store.Driver)
	str("OBVV_STORE_DIR", &c.Store.Dir)
	str("OBVV_STORE_DSN", &c.Store.DSN)

	str("OBVV_AUDIT_DRIVER", &c.Audit.Driver)
	str("OBVV_AUDIT_PATH", &c.Audit.Path)
	str("OBVV_AUDIT_DSN", &c.Audit.DSN)

	str("OBVV_LOAD_TIMEOUT", &c.Reconcile.LoadTimeout)
	str("OBVV_EXPECTED_MODE", &c.Reconcile.ExpectedMode)
	str("OBVV_REGISTRY_PATH", &c.Reconcile.RegistryPath)
	str("OBVV_REPORT_DIR", &c.Reconcile.ReportDir)
	str("OBVV_OUTPUT_DIR", &c.Reconcile.OutputDir)
	str("OBVV_PSEUDONYM_DOMAIN", &c.Pseudonym.Domain)

	for _, err := range []error{
		num("OBVV_WORKERS", &c.Reconcile.Workers),
		num("OBVV_REPORTS_KEPT", &c.Reconcile.ReportsKept),
		num("OBVV_API_PORT", &c.API.Port),
		boolean("OBVV_SKIP_VALIDATION", &c.Reconcile.SkipValidation),
		boolean("OBVV_REQUIRE_SEALS", &c.Reconcile.RequireSeals),
		boolean("OBVV_LOG_DEVELOPMENT", &c.Logger.Development),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// BindFlags registers command line overrides for the fields every command
// shares. Call it after Load so flag defaults show the effective values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Store.Driver, "store", c.Store.Driver, "Ledger store driver (json, sqlite or postgres)")
	fs.StringVar(&c.Store.Dir, "store-dir", c.Store.Dir, "Directory of JSON ledgers")
	fs.StringVar(&c.Store.DSN, "store-dsn", c.Store.DSN, "Database DSN of the SQL ledger store")
	fs.StringVar(&c.Pseudonym.Domain, "domain", c.Pseudonym.Domain, "Pseudonymization domain value (prefer env)")
	fs.BoolVar(&c.Logger.Development, "dev", c.Logger.Development, "Development logging")
}

func (c *Config) BindBoothFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Booth.ID, "booth", c.Booth.ID, "Booth id")
	fs.StringVar(&c.Booth.Mode, "mode", c.Booth.Mode, "Integrity mode (chained or order_only)")
	fs.StringVar(&c.Booth.Algorithm, "algorithm", c.Booth.Algorithm, "Digest algorithm (sha256, keccak256 or blake3)")
	fs.StringVar(&c.Booth.SessionDuration, "session", c.Booth.SessionDuration, "Voting session duration, e.g. 10h")
	fs.StringVar(&c.Booth.KeysetPath, "keyset", c.Booth.KeysetPath, "QR payload keyset file")
	fs.StringVar(&c.Booth.SealKeyPath, "seal-key", c.Booth.SealKeyPath, "Booth seal key file, created when missing")
}

func (c *Config) BindReconcileFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Audit.Driver, "audit", c.Audit.Driver, "Audit sink driver (jsonl, sqlite, postgres or none)")
	fs.StringVar(&c.Audit.Path, "audit-path", c.Audit.Path, "JSON lines audit file")
	fs.StringVar(&c.Audit.DSN, "audit-dsn", c.Audit.DSN, "Database DSN of the SQL audit sink")
	fs.StringVar(&c.Reconcile.RegistryPath, "registry", c.Reconcile.RegistryPath, "Booth registry file")
	fs.BoolVar(&c.Reconcile.RequireSeals, "require-seals", c.Reconcile.RequireSeals, "Exclude ledgers without a valid seal")
	fs.StringVar(&c.Reconcile.ExpectedMode, "expected-mode", c.Reconcile.ExpectedMode, "Integrity mode booths must have used (chained or order_only)")
	fs.BoolVar(&c.Reconcile.SkipValidation, "skip-validation", c.Reconcile.SkipValidation, "Trust ledgers without checking their chains")
	fs.IntVar(&c.Reconcile.Workers, "workers", c.Reconcile.Workers, "Parallel booth loads")
	fs.StringVar(&c.Reconcile.LoadTimeout, "load-timeout", c.Reconcile.LoadTimeout, "Timeout for loading one booth")
	fs.StringVar(&c.Reconcile.ReportDir, "report-dir", c.Reconcile.ReportDir, "Report archive directory")
	fs.StringVar(&c.Reconcile.OutputDir, "out", c.Reconcile.OutputDir, "Directory for valid_votes.json and duplicate_votes.json")
}

// Validate checks every value that is parsed later.
func (c *Config) Validate() error {
	if _, err := models.ParseIntegrityMode(c.Booth.Mode); err != nil {
		return err
	}
	if _, err := models.ParseDigestAlgorithm(c.Booth.Algorithm); err != nil {
		return err
	}
	if _, err := c.Booth.Duration(); err != nil {
		return err
	}
	if _, err := c.Booth.Pattern(); err != nil {
		return err
	}
	if _, err := c.Reconcile.Timeout(); err != nil {
		return err
	}
	if _, err := models.ParseIntegrityMode(c.Reconcile.ExpectedMode); err != nil {
		return fmt.Errorf("expected mode: %w", err)
	}
	switch c.Store.Driver {
	case "json":
		if c.Store.Dir == "" {
			return errors.New("store dir required for the json store")
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn required for the %s store", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Audit.Driver {
	case "none", "":
	case "jsonl":
		if c.Audit.Path == "" {
			return errors.New("audit path required for the jsonl sink")
		}
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown audit driver %q", c.Audit.Driver)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	return nil
}

// ValidateBooth additionally requires what a booth process needs.
func (c *Config) ValidateBooth() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return storage.ValidateBoothID(c.Booth.ID)
}

func (b BoothConfig) Duration() (time.Duration, error) {
	if b.SessionDuration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(b.SessionDuration)
	if err != nil {
		return 0, fmt.Errorf("invalid session duration: %w", err)
	}
	return d, nil
}

// Pattern compiles the identifier pattern; nil when none is configured.
func (b BoothConfig) Pattern() (*regexp.Regexp, error) {
	if b.IdentifierPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(b.IdentifierPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier pattern: %w", err)
	}
	return re, nil
}

func (r ReconcileConfig) Timeout() (time.Duration, error) {
	if r.LoadTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.LoadTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid load timeout: %w", err)
	}
	return d, nil
}
