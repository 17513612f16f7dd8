// Package config provides functionality for managing configuration options
// for the server and the CLI using command-line flags, an optional config
// file (JSON with comments, or YAML) and environment variables.
//
// Precedence, lowest first: defaults, config file, flags, environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/blob"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/db"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// Duration is a time.Duration written as "90s" or "720h" in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Database selects the mapping store.
type Database struct {
	// Driver is one of "postgres", "pgx" or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the connection string; a file path for sqlite.
	DSN string `json:"dsn" yaml:"dsn"`
}

// Vault configures label and tag backups.
type Vault struct {
	blob.Config `yaml:",inline"`
	// Recipients are age public keys backups are encrypted to.
	Recipients []string `json:"recipients" yaml:"recipients"`
	// IdentityFile holds the age identities used by restore.
	IdentityFile string `json:"identity_file" yaml:"identity_file"`
}

// Enabled reports whether backups are configured.
func (v Vault) Enabled() bool { return len(v.Recipients) > 0 }

// TLS names certificate files.
type TLS struct {
	CertFile string `json:"cert" yaml:"cert"`
	KeyFile  string `json:"key" yaml:"key"`
	CAFile   string `json:"ca" yaml:"ca"`
}

// Remote is the API endpoint used by the CLI's remote commands.
type Remote struct {
	URL string `json:"url" yaml:"url"`
	TLS `yaml:",inline"`
}

// Options holds the configuration values for the application.
type Options struct {
	// Address is the server's listening address (ip:port).
	Address string `json:"address" yaml:"address"`

	Database Database `json:"database" yaml:"database"`

	// InputDir confines the container paths named by records.
	InputDir string `json:"input_dir" yaml:"input_dir"`
	// OutputDir receives pseudonymised containers.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// KeyMode selects which identity fields make a mapping unique.
	KeyMode models.KeyMode `json:"key_mode" yaml:"key_mode"`
	// KeySecretFile holds the secret mixed into original keys. KEY_SECRET
	// supplies it directly.
	KeySecretFile string `json:"key_secret_file" yaml:"key_secret_file"`
	KeySecret     string `json:"-" yaml:"-"`

	// Verify is the label verification policy, "strict" or "lenient".
	Verify string `json:"verify" yaml:"verify"`
	// ShiftDays, when set, shifts every timestamp back by that many days
	// instead of a random offset.
	ShiftDays int `json:"shift_days" yaml:"shift_days"`

	Vault  Vault  `json:"vault" yaml:"vault"`
	TLS    TLS    `json:"tls" yaml:"tls"`
	Remote Remote `json:"remote" yaml:"remote"`

	// JobRetention is how long failed rewrite jobs are kept.
	JobRetention Duration `json:"job_retention" yaml:"job_retention"`
	// CleanInterval is how often failed jobs are purged.
	CleanInterval Duration `json:"clean_interval" yaml:"clean_interval"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	// Config is the path to the config file.
	Config string `json:"-" yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Options {
	return &Options{
		Address:       "localhost:8443",
		Database:      Database{Driver: db.DriverSQLite, DSN: "wsipseudo.db"},
		OutputDir:     "pseudonymised",
		KeyMode:       models.KeyByCaseID,
		Verify:        "strict",
		Vault:         Vault{Config: blob.Config{Driver: blob.DriverFilesystem, Root: "vault"}},
		TLS:           TLS{CertFile: "certs/server.crt", KeyFile: "certs/server.key", CAFile: "certs/ca.crt"},
		Remote:        Remote{URL: "https://localhost:8443", TLS: TLS{CertFile: "certs/operator.crt", KeyFile: "certs/operator.key", CAFile: "certs/ca.crt"}},
		JobRetention:  Duration(30 * 24 * time.Hour),
		CleanInterval: Duration(time.Hour),
		LogLevel:      "info",
		Config:        "config.json",
	}
}

// bind registers the shared flags on fs with o's current values as defaults.
func bind(fs *flag.FlagSet, o *Options) {
	fs.StringVarP(&o.Address, "address", "a", o.Address, "run on ip:port server")
	fs.StringVar(&o.Database.Driver, "db-driver", o.Database.Driver, "database driver: postgres, pgx or sqlite")
	fs.StringVarP(&o.Database.DSN, "database", "d", o.Database.DSN, "database DSN or sqlite file")
	fs.StringVarP(&o.InputDir, "input-dir", "i", o.InputDir, "directory slide paths are resolved against")
	fs.StringVarP(&o.OutputDir, "output-dir", "o", o.OutputDir, "directory for pseudonymised slides")
	fs.StringVar((*string)(&o.KeyMode), "key-mode", string(o.KeyMode), "mapping key: case_id or tuple")
	fs.StringVar(&o.KeySecretFile, "key-secret-file", o.KeySecretFile, "file holding the original-key secret")
	fs.StringVar(&o.Verify, "verify", o.Verify, "label verification: strict or lenient")
	fs.IntVar(&o.ShiftDays, "shift-days", o.ShiftDays, "fixed timestamp shift in days (0 = random)")
	fs.StringVar((*string)(&o.Vault.Driver), "vault-driver", string(o.Vault.Driver), "backup store: fs, s3 or memory")
	fs.StringVar(&o.Vault.Root, "vault-root", o.Vault.Root, "backup directory for the fs driver")
	fs.StringVar(&o.Vault.S3.Bucket, "vault-bucket", o.Vault.S3.Bucket, "backup bucket for the s3 driver")
	fs.StringSliceVar(&o.Vault.Recipients, "vault-recipient", o.Vault.Recipients, "age recipient for backups (repeatable)")
	fs.StringVar(&o.Vault.IdentityFile, "vault-identity", o.Vault.IdentityFile, "age identity file used by restore")
	fs.StringVar(&o.TLS.CertFile, "tls-cert", o.TLS.CertFile, "server certificate")
	fs.StringVar(&o.TLS.KeyFile, "tls-key", o.TLS.KeyFile, "server key")
	fs.StringVar(&o.TLS.CAFile, "tls-ca", o.TLS.CAFile, "CA that signs operator certificates")
	fs.StringVar(&o.Remote.URL, "server", o.Remote.URL, "API base URL for remote commands")
	fs.StringVar(&o.Remote.CertFile, "cert", o.Remote.CertFile, "operator certificate for remote commands")
	fs.StringVar(&o.Remote.KeyFile, "key", o.Remote.KeyFile, "operator key for remote commands")
	fs.StringVar(&o.Remote.CAFile, "ca", o.Remote.CAFile, "CA that signs the server certificate")
	fs.StringVarP(&o.LogLevel, "log-level", "l", o.LogLevel, "log level: debug, info, warn or error")
	fs.StringVarP(&o.Config, "config", "c", o.Config, "path to config file")
}

// Load parses args into fs, merges the config file and the environment
// and validates the result. Callers may register their own flags on fs
// before calling Load. getenv is os.Getenv outside tests.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Options, error) {
	o := Default()
	bind(fs, o)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path, explicit := o.Config, fs.Changed("config")
	if p := getenv("CONFIG"); p != "" {
		path, explicit = p, true
	}
	if path != "" {
		fromFile := Default()
		err := readFile(path, fromFile)
		switch {
		case err == nil:
			// Flags given on the command line win over the file.
			again := flag.NewFlagSet("file", flag.ContinueOnError)
			bind(again, fromFile)
			var setErr error
			fs.Visit(func(f *flag.Flag) {
				target := again.Lookup(f.Name)
				if target == nil || setErr != nil {
					return
				}
				if sv, ok := f.Value.(flag.SliceValue); ok {
					setErr = target.Value.(flag.SliceValue).Replace(sv.GetSlice())
					return
				}
				setErr = target.Value.Set(f.Value.String())
			})
			if setErr != nil {
				return nil, setErr
			}
			o = fromFile
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, err
		}
		o.Config = path
	}

	applyEnv(o, getenv)
	if err := o.loadSecret(); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Parse loads the configuration from os.Args and the process environment.
func Parse() (*Options, error) {
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	return Load(fs, os.Args[1:], os.Getenv)
}

func readFile(path string, o *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, o)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), o)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(o *Options, getenv func(string) string) {
	set := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	set(&o.Address, "SERVER_ADDRESS")
	set(&o.Database.DSN, "DATABASE_DSN")
	set(&o.Database.Driver, "DATABASE_DRIVER")
	set(&o.InputDir, "INPUT_DIR")
	set(&o.OutputDir, "OUTPUT_DIR")
	set((*string)(&o.KeyMode), "KEY_MODE")
	set(&o.KeySecret, "KEY_SECRET")
	set(&o.Verify, "VERIFY_POLICY")
	set((*string)(&o.Vault.Driver), "VAULT_DRIVER")
	set(&o.Vault.Root, "VAULT_FS_ROOT")
	set(&o.Vault.S3.Bucket, "VAULT_S3_BUCKET")
	set(&o.Vault.S3.Region, "VAULT_S3_REGION")
	set(&o.Vault.S3.Endpoint, "VAULT_S3_ENDPOINT")
	set(&o.Vault.S3.AccessKeyID, "VAULT_S3_ACCESS_KEY_ID")
	set(&o.Vault.S3.SecretAccessKey, "VAULT_S3_SECRET_ACCESS_KEY")
	if v := getenv("VAULT_S3_PATH_STYLE"); v != "" {
		o.Vault.S3.PathStyle = v == "1" || strings.EqualFold(v, "true")
	}
	if v := getenv("VAULT_RECIPIENTS"); v != "" {
		o.Vault.Recipients = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	set(&o.Vault.IdentityFile, "VAULT_IDENTITY_FILE")
	set(&o.Remote.URL, "WSIPSEUDO_SERVER")
	set(&o.LogLevel, "LOG_LEVEL")
}

func (o *Options) loadSecret() error {
	if o.KeySecret != "" || o.KeySecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(o.KeySecretFile)
	if err != nil {
		return fmt.Errorf("read key secret: %w", err)
	}
	o.KeySecret = strings.TrimSpace(string(data))
	if o.KeySecret == "" {
		return fmt.Errorf("key secret file %s is empty", o.KeySecretFile)
	}
	return nil
}

// ValidateServer checks the options the HTTP server needs on top of
// Validate. Remote operators name slides by path, so the server refuses to
// start without a directory that confines them.
func (o *Options) ValidateServer() error {
	if strings.TrimSpace(o.InputDir) == "" {
		return errors.New("server mode requires input_dir")
	}
	return nil
}

// Validate checks enumerated options.
func (o *Options) Validate() error {
	var errs []error
	switch o.Database.Driver {
	case db.DriverPostgres, db.DriverPGX, db.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", o.Database.Driver))
	}
	switch o.KeyMode {
	case models.KeyByCaseID, models.KeyByTuple:
	default:
		errs = append(errs, fmt.Errorf("unknown key mode %q", o.KeyMode))
	}
	switch o.Verify {
	case "strict", "lenient":
	default:
		errs = append(errs, fmt.Errorf("unknown verify policy %q", o.Verify))
	}
	switch o.Vault.Driver {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if o.Vault.S3.Bucket == "" {
			errs = append(errs, errors.New("vault s3 driver needs a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vault driver %q", o.Vault.Driver))
	}
	switch strings.ToLower(o.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", o.LogLevel))
	}
	if o.ShiftDays < 0 {
		errs = append(errs, fmt.Errorf("shift days must not be negative"))
	}
	if o.JobRetention <= 0 || o.CleanInterval <= 0 {
		errs = append(errs, errors.New("job retention and clean interval must be positive"))
	}
	return errors.Join(errs...)
}
