package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the daemon's full configuration. Flags win over the config
// file, and the file wins over environment defaults.
type config struct {
	Addr string

	SQL struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		Encrypt  string
	}

	Lease struct {
		Name            string
		HolderID        string
		Duration        time.Duration
		RenewInterval   time.Duration
		AcquireInterval time.Duration
	}

	Donor struct {
		FindHostTimeout time.Duration
	}

	Log struct {
		Level string
		JSON  bool
	}

	PIISalt string
}

func defaultHolderID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "recipientd"
}

// loadConfig parses flags, optionally merges a YAML file, and returns the
// effective configuration. File values fill only flags left at their
// defaults.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("recipientd", flag.ContinueOnError)

	var cfg config
	configPath := fs.String("config", envOrDefault("RECIPIENTD_CONFIG", ""), "optional YAML config file")
	fs.StringVar(&cfg.Addr, "addr", envOrDefault("RECIPIENTD_ADDR", ":8090"), "HTTP listen address")
	fs.StringVar(&cfg.SQL.Host, "sql-host", envOrDefault("MSSQL_HOST", "localhost"), "SQL Server host")
	fs.StringVar(&cfg.SQL.Port, "sql-port", envOrDefault("MSSQL_PORT", "1433"), "SQL Server port")
	fs.StringVar(&cfg.SQL.User, "sql-user", envOrDefault("MSSQL_USER", "sa"), "SQL Server user")
	fs.StringVar(&cfg.SQL.Password, "sql-password", envOrDefault("MSSQL_SA_PASSWORD", ""), "SQL Server password")
	fs.StringVar(&cfg.SQL.Database, "sql-db", envOrDefault("MSSQL_DATABASE", "tenantmigration"), "SQL Server database")
	fs.StringVar(&cfg.SQL.Encrypt, "sql-encrypt", envOrDefault("MSSQL_ENCRYPT", "disable"), "SQL Server encrypt setting")
	fs.StringVar(&cfg.Lease.Name, "lease-name", envOrDefault("RECIPIENTD_LEASE_NAME", "recipient-primary"), "election lease name")
	fs.StringVar(&cfg.Lease.HolderID, "holder-id", envOrDefault("RECIPIENTD_HOLDER_ID", defaultHolderID()), "election holder id")
	fs.DurationVar(&cfg.Lease.Duration, "lease-duration", 15*time.Second, "election lease duration")
	fs.DurationVar(&cfg.Lease.RenewInterval, "lease-renew-interval", 5*time.Second, "lease renew interval while leading")
	fs.DurationVar(&cfg.Lease.AcquireInterval, "lease-acquire-interval", 2*time.Second, "lease acquire interval while following")
	fs.DurationVar(&cfg.Donor.FindHostTimeout, "donor-find-host-timeout", 30*time.Second, "donor member selection timeout")
	fs.StringVar(&cfg.Log.Level, "log-level", envOrDefault("RECIPIENTD_LOG_LEVEL", "info"), "log level")
	fs.BoolVar(&cfg.Log.JSON, "log-json", false, "log JSON instead of console format")
	fs.StringVar(&cfg.PIISalt, "pii-salt", envOrDefault("RECIPIENTD_PII_SALT", ""), "salt for tenant id hashing in logs (empty logs raw ids)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if *configPath != "" {
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := cfg.applyFile(*configPath, set); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

// fileDuration parses "15s"-style YAML values into a duration.
type fileDuration time.Duration

func (d *fileDuration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = fileDuration(parsed)
	return nil
}

// fileConfig mirrors config with YAML-friendly duration fields.
type fileConfig struct {
	Addr string `yaml:"addr"`

	SQL struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		Encrypt  string `yaml:"encrypt"`
	} `yaml:"sql"`

	Lease struct {
		Name            string       `yaml:"name"`
		HolderID        string       `yaml:"holderId"`
		Duration        fileDuration `yaml:"duration"`
		RenewInterval   fileDuration `yaml:"renewInterval"`
		AcquireInterval fileDuration `yaml:"acquireInterval"`
	} `yaml:"lease"`

	Donor struct {
		FindHostTimeout fileDuration `yaml:"findHostTimeout"`
	} `yaml:"donor"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	PIISalt string `yaml:"piiSalt"`
}

// applyFile merges file values into cfg for every flag the user did not set
// explicitly.
func (c *config) applyFile(path string, set map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	merge := func(flagName string, dst *string, src string) {
		if !set[flagName] && src != "" {
			*dst = src
		}
	}
	mergeDuration := func(flagName string, dst *time.Duration, src fileDuration) {
		if !set[flagName] && src > 0 {
			*dst = time.Duration(src)
		}
	}

	merge("addr", &c.Addr, file.Addr)
	merge("sql-host", &c.SQL.Host, file.SQL.Host)
	merge("sql-port", &c.SQL.Port, file.SQL.Port)
	merge("sql-user", &c.SQL.User, file.SQL.User)
	merge("sql-password", &c.SQL.Password, file.SQL.Password)
	merge("sql-db", &c.SQL.Database, file.SQL.Database)
	merge("sql-encrypt", &c.SQL.Encrypt, file.SQL.Encrypt)
	merge("lease-name", &c.Lease.Name, file.Lease.Name)
	merge("holder-id", &c.Lease.HolderID, file.Lease.HolderID)
	mergeDuration("lease-duration", &c.Lease.Duration, file.Lease.Duration)
	mergeDuration("lease-renew-interval", &c.Lease.RenewInterval, file.Lease.RenewInterval)
	mergeDuration("lease-acquire-interval", &c.Lease.AcquireInterval, file.Lease.AcquireInterval)
	mergeDuration("donor-find-host-timeout", &c.Donor.FindHostTimeout, file.Donor.FindHostTimeout)
	merge("log-level", &c.Log.Level, file.Log.Level)
	if !set["log-json"] && file.Log.JSON {
		c.Log.JSON = true
	}
	merge("pii-salt", &c.PIISalt, file.PIISalt)
	return nil
}

func (c config) sqlDSN() (string, error) {
	if c.SQL.Password == "" {
		return "", fmt.Errorf("sql password is required")
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(c.SQL.User, c.SQL.Password),
		Host:   fmt.Sprintf("%s:%s", c.SQL.Host, c.SQL.Port),
	}
	query := url.Values{}
	query.Set("database", c.SQL.Database)
	query.Set("encrypt", c.SQL.Encrypt)
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
