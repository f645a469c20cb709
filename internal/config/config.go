// Package config loads and validates the service configuration from
// environment variables (optionally backed by a dnscheck.yaml file).
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DB holds relational store settings.
type DB struct {
	Host                string
	Port                int
	User                string
	Pass                string
	Name                string
	PoolConnectionLimit int
	PoolAcquireTimeout  time.Duration
	PoolConnectTimeout  time.Duration
	QueryRetryCount     int
	QueryRetryDelay     time.Duration
}

// URL renders the pgx connection string.
func (d DB) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Pass, d.Host, d.Port, d.Name)
}

// SMTP holds outbound mail settings.
type SMTP struct {
	Host   string
	Port   int
	Secure bool
	User   string
	Pass   string
	From   string
}

// DNS holds resolver settings and record caps.
type DNS struct {
	Servers       []string // "ip:port" pairs (port 53 when omitted), validated at load
	PollInterval  time.Duration
	JobMaxAge     time.Duration
	Timeout       time.Duration
	MaxRecords    int
	MaxTXTRecords int
	MaxTXTLength  int
	MaxHostLength int
}

// Profile is the expected DNS record set a target must publish.
type Profile struct {
	UICNAMEExpected      string
	UICNAMEAuthorizedIPs []string
	UICNAMEMaxChainDepth int
	MXExpectedHost       string
	MXExpectedPriority   uint16
	DKIMSelector         string
	DKIMCNAMEExpected    string
	SPFExpected          string
	DMARCExpected        string
}

// Config is the full service configuration.
type Config struct {
	Host string
	Port int

	DB      DB
	SMTP    SMTP
	DNS     DNS
	Profile Profile

	AdminEmailTo        string
	CheckDNSMinInterval time.Duration
	CheckDNSToken       string
	MaxActiveJobs       int
	ResumeStartupJitter time.Duration
	TargetCooldown      time.Duration
	ResultJSONMaxBytes  int
	EmailBodyMaxLength  int
}

// Load reads configuration from the environment (and an optional
// dnscheck.yaml in the working directory), applies defaults, validates
// required values, and clamps MAX_ACTIVE_JOBS to the pool size.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("dnscheck")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)

	v.SetDefault("db.port", 5432)
	v.SetDefault("db.pool_connection_limit", 10)
	v.SetDefault("db.pool_acquire_timeout_ms", 10000)
	v.SetDefault("db.pool_connect_timeout_ms", 10000)
	v.SetDefault("db.query_retry_count", 3)
	v.SetDefault("db.query_retry_delay_ms", 250)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.secure", false)

	v.SetDefault("dns.poll_interval_seconds", 60)
	v.SetDefault("dns.job_max_age_hours", 72)
	v.SetDefault("dns.timeout_ms", 5000)
	v.SetDefault("dns.max_records", 20)
	v.SetDefault("dns.max_txt_records", 30)
	v.SetDefault("dns.max_txt_length", 512)
	v.SetDefault("dns.max_host_length", 253)

	v.SetDefault("checkdns.min_interval_seconds", 30)
	v.SetDefault("max.active_jobs", 10)
	v.SetDefault("resume.startup_jitter_ms", 15000)
	v.SetDefault("target.cooldown_seconds", 60)
	v.SetDefault("result.json_max_bytes", 20000)
	v.SetDefault("email.body_max_length", 8000)
	v.SetDefault("ui_cname.max_chain_depth", 10)
	v.SetDefault("email_mx.expected_priority", 10)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Host: v.GetString("host"),
		Port: v.GetInt("port"),
		DB: DB{
			Host:                v.GetString("db.host"),
			Port:                v.GetInt("db.port"),
			User:                v.GetString("db.user"),
			Pass:                v.GetString("db.pass"),
			Name:                v.GetString("db.name"),
			PoolConnectionLimit: v.GetInt("db.pool_connection_limit"),
			PoolAcquireTimeout:  time.Duration(v.GetInt("db.pool_acquire_timeout_ms")) * time.Millisecond,
			PoolConnectTimeout:  time.Duration(v.GetInt("db.pool_connect_timeout_ms")) * time.Millisecond,
			QueryRetryCount:     v.GetInt("db.query_retry_count"),
			QueryRetryDelay:     time.Duration(v.GetInt("db.query_retry_delay_ms")) * time.Millisecond,
		},
		SMTP: SMTP{
			Host:   v.GetString("smtp.host"),
			Port:   v.GetInt("smtp.port"),
			Secure: v.GetBool("smtp.secure"),
			User:   v.GetString("smtp.user"),
			Pass:   v.GetString("smtp.pass"),
			From:   v.GetString("smtp.from"),
		},
		DNS: DNS{
			PollInterval:  time.Duration(v.GetInt("dns.poll_interval_seconds")) * time.Second,
			JobMaxAge:     time.Duration(v.GetInt("dns.job_max_age_hours")) * time.Hour,
			Timeout:       time.Duration(v.GetInt("dns.timeout_ms")) * time.Millisecond,
			MaxRecords:    v.GetInt("dns.max_records"),
			MaxTXTRecords: v.GetInt("dns.max_txt_records"),
			MaxTXTLength:  v.GetInt("dns.max_txt_length"),
			MaxHostLength: v.GetInt("dns.max_host_length"),
		},
		Profile: Profile{
			UICNAMEExpected:      strings.ToLower(strings.TrimSuffix(v.GetString("ui_cname.expected"), ".")),
			UICNAMEMaxChainDepth: v.GetInt("ui_cname.max_chain_depth"),
			MXExpectedHost:       strings.ToLower(strings.TrimSuffix(v.GetString("email_mx.expected_host"), ".")),
			MXExpectedPriority:   uint16(v.GetInt("email_mx.expected_priority")),
			DKIMSelector:         v.GetString("email_dkim.selector"),
			DKIMCNAMEExpected:    strings.ToLower(strings.TrimSuffix(v.GetString("email_dkim.cname_expected"), ".")),
			SPFExpected:          v.GetString("email_spf.expected"),
			DMARCExpected:        v.GetString("email_dmarc.expected"),
		},
		AdminEmailTo:        v.GetString("admin.email_to"),
		CheckDNSMinInterval: time.Duration(v.GetInt("checkdns.min_interval_seconds")) * time.Second,
		CheckDNSToken:       v.GetString("checkdns.token"),
		MaxActiveJobs:       v.GetInt("max.active_jobs"),
		ResumeStartupJitter: time.Duration(v.GetInt("resume.startup_jitter_ms")) * time.Millisecond,
		TargetCooldown:      time.Duration(v.GetInt("target.cooldown_seconds")) * time.Second,
		ResultJSONMaxBytes:  v.GetInt("result.json_max_bytes"),
		EmailBodyMaxLength:  v.GetInt("email.body_max_length"),
	}

	servers, err := parseServerList(v.GetString("dns.servers"))
	if err != nil {
		return nil, err
	}
	cfg.DNS.Servers = servers

	ips, err := parseIPList(v.GetString("ui_cname.authorized_ips"))
	if err != nil {
		return nil, err
	}
	cfg.Profile.UICNAMEAuthorizedIPs = ips

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Job capacity must never exceed the pool, or jobs starve request
	// handlers of connections.
	if cfg.MaxActiveJobs > cfg.DB.PoolConnectionLimit {
		cfg.MaxActiveJobs = cfg.DB.PoolConnectionLimit
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	require := func(name, val string) {
		if val == "" {
			missing = append(missing, name)
		}
	}
	require("DB_HOST", c.DB.Host)
	require("DB_USER", c.DB.User)
	require("DB_NAME", c.DB.Name)
	require("SMTP_HOST", c.SMTP.Host)
	require("SMTP_FROM", c.SMTP.From)
	require("ADMIN_EMAIL_TO", c.AdminEmailTo)
	require("DNS_SERVERS", strings.Join(c.DNS.Servers, ","))
	require("UI_CNAME_EXPECTED", c.Profile.UICNAMEExpected)
	require("EMAIL_MX_EXPECTED_HOST", c.Profile.MXExpectedHost)
	require("EMAIL_DKIM_SELECTOR", c.Profile.DKIMSelector)
	require("EMAIL_DKIM_CNAME_EXPECTED", c.Profile.DKIMCNAMEExpected)
	require("EMAIL_SPF_EXPECTED", c.Profile.SPFExpected)
	require("EMAIL_DMARC_EXPECTED", c.Profile.DMARCExpected)
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.DNS.PollInterval < time.Second {
		return fmt.Errorf("DNS_POLL_INTERVAL_SECONDS must be at least 1, got %s", c.DNS.PollInterval)
	}
	if c.DNS.JobMaxAge <= 0 {
		return fmt.Errorf("DNS_JOB_MAX_AGE_HOURS must be positive")
	}
	if c.MaxActiveJobs < 1 {
		return fmt.Errorf("MAX_ACTIVE_JOBS must be at least 1")
	}
	if c.ResultJSONMaxBytes < 1024 {
		return fmt.Errorf("RESULT_JSON_MAX_BYTES must be at least 1024")
	}
	if c.Profile.UICNAMEMaxChainDepth < 1 {
		return fmt.Errorf("UI_CNAME_MAX_CHAIN_DEPTH must be at least 1")
	}
	return nil
}

// parseServerList parses the DNS_SERVERS CSV. Entries must be IP
// addresses, optionally with a port; bare IPs get ":53" appended.
func parseServerList(csv string) ([]string, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	var servers []string
	for _, part := range strings.Split(csv, ",") {
		s := strings.TrimSpace(part)
		if s == "" {
			continue
		}
		host, port := s, "53"
		if h, p, err := net.SplitHostPort(s); err == nil {
			host, port = h, p
		}
		if net.ParseIP(host) == nil {
			return nil, fmt.Errorf("DNS_SERVERS: %q is not an IP address", s)
		}
		servers = append(servers, net.JoinHostPort(host, port))
	}
	return servers, nil
}

// parseIPList parses the UI_CNAME_AUTHORIZED_IPS CSV. Empty input is
// valid and disables authorized-IP chain matching.
func parseIPList(csv string) ([]string, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	var ips []string
	for _, part := range strings.Split(csv, ",") {
		s := strings.ToLower(strings.TrimSpace(part))
		if s == "" {
			continue
		}
		if net.ParseIP(s) == nil {
			return nil, fmt.Errorf("UI_CNAME_AUTHORIZED_IPS: %q is not an IP address", s)
		}
		ips = append(ips, s)
	}
	return ips, nil
}
