package config

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the static bootstrap configuration for the server binary.
// Send-job runtime tunables (chunk size, thread workers, pressure
// thresholds) live in the dynamic ConfigStore instead, since those need
// validate-then-persist-then-reload semantics the operator can drive at
// runtime; this struct is read once from disk/env at process start.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	PMTA    PMTAConfig    `yaml:"pmta"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StorageConfig holds cold-storage (Job Archive) configuration.
type StorageConfig struct {
	Type       string `yaml:"type"` // "aws" or "local"
	LocalPath  string `yaml:"local_path"`
	S3Bucket   string `yaml:"s3_bucket"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "" // Running on ECS or Lambda, use IAM role
	}
	return c.AWSProfile
}

// AuthConfig holds Google OAuth authentication configuration for the
// Operator Surface.
type AuthConfig struct {
	Enabled            bool   `yaml:"enabled"`
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	AllowedDomain      string `yaml:"allowed_domain"`
	SessionSecret      string `yaml:"session_secret"`
	CookieName         string `yaml:"cookie_name"`
	CookieMaxAge       int    `yaml:"cookie_max_age"`
}

// PMTAConfig holds the bootstrap address of the PowerMTA HTTP API and
// accounting bridge. Most of these are also readable from PMTA_* env vars
// (see cmd/server/job_control_plane.go); the env var wins when both are set.
type PMTAConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	APIKeyEnv      string `yaml:"api_key_env"`
	AcctLogDir     string `yaml:"acct_log_dir"`
	AcctFilePattern string `yaml:"acct_file_pattern"`
	BridgeMode     string `yaml:"bridge_mode"` // "direct" or "http"
	SpamdAddr      string `yaml:"spamd_addr"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.PMTA.Host == "" {
		cfg.PMTA.Host = "127.0.0.1"
	}
	if cfg.PMTA.Port == 0 {
		cfg.PMTA.Port = 8080
	}
	if cfg.PMTA.AcctLogDir == "" {
		cfg.PMTA.AcctLogDir = "/var/log/pmta"
	}
	if cfg.PMTA.AcctFilePattern == "" {
		cfg.PMTA.AcctFilePattern = "acct-*.csv"
	}
	if cfg.PMTA.BridgeMode == "" {
		cfg.PMTA.BridgeMode = "direct"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Auth.GoogleClientSecret = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.Auth.SessionSecret = v
	}
	if v := os.Getenv("AUTH_ALLOWED_DOMAIN"); v != "" {
		cfg.Auth.AllowedDomain = v
	}
	if v := os.Getenv("PMTA_HOST"); v != "" {
		cfg.PMTA.Host = v
	}
	if v := os.Getenv("PMTA_BRIDGE_MODE"); v != "" {
		cfg.PMTA.BridgeMode = v
	}

	return cfg, nil
}
