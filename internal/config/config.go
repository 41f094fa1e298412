// Package config loads gamefix settings from gamefix.yaml, GAMEFIX_* environment
// variables and defaults, in that order of precedence after flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const (
	appName        = "gamefix"
	envPrefix      = "GAMEFIX"
	configFileName = "gamefix"
)

type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

type B2Config struct {
	AccountID      string `mapstructure:"account_id"`
	ApplicationKey string `mapstructure:"application_key"`
}

type Config struct {
	BackupRootName string `mapstructure:"backup_root_name"`
	StagingDir     string `mapstructure:"staging_dir"`
	HostsPath      string `mapstructure:"hosts_path"`
	CatalogPath    string `mapstructure:"catalog"`
	SharedCatalog  string `mapstructure:"shared_catalog"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditDir        string `mapstructure:"audit_dir"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	MinDiskSpaceMB        int  `mapstructure:"min_disk_space_mb"`
	CheckRunningProcesses bool `mapstructure:"check_running_processes"`
	VerifyWorkers         int  `mapstructure:"verify_workers"`
	StageConcurrency      int  `mapstructure:"stage_concurrency"`
	HTTPTimeoutSeconds    int  `mapstructure:"http_timeout_seconds"`

	S3    S3Config    `mapstructure:"s3"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	Azure AzureConfig `mapstructure:"azure"`
	B2    B2Config    `mapstructure:"b2"`
}

func Default() *Config {
	return &Config{
		BackupRootName:        ".gamefix_backup",
		StagingDir:            filepath.Join(xdg.CacheHome, appName, "staging"),
		LogFormat:             "text",
		LogLevel:              "info",
		LogMaxSizeMB:          50,
		LogMaxBackups:         3,
		AuditEnabled:          true,
		AuditDir:              filepath.Join(xdg.StateHome, appName),
		AuditMaxSizeMB:        10,
		AuditMaxBackups:       3,
		MinDiskSpaceMB:        100,
		CheckRunningProcesses: true,
		VerifyWorkers:         4,
		StageConcurrency:      3,
		HTTPTimeoutSeconds:    300,
	}
}

// Load reads cfgFile, or gamefix.yaml from the config dir or the working
// directory when cfgFile is empty. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables bind to it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backup_root_name", cfg.BackupRootName)
	v.SetDefault("staging_dir", cfg.StagingDir)
	v.SetDefault("hosts_path", cfg.HostsPath)
	v.SetDefault("catalog", cfg.CatalogPath)
	v.SetDefault("shared_catalog", cfg.SharedCatalog)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("audit_enabled", cfg.AuditEnabled)
	v.SetDefault("audit_dir", cfg.AuditDir)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
	v.SetDefault("min_disk_space_mb", cfg.MinDiskSpaceMB)
	v.SetDefault("check_running_processes", cfg.CheckRunningProcesses)
	v.SetDefault("verify_workers", cfg.VerifyWorkers)
	v.SetDefault("stage_concurrency", cfg.StageConcurrency)
	v.SetDefault("http_timeout_seconds", cfg.HTTPTimeoutSeconds)
	v.SetDefault("s3.region", cfg.S3.Region)
	v.SetDefault("s3.endpoint", cfg.S3.Endpoint)
	v.SetDefault("s3.access_key_id", cfg.S3.AccessKeyID)
	v.SetDefault("s3.secret_access_key", cfg.S3.SecretAccessKey)
	v.SetDefault("s3.session_token", cfg.S3.SessionToken)
	v.SetDefault("s3.use_path_style", cfg.S3.UsePathStyle)
	v.SetDefault("gcs.credentials_file", cfg.GCS.CredentialsFile)
	v.SetDefault("azure.connection_string", cfg.Azure.ConnectionString)
	v.SetDefault("b2.account_id", cfg.B2.AccountID)
	v.SetDefault("b2.application_key", cfg.B2.ApplicationKey)
}

// SaveTo writes cfg as YAML to cfgFile, or to gamefix.yaml in the config dir.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	setDefaults(v, cfg)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), configFileName+".yaml")
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Storage credentials may be in the file.
	return os.Chmod(cfgPath, 0o600)
}

// ConfigDir is the per-user directory holding gamefix.yaml.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}
