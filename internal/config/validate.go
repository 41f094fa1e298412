package config

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop the program from values
// that were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate checks the config and returns every problem found, fatal or not.
func (c *Config) Validate() []error {
	r := c.ValidateTiered()
	return append(r.Fatals, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values the engine cannot work with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	name := strings.TrimSpace(c.BackupRootName)
	switch {
	case name == "" || name == "." || name == "..":
		r.Fatals = append(r.Fatals, fmt.Errorf("backup_root_name %q is not a usable directory name", c.BackupRootName))
	case strings.ContainsAny(name, `/\`):
		r.Fatals = append(r.Fatals, fmt.Errorf("backup_root_name %q must be a single path element", c.BackupRootName))
	default:
		for _, ch := range name {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("backup_root_name contains control characters"))
				break
			}
		}
	}

	if c.StagingDir == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("staging_dir must be set"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	clamp(&r, "verify_workers", &c.VerifyWorkers, 1, 64)
	clamp(&r, "stage_concurrency", &c.StageConcurrency, 1, 32)
	clamp(&r, "http_timeout_seconds", &c.HTTPTimeoutSeconds, 5, 3600)
	clamp(&r, "audit_max_size_mb", &c.AuditMaxSizeMB, 1, 1024)
	clamp(&r, "audit_max_backups", &c.AuditMaxBackups, 1, 100)
	clamp(&r, "log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	clamp(&r, "log_max_backups", &c.LogMaxBackups, 1, 100)
	if c.MinDiskSpaceMB < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_disk_space_mb %d is negative, clamping to 0", c.MinDiskSpaceMB))
		c.MinDiskSpaceMB = 0
	}

	if (c.B2.AccountID == "") != (c.B2.ApplicationKey == "") {
		r.Warnings = append(r.Warnings, fmt.Errorf("b2.account_id and b2.application_key must be set together"))
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		r.Warnings = append(r.Warnings, fmt.Errorf("s3.access_key_id and s3.secret_access_key must be set together"))
	}

	for _, err := range r.Warnings {
		log.Warnw("config validation", logging.KeyError, err)
	}
	return r
}

func clamp(r *ValidationResult, key string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}
