package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minWorkers            = 1
	maxVerificationWorker = 128
	maxUploadWorkers      = 32
	minConnectTimeout     = 1 * time.Second
	minDataTimeout        = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStaging(&cfg.Staging)...)
	errs = append(errs, validateWorkers(&cfg.Workers)...)
	errs = append(errs, validateFolders(cfg.Folders)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	switch {
	case s.URL == "":
		errs = append(errs, errors.New("server.url: must not be empty"))
	default:
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.url: %q is not an absolute URL", s.URL))
		}
	}

	if s.Username == "" {
		errs = append(errs, errors.New("server.username: must not be empty"))
	}

	if s.APIKey == "" {
		errs = append(errs, errors.New("server.api_key: must not be empty"))
	}

	errs = append(errs, validateDurationMin("server.connect_timeout", s.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("server.data_timeout", s.DataTimeout, minDataTimeout)...)

	return errs
}

func validateStaging(s *StagingConfig) []error {
	if !s.Enabled() {
		return nil
	}

	var errs []error

	if s.Username == "" {
		errs = append(errs, errors.New("staging.username: required when staging.host is set"))
	}

	if s.PrivateKeyPath == "" {
		errs = append(errs, errors.New("staging.private_key_path: required when staging.host is set"))
	}

	return errs
}

func validateWorkers(w *WorkersConfig) []error {
	var errs []error

	if w.Verification < minWorkers || w.Verification > maxVerificationWorker {
		errs = append(errs, fmt.Errorf("workers.verification: must be between %d and %d, got %d",
			minWorkers, maxVerificationWorker, w.Verification))
	}

	if w.Upload < minWorkers || w.Upload > maxUploadWorkers {
		errs = append(errs, fmt.Errorf("workers.upload: must be between %d and %d, got %d",
			minWorkers, maxUploadWorkers, w.Upload))
	}

	return errs
}

func validateFolders(folders []FolderConfig) []error {
	if len(folders) == 0 {
		return []error{errors.New("at least one [[folder]] section is required")}
	}

	var errs []error

	for i, f := range folders {
		if f.Path == "" {
			errs = append(errs, fmt.Errorf("folder[%d].path: must not be empty", i))
		}

		if f.DatasetURI == "" && f.DatasetID <= 0 {
			errs = append(errs, fmt.Errorf("folder[%d]: either dataset_uri or dataset_id is required", i))
		}
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q", field, value)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}
