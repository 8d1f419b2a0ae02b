// Package config implements TOML configuration loading and validation for
// mydata-go: server credentials, staging transport settings, worker pool
// sizes, and the dataset folders to mirror. Unknown keys are fatal with
// "did you mean?" suggestions — silently ignoring a typo in a config file
// leads to hard-to-debug behavior.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Staging  StagingConfig  `toml:"staging"`
	Workers  WorkersConfig  `toml:"workers"`
	Advanced AdvancedConfig `toml:"advanced"`
	Folders  []FolderConfig `toml:"folder"`
}

// ServerConfig identifies the MyTardis server and the API credentials used
// against it. Timeouts are duration strings ("10s", "2m").
type ServerConfig struct {
	URL            string `toml:"url"`
	Username       string `toml:"username"`
	APIKey         string `toml:"api_key"`
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
}

// ConnectTimeoutDuration returns the parsed connect timeout. Only valid
// after Validate has accepted the config.
func (s *ServerConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(s.ConnectTimeout)

	return d
}

// DataTimeoutDuration returns the parsed data timeout. Only valid after
// Validate has accepted the config.
func (s *ServerConfig) DataTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(s.DataTimeout)

	return d
}

// StagingConfig holds the SFTP credentials for the staging host. Only
// consulted when the server has approved staging uploads; host may be left
// empty when uploads are known to fall back to POST.
type StagingConfig struct {
	Host           string `toml:"host"`
	Port           string `toml:"port"`
	Username       string `toml:"username"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Enabled reports whether a staging transport can be built at all.
func (s *StagingConfig) Enabled() bool {
	return s.Host != ""
}

// WorkersConfig sizes the two worker pools. The upload pool is forced to 1
// at runtime when uploads fall back to POST, regardless of the configured
// value.
type WorkersConfig struct {
	Verification int `toml:"verification"`
	Upload       int `toml:"upload"`
}

// AdvancedConfig holds settings that only matter for testing deployments.
type AdvancedConfig struct {
	// FakeMD5Checksum skips digest computation and submits a well-known
	// placeholder checksum instead, trading verifiability for speed when
	// benchmarking large transfers.
	FakeMD5Checksum bool `toml:"fake_md5_checksum"`
}

// FolderConfig maps one local directory tree onto one MyTardis dataset.
// Either dataset_uri or dataset_id must be set; dataset_uri wins when both
// are present.
type FolderConfig struct {
	Path       string `toml:"path"`
	DatasetID  int64  `toml:"dataset_id"`
	DatasetURI string `toml:"dataset_uri"`
}
