package config

// Default values for configuration options. These are the starting point
// for TOML decoding, so fields left unset in the file retain them.
const (
	defaultConnectTimeout      = "10s"
	defaultDataTimeout         = "60s"
	defaultStagingPort         = "22"
	defaultVerificationWorkers = 25
	defaultUploadWorkers       = 5
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
		Staging: StagingConfig{
			Port: defaultStagingPort,
		},
		Workers: WorkersConfig{
			Verification: defaultVerificationWorkers,
			Upload:       defaultUploadWorkers,
		},
	}
}
