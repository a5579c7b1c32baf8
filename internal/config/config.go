package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Mode constants
	ModeStdio  = "stdio"
	ModeServer = "server"

	// Training mode constants
	TrainingIncremental = "incremental"
	TrainingFullRetrain = "full_retrain"

	// Default values
	DefaultPort        = 8080
	DefaultHost        = "127.0.0.1"
	DefaultLogLevel    = "info"
	DefaultMaxFileSize = 100 * 1024 * 1024 // 100MB
)

// Config holds all configuration for the extraction engine server
type Config struct {
	// Server configuration
	Mode string // "server" or "stdio"
	Host string
	Port int

	// Application configuration
	Version     string
	ServerName  string
	LogLevel    string
	MaxFileSize int64 // Maximum PDF file size in bytes

	// Training configuration
	TrainingMode      string // "incremental" or "full_retrain"
	TrainingTimeoutMS int
	AutoTrain         bool

	// Arbitration configuration: calibration weights applied to the two
	// extraction strategies' confidences before comparison
	RuleWeight float64
	CRFWeight  float64
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:              ModeStdio, // Default to stdio mode for MCP compatibility
		Host:              DefaultHost,
		Port:              DefaultPort,
		Version:           "1.0.0",
		ServerName:        "fieldlens",
		LogLevel:          DefaultLogLevel,
		MaxFileSize:       DefaultMaxFileSize,
		TrainingMode:      TrainingIncremental,
		TrainingTimeoutMS: 120_000,
		AutoTrain:         true,
		RuleWeight:        1.0,
		CRFWeight:         0.95,
	}
}

// LoadFromFlags parses command line flags and returns a configuration
func LoadFromFlags() (*Config, error) {
	cfg := DefaultConfig()

	setupViperEnvironment(cfg)
	defineCommandLineFlags(cfg)
	bindFlagsToViper()
	setupUsageMessage()

	// Check for version flag before parsing
	if err := checkVersionFlag(); err != nil {
		return nil, err
	}

	pflag.Parse()

	populateConfigFromViper(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViperEnvironment configures viper with environment variables and defaults
func setupViperEnvironment(cfg *Config) {
	// Set environment variable prefix
	viper.SetEnvPrefix("FIELDLENS")
	viper.AutomaticEnv()

	viper.SetDefault("mode", cfg.Mode)
	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("loglevel", cfg.LogLevel)
	viper.SetDefault("maxfilesize", cfg.MaxFileSize)
	viper.SetDefault("trainingmode", cfg.TrainingMode)
	viper.SetDefault("trainingtimeoutms", cfg.TrainingTimeoutMS)
	viper.SetDefault("autotrain", cfg.AutoTrain)
	viper.SetDefault("ruleweight", cfg.RuleWeight)
	viper.SetDefault("crfweight", cfg.CRFWeight)
}

// defineCommandLineFlags sets up all command line flags
func defineCommandLineFlags(cfg *Config) {
	pflag.String("mode", cfg.Mode, "Server mode: 'stdio' for MCP standard I/O, 'server' for HTTP server")
	pflag.String("host", cfg.Host, "Server host address (server mode only)")
	pflag.Int("port", cfg.Port, "Server port (server mode only)")
	pflag.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pflag.Int64("maxfilesize", cfg.MaxFileSize, "Maximum PDF file size in bytes")
	pflag.String("trainingmode", cfg.TrainingMode, "Training mode: 'incremental' or 'full_retrain'")
	pflag.Int("trainingtimeoutms", cfg.TrainingTimeoutMS, "Training run timeout in milliseconds")
	pflag.Bool("autotrain", cfg.AutoTrain, "Check the training threshold after each feedback submission")
	pflag.Float64("ruleweight", cfg.RuleWeight, "Calibration weight applied to rule-based confidences during arbitration")
	pflag.Float64("crfweight", cfg.CRFWeight, "Calibration weight applied to sequence-model confidences during arbitration")
}

// bindFlagsToViper binds command line flags to viper configuration
func bindFlagsToViper() {
	_ = viper.BindPFlag("mode", pflag.Lookup("mode"))
	_ = viper.BindPFlag("host", pflag.Lookup("host"))
	_ = viper.BindPFlag("port", pflag.Lookup("port"))
	_ = viper.BindPFlag("loglevel", pflag.Lookup("loglevel"))
	_ = viper.BindPFlag("maxfilesize", pflag.Lookup("maxfilesize"))
	_ = viper.BindPFlag("trainingmode", pflag.Lookup("trainingmode"))
	_ = viper.BindPFlag("trainingtimeoutms", pflag.Lookup("trainingtimeoutms"))
	_ = viper.BindPFlag("autotrain", pflag.Lookup("autotrain"))
	_ = viper.BindPFlag("ruleweight", pflag.Lookup("ruleweight"))
	_ = viper.BindPFlag("crfweight", pflag.Lookup("crfweight"))
}

// setupUsageMessage configures the custom usage message
func setupUsageMessage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFieldLens - An adaptive PDF field extraction engine over the Model Context Protocol\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s                                  # stdio mode (default)\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --trainingmode=full_retrain      # rebuild the training set every run\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --mode=server --port=8081        # HTTP server mode\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_MODE               Server mode\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_HOST               Server host\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_PORT               Server port\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_LOGLEVEL           Log level\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_MAXFILESIZE        Maximum file size\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_TRAININGMODE       Training mode\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_TRAININGTIMEOUTMS  Training timeout (ms)\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_AUTOTRAIN          Auto-train after feedback\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_RULEWEIGHT         Arbitration weight for rule-based confidences\n")
		fmt.Fprintf(os.Stderr, "  FIELDLENS_CRFWEIGHT          Arbitration weight for sequence-model confidences\n")
	}
}

// checkVersionFlag checks if version flag was requested
func checkVersionFlag() error {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			return fmt.Errorf("version requested")
		}
	}
	return nil
}

// populateConfigFromViper fills the config struct with values from viper
func populateConfigFromViper(cfg *Config) {
	cfg.Mode = viper.GetString("mode")
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.LogLevel = viper.GetString("loglevel")
	cfg.MaxFileSize = viper.GetInt64("maxfilesize")
	cfg.TrainingMode = viper.GetString("trainingmode")
	cfg.TrainingTimeoutMS = viper.GetInt("trainingtimeoutms")
	cfg.AutoTrain = viper.GetBool("autotrain")
	cfg.RuleWeight = viper.GetFloat64("ruleweight")
	cfg.CRFWeight = viper.GetFloat64("crfweight")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate mode
	if c.Mode != ModeStdio && c.Mode != ModeServer {
		return errors.New("mode must be either 'stdio' or 'server'")
	}

	// Validate port range (only for server mode)
	if c.Mode == ModeServer && (c.Port < 1 || c.Port > 65535) {
		return errors.New("port must be between 1 and 65535")
	}

	// Validate max file size
	if c.MaxFileSize <= 0 {
		return errors.New("maximum file size must be positive")
	}

	// Validate training mode
	if c.TrainingMode != TrainingIncremental && c.TrainingMode != TrainingFullRetrain {
		return errors.New("training mode must be either 'incremental' or 'full_retrain'")
	}
	if c.TrainingTimeoutMS <= 0 {
		return errors.New("training timeout must be positive")
	}

	// Validate arbitration weights
	if c.RuleWeight <= 0 || c.CRFWeight <= 0 {
		return errors.New("arbitration weights must be positive")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

// Address returns the server address as host:port
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDebug returns true if debug logging is enabled
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Mode: %s, Host: %s, Port: %d, LogLevel: %s, MaxFileSize: %d, TrainingMode: %s}",
		c.Mode, c.Host, c.Port, c.LogLevel, c.MaxFileSize, c.TrainingMode)
}

// IsServerMode returns true if the server is running in HTTP server mode
func (c *Config) IsServerMode() bool {
	return c.Mode == ModeServer
}

// IsStdioMode returns true if the server is running in stdio mode
func (c *Config) IsStdioMode() bool {
	return c.Mode == ModeStdio
}
