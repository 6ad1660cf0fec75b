// config.go - Configuration management for the score ledger daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"confidentialscore/internal/ledger"
)

// Config represents the daemon configuration
type Config struct {
	// Network
	ChainID    uint64 `json:"chain_id" yaml:"chain_id"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	LedgerName string `json:"ledger_name" yaml:"ledger_name"`

	// Ledger behaviour
	DuplicatePolicy    string `json:"duplicate_policy" yaml:"duplicate_policy"`
	MaxDurationDays    uint32 `json:"max_duration_days" yaml:"max_duration_days"`
	NonceTTLSeconds    int    `json:"nonce_ttl_seconds" yaml:"nonce_ttl_seconds"`
	SubmitBurst        int    `json:"submit_burst" yaml:"submit_burst"`
	SubmitRefillPerMin int    `json:"submit_refill_per_min" yaml:"submit_refill_per_min"`

	// File paths
	KeyDir      string `json:"key_dir" yaml:"key_dir"`
	DataDir     string `json:"data_dir" yaml:"data_dir"`
	JournalPath string `json:"journal_path" yaml:"journal_path"`

	// DatabaseURL selects the postgres journal instead of JournalPath.
	DatabaseURL string `json:"database_url" yaml:"database_url"`

	// Notifications
	Peers          map[string]string `json:"peers,omitempty" yaml:"peers,omitempty"`
	EventCapacity  int               `json:"event_capacity" yaml:"event_capacity"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file"`

	// Security
	EnableAudit  bool   `json:"enable_audit" yaml:"enable_audit"`
	AuditLogPath string `json:"audit_log_path" yaml:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:            31337,
		ListenAddr:         ":8080",
		LedgerName:         "ScoreLedger",
		DuplicatePolicy:    ledger.AcceptAndCombine.String(),
		MaxDurationDays:    365,
		NonceTTLSeconds:    600,
		SubmitBurst:        5,
		SubmitRefillPerMin: 10,
		KeyDir:             "keys",
		DataDir:            "data",
		JournalPath:        "data/ledger.json",
		EventCapacity:      1024,
		TimeoutSeconds:     30,
		LogLevel:           "info",
		LogFile:            "scoreledgerd.log",
		EnableAudit:        true,
		AuditLogPath:       "audit.log",
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from file or creates default.
// Environment overrides are applied in both cases.
func LoadConfig(configPath string) (*Config, error) {
	config, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}
	config.applyEnv()
	return config, nil
}

func readConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		config := DefaultConfig()
		if err := SaveConfig(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return config, nil
}

// applyEnv lets DATABASE_URL and PORT override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			c.ListenAddr = ":" + v
		}
	}
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id must be set")
	}
	if c.LedgerName == "" {
		return fmt.Errorf("ledger_name must be set")
	}
	if _, ok := ledger.ParseDuplicatePolicy(c.DuplicatePolicy); !ok {
		return fmt.Errorf("unknown duplicate_policy %q", c.DuplicatePolicy)
	}
	if c.MaxDurationDays == 0 {
		return fmt.Errorf("max_duration_days must be positive")
	}
	if c.NonceTTLSeconds <= 0 {
		return fmt.Errorf("nonce_ttl_seconds must be positive")
	}
	if c.SubmitBurst <= 0 || c.SubmitRefillPerMin <= 0 {
		return fmt.Errorf("submit_burst and submit_refill_per_min must be positive")
	}
	if c.EventCapacity <= 0 {
		return fmt.Errorf("event_capacity must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.DatabaseURL == "" && c.JournalPath == "" {
		return fmt.Errorf("one of journal_path or database_url must be set")
	}
	return nil
}
