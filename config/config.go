package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// EnvAccountsDSN is consulted when --accounts-dsn is not set.
const EnvAccountsDSN = "EMN_ACCOUNTS_DSN"

// Config captures all command-line options required to run the dispatcher.
type Config struct {
	PushSource     string
	PushFormat     string
	AccountsFile   string
	AccountsDSN    string
	AccountsTable  string
	StateDir       string
	StateRetention time.Duration
	DryRun         bool
	LogLevel       string
	LogDir         string
	IncludeAddress []string
	ExcludeAddress []string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("push-source", "", "Path to captured WAP pushes (.jsonl or .mbox), - for stdin")
	flags.String("push-format", "auto", "Push source format: auto, jsonl, mbox")
	flags.String("accounts", "", "Path to the accounts YAML file")
	flags.String("accounts-dsn", "", "MySQL DSN of the account store (falls back to "+EnvAccountsDSN+" env var)")
	flags.String("accounts-table", "accounts", "Table holding accounts when --accounts-dsn is used")
	flags.String("state-dir", defaultStateDir, "Directory for the checked-push state file")
	flags.Duration("state-retention", 30*24*time.Hour, "Forget checked pushes older than this (0 keeps them forever)")
	flags.Bool("dry-run", false, "Decode and match pushes without contacting IMAP servers")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include-address", nil, "Regex allow-list applied to notified addresses (mutually exclusive with --exclude-address)")
	flags.StringArray("exclude-address", nil, "Regex block-list applied to notified addresses (mutually exclusive with --include-address)")

	if err := cmd.MarkFlagRequired("push-source"); err != nil {
		return err
	}

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	pushSource, err := flags.GetString("push-source")
	if err != nil {
		return Config{}, err
	}
	pushFormat, err := flags.GetString("push-format")
	if err != nil {
		return Config{}, err
	}
	accountsFile, err := flags.GetString("accounts")
	if err != nil {
		return Config{}, err
	}
	accountsDSN, err := flags.GetString("accounts-dsn")
	if err != nil {
		return Config{}, err
	}
	accountsTable, err := flags.GetString("accounts-table")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	stateRetention, err := flags.GetDuration("state-retention")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeAddress, err := flags.GetStringArray("include-address")
	if err != nil {
		return Config{}, err
	}
	excludeAddress, err := flags.GetStringArray("exclude-address")
	if err != nil {
		return Config{}, err
	}

	if accountsDSN == "" && accountsFile == "" {
		accountsDSN = os.Getenv(EnvAccountsDSN)
	}

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		PushSource:     strings.TrimSpace(pushSource),
		PushFormat:     strings.ToLower(strings.TrimSpace(pushFormat)),
		AccountsFile:   accountsFile,
		AccountsDSN:    accountsDSN,
		AccountsTable:  accountsTable,
		StateDir:       filepath.Clean(stateDir),
		StateRetention: stateRetention,
		DryRun:         dryRun,
		LogLevel:       logLevel,
		LogDir:         logDir,
		IncludeAddress: includeAddress,
		ExcludeAddress: excludeAddress,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.PushSource == "" {
		return fmt.Errorf("--push-source is required")
	}
	switch cfg.PushFormat {
	case "", "auto", "jsonl", "mbox":
	default:
		return fmt.Errorf("invalid --push-format: %s", cfg.PushFormat)
	}
	if cfg.AccountsFile == "" && cfg.AccountsDSN == "" {
		return fmt.Errorf("accounts must be provided via --accounts, --accounts-dsn or %s env var", EnvAccountsDSN)
	}
	if cfg.AccountsFile != "" && cfg.AccountsDSN != "" {
		return fmt.Errorf("--accounts and --accounts-dsn are mutually exclusive")
	}
	if cfg.StateRetention < 0 {
		return fmt.Errorf("--state-retention must not be negative")
	}
	if len(cfg.IncludeAddress) > 0 && len(cfg.ExcludeAddress) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".emn-to-imap", "state"), nil
}
