package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/policy"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	ChannelDirect  = "direct"
	ChannelBundler = "bundler"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	LogLevel       string
	ChainID        int64
	RPCURL         string
	Channel        string
	BundlerURL     string
	KeySource      string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int
	LogLevel       string
	LogFormat      string

	ChainID           int64
	RPCURL            string
	Channel           string
	BundlerURL        string
	KeySource         string
	ContractOverrides map[string]string

	PollInterval      time.Duration
	SettlementTimeout time.Duration
	SubmitMode        string
	BatchLimit        int
	SwapFee           uint32
	DeadlineWindow    time.Duration

	Policy         policy.Policy
	SlippageBps    int64
	KeeperInterval time.Duration
	KeeperLockPath string

	StorePath     string
	StoreLockPath string
	ListenAddr    string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Chain struct {
		ID        int64             `yaml:"id"`
		RPCURL    string            `yaml:"rpc_url"`
		RPCURLEnv string            `yaml:"rpc_url_env"`
		Contracts map[string]string `yaml:"contracts"`
	} `yaml:"chain"`
	Submission struct {
		Channel      string `yaml:"channel"`
		BundlerURL   string `yaml:"bundler_url"`
		KeySource    string `yaml:"key_source"`
		PollInterval string `yaml:"poll_interval"`
		Timeout      string `yaml:"timeout"`
		Mode         string `yaml:"mode"`
		BatchLimit   *int   `yaml:"batch_limit"`
	} `yaml:"submission"`
	Swap struct {
		Fee      *uint32 `yaml:"fee"`
		Deadline string  `yaml:"deadline"`
	} `yaml:"swap"`
	Keeper struct {
		Interval    string `yaml:"interval"`
		LockPath    string `yaml:"lock_path"`
		SlippageBps *int64 `yaml:"slippage_bps"`
		Tolerance   string `yaml:"tolerance"`
		MinTotal    string `yaml:"min_total"`
		MinMove     string `yaml:"min_move"`
	} `yaml:"keeper"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

// Load resolves settings with precedence defaults < file < env < flags.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.BatchLimit <= 0 {
		settings.BatchLimit = 8
	}
	if err := settings.Policy.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		LogLevel:          "info",
		LogFormat:         "json",
		ChainID:           10143,
		Channel:           ChannelDirect,
		KeySource:         "auto",
		PollInterval:      2 * time.Second,
		SettlementTimeout: 2 * time.Minute,
		SubmitMode:        "sequential",
		BatchLimit:        8,
		SwapFee:           3000,
		DeadlineWindow:    20 * time.Minute,
		Policy:            policy.Default(),
		SlippageBps:       50,
		KeeperInterval:    5 * time.Minute,
		KeeperLockPath:    filepath.Join(dataDir, "keeper.lock"),
		StorePath:         filepath.Join(dataDir, "keeper.db"),
		StoreLockPath:     filepath.Join(dataDir, "keeper.db.lock"),
		ListenAddr:        ":8080",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("KEEPER_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "keeper", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "keeper"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "config timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}

	if cfg.Chain.ID != 0 {
		settings.ChainID = cfg.Chain.ID
	}
	if cfg.Chain.RPCURL != "" {
		settings.RPCURL = cfg.Chain.RPCURL
	}
	if cfg.Chain.RPCURLEnv != "" {
		settings.RPCURL = os.Getenv(cfg.Chain.RPCURLEnv)
	}
	if len(cfg.Chain.Contracts) > 0 {
		settings.ContractOverrides = cfg.Chain.Contracts
	}

	if cfg.Submission.Channel != "" {
		settings.Channel = strings.ToLower(cfg.Submission.Channel)
	}
	if cfg.Submission.BundlerURL != "" {
		settings.BundlerURL = cfg.Submission.BundlerURL
	}
	if cfg.Submission.KeySource != "" {
		settings.KeySource = cfg.Submission.KeySource
	}
	if err := setDuration(&settings.PollInterval, cfg.Submission.PollInterval, "config submission.poll_interval"); err != nil {
		return err
	}
	if err := setDuration(&settings.SettlementTimeout, cfg.Submission.Timeout, "config submission.timeout"); err != nil {
		return err
	}
	if cfg.Submission.Mode != "" {
		settings.SubmitMode = strings.ToLower(cfg.Submission.Mode)
	}
	if cfg.Submission.BatchLimit != nil {
		settings.BatchLimit = *cfg.Submission.BatchLimit
	}

	if cfg.Swap.Fee != nil {
		settings.SwapFee = *cfg.Swap.Fee
	}
	if err := setDuration(&settings.DeadlineWindow, cfg.Swap.Deadline, "config swap.deadline"); err != nil {
		return err
	}

	if err := setDuration(&settings.KeeperInterval, cfg.Keeper.Interval, "config keeper.interval"); err != nil {
		return err
	}
	if cfg.Keeper.LockPath != "" {
		settings.KeeperLockPath = cfg.Keeper.LockPath
	}
	if cfg.Keeper.SlippageBps != nil {
		settings.SlippageBps = *cfg.Keeper.SlippageBps
	}
	if err := setDecimal(&settings.Policy.Tolerance, cfg.Keeper.Tolerance, "config keeper.tolerance"); err != nil {
		return err
	}
	if err := setDecimal(&settings.Policy.MinTotal, cfg.Keeper.MinTotal, "config keeper.min_total"); err != nil {
		return err
	}
	if err := setDecimal(&settings.Policy.MinMove, cfg.Keeper.MinMove, "config keeper.min_move"); err != nil {
		return err
	}

	if cfg.Store.Path != "" {
		settings.StorePath = cfg.Store.Path
	}
	if cfg.Store.LockPath != "" {
		settings.StoreLockPath = cfg.Store.LockPath
	}
	if cfg.Server.Listen != "" {
		settings.ListenAddr = cfg.Server.Listen
	}
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("KEEPER_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("KEEPER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("KEEPER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("KEEPER_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("KEEPER_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("KEEPER_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.ChainID = n
		}
	}
	if v := os.Getenv("KEEPER_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("KEEPER_CHANNEL"); v != "" {
		settings.Channel = strings.ToLower(v)
	}
	if v := os.Getenv("KEEPER_BUNDLER_URL"); v != "" {
		settings.BundlerURL = v
	}
	if v := os.Getenv("KEEPER_KEY_SOURCE"); v != "" {
		settings.KeySource = v
	}
	if v := os.Getenv("KEEPER_SUBMIT_MODE"); v != "" {
		settings.SubmitMode = strings.ToLower(v)
	}
	if v := os.Getenv("KEEPER_SETTLEMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.SettlementTimeout = d
		}
	}
	if v := os.Getenv("KEEPER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("KEEPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.KeeperInterval = d
		}
	}
	if v := os.Getenv("KEEPER_SLIPPAGE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.SlippageBps = n
		}
	}
	if v := os.Getenv("KEEPER_TOLERANCE"); v != "" {
		if err := setDecimal(&settings.Policy.Tolerance, v, "KEEPER_TOLERANCE"); err != nil {
			return err
		}
	}
	if v := os.Getenv("KEEPER_STORE_PATH"); v != "" {
		settings.StorePath = v
	}
	if v := os.Getenv("KEEPER_STORE_LOCK_PATH"); v != "" {
		settings.StoreLockPath = v
	}
	if v := os.Getenv("KEEPER_LISTEN"); v != "" {
		settings.ListenAddr = v
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.ChainID > 0 {
		settings.ChainID = flags.ChainID
	}
	if flags.RPCURL != "" {
		settings.RPCURL = flags.RPCURL
	}
	if flags.Channel != "" {
		settings.Channel = strings.ToLower(flags.Channel)
	}
	if flags.BundlerURL != "" {
		settings.BundlerURL = flags.BundlerURL
	}
	if flags.KeySource != "" {
		settings.KeySource = flags.KeySource
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.Channel != ChannelDirect && settings.Channel != ChannelBundler {
		return fmt.Errorf("channel must be %s or %s", ChannelDirect, ChannelBundler)
	}
	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func setDecimal(dst *decimal.Decimal, raw, field string) error {
	if raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = v
	return nil
}
