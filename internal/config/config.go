package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Fees      FeesConfig
	Chain     ChainConfig
	Quota     QuotaConfig
	Scheduler SchedulerConfig
	Recorder  RecorderConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	EscrowTTL             time.Duration `mapstructure:"escrow_ttl"`
	Treasury              string        `mapstructure:"treasury"`
	Admins                []string      `mapstructure:"admins"`
	RequireSignedReceipts bool          `mapstructure:"require_signed_receipts"`
	ReceiptVerifier       string        `mapstructure:"receipt_verifier"`
}

type FeesConfig struct {
	ProtocolFeePct string `mapstructure:"protocol_fee_pct"`
	WorkerFeePct   string `mapstructure:"worker_fee_pct"`
	MinimumFee     uint64 `mapstructure:"minimum_fee"`
	TokenRate      uint64 `mapstructure:"token_rate"`
	CycleRate      uint64 `mapstructure:"cycle_rate"`
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	PayerPrivateKey string `mapstructure:"payer_private_key"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type QuotaConfig struct {
	APIURL   string `mapstructure:"api_url"`
	AdminKey string `mapstructure:"admin_key"`
}

type SchedulerConfig struct {
	SweepCron    string `mapstructure:"sweep_cron"`
	SnapshotCron string `mapstructure:"snapshot_cron"`
	AuditCron    string `mapstructure:"audit_cron"`
}

type RecorderConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Flags returns the command-line flags Load understands.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.Int("port", 0, "HTTP listen port")
	fs.Int("grpc-port", 0, "gRPC health listen port")
	fs.String("redis", "", "Redis address")
	fs.String("audit-db", "", "SQLite audit database path (empty disables)")
	return fs
}

// Load reads defaults, an optional config file, the environment and the
// flags in fs (may be nil), in increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.escrow_ttl", 24*time.Hour)
	v.SetDefault("ledger.treasury", "treasury")
	v.SetDefault("fees.protocol_fee_pct", "3")
	v.SetDefault("fees.worker_fee_pct", "7")
	v.SetDefault("fees.minimum_fee", fees.DefaultMinimumFee)
	v.SetDefault("fees.token_rate", fees.DefaultTokenRate)
	v.SetDefault("fees.cycle_rate", fees.DefaultCycleRate)
	v.SetDefault("scheduler.sweep_cron", "0 * * * * *")
	v.SetDefault("scheduler.snapshot_cron", "*/15 * * * * *")
	v.SetDefault("scheduler.audit_cron", "0 0 * * * *")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			_ = v.ReadInConfig()
		}
	} else {
		_ = v.ReadInConfig()
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                    "PORT",
		"grpc.port":                      "GRPC_PORT",
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"ledger.escrow_ttl":              "ESCROW_TTL",
		"ledger.treasury":                "TREASURY_IDENTITY",
		"ledger.admins":                  "LEDGER_ADMINS",
		"ledger.require_signed_receipts": "REQUIRE_SIGNED_RECEIPTS",
		"ledger.receipt_verifier":        "RECEIPT_VERIFIER",
		"fees.protocol_fee_pct":          "PROTOCOL_FEE_PCT",
		"fees.worker_fee_pct":            "WORKER_FEE_PCT",
		"fees.minimum_fee":               "MINIMUM_FEE",
		"fees.token_rate":                "TOKEN_RATE",
		"fees.cycle_rate":                "CYCLE_RATE",
		"chain.rpc_url":                  "RPC_URL",
		"chain.payer_private_key":        "PAYER_PRIVATE_KEY",
		"chain.chain_id":                 "CHAIN_ID",
		"quota.api_url":                  "QUOTA_API_URL",
		"quota.admin_key":                "QUOTA_ADMIN_KEY",
		"scheduler.sweep_cron":           "SWEEP_CRON",
		"scheduler.snapshot_cron":        "SNAPSHOT_CRON",
		"scheduler.audit_cron":           "AUDIT_CRON",
		"recorder.db_path":               "AUDIT_DB_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if fs != nil {
		flags := map[string]string{
			"server.port":      "port",
			"grpc.port":        "grpc-port",
			"redis.addr":       "redis",
			"recorder.db_path": "audit-db",
		}
		for key, name := range flags {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Ledger.Admins = splitList(cfg.Ledger.Admins)

	return cfg, cfg.validate()
}

// splitList accepts both YAML lists and a comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if len(c.Ledger.Admins) == 0 {
		return fmt.Errorf("required config missing: LEDGER_ADMINS")
	}
	if c.Ledger.EscrowTTL <= 0 {
		return fmt.Errorf("ESCROW_TTL must be positive")
	}
	if c.Ledger.RequireSignedReceipts && c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID (signed receipts need a domain)")
	}
	// The payout rail is optional, but all-or-nothing.
	if c.PayoutsEnabled() {
		type req struct {
			val  string
			name string
		}
		for _, r := range []req{
			{c.Chain.RPCURL, "RPC_URL"},
			{c.Chain.PayerPrivateKey, "PAYER_PRIVATE_KEY"},
		} {
			if r.val == "" {
				return fmt.Errorf("required config missing: %s", r.name)
			}
		}
		if c.Chain.ChainID == 0 {
			return fmt.Errorf("required config missing: CHAIN_ID")
		}
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// PayoutsEnabled reports whether an on-chain payout rail is configured.
func (c *Config) PayoutsEnabled() bool {
	return c.Chain.RPCURL != "" || c.Chain.PayerPrivateKey != ""
}

// Policy builds the initial fee policy from the fees section on top of the
// default multipliers.
func (c *Config) Policy() (fees.Policy, error) {
	p := fees.DefaultPolicy()
	protocol, err := decimal.NewFromString(c.Fees.ProtocolFeePct)
	if err != nil {
		return p, fmt.Errorf("invalid PROTOCOL_FEE_PCT %q: %w", c.Fees.ProtocolFeePct, err)
	}
	worker, err := decimal.NewFromString(c.Fees.WorkerFeePct)
	if err != nil {
		return p, fmt.Errorf("invalid WORKER_FEE_PCT %q: %w", c.Fees.WorkerFeePct, err)
	}
	p.ProtocolFeePct = protocol
	p.WorkerFeePct = worker
	p.MinimumFee = c.Fees.MinimumFee
	p.TokenRate = c.Fees.TokenRate
	p.CycleRate = c.Fees.CycleRate
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
