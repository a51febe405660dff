// Package config loads settings for the bank, auction house and agent
// binaries. Values come from defaults, an optional config file, AUCTION_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. AUCTION_LISTEN.
const EnvPrefix = "AUCTION"

var ErrInvalid = errors.New("config: invalid configuration")

// Bank configures cmd/bank.
type Bank struct {
	Listen       string
	Admin        string
	AccountsFile string
	DatabaseURL  string
	RedisURL     string
	LogLevel     slog.Level
}

// House configures cmd/auctionhouse.
type House struct {
	Name         string
	Pin          int
	Returning    bool
	Bank         string
	Listen       string
	Admin        string
	ItemsFile    string
	Window       int
	MaxIdle      time.Duration
	Tick         time.Duration
	HoldTimeout  time.Duration
	LoginTimeout time.Duration
	LogLevel     slog.Level
}

// IdleTicks is MaxIdle expressed in engine ticks.
func (h House) IdleTicks() int {
	return int(h.MaxIdle / h.Tick)
}

// Agent configures cmd/agent.
type Agent struct {
	Name      string
	Pin       int
	Returning bool
	Bank      string
	Deposit   decimal.Decimal
	LogLevel  slog.Level
}

// New returns a viper instance reading AUCTION_* variables. If file is not
// empty it is read as well; its format follows the extension.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// BindFlags binds every flag to the key of the same name with dashes
// replaced by underscores, so --accounts-file sets accounts_file.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// SetBankDefaults registers the bank defaults on v.
func SetBankDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":9000")
	v.SetDefault("admin", ":9100")
	v.SetDefault("accounts_file", "accounts.txt")
	v.SetDefault("log_level", "info")
}

// SetHouseDefaults registers the auction house defaults on v.
func SetHouseDefaults(v *viper.Viper) {
	v.SetDefault("bank", "localhost:9000")
	v.SetDefault("listen", ":9001")
	v.SetDefault("admin", ":9101")
	v.SetDefault("window", 3)
	v.SetDefault("max_idle", "30s")
	v.SetDefault("tick", "1s")
	v.SetDefault("hold_timeout", "10s")
	v.SetDefault("login_timeout", "3s")
	v.SetDefault("log_level", "info")
}

// SetAgentDefaults registers the agent defaults on v.
func SetAgentDefaults(v *viper.Viper) {
	v.SetDefault("bank", "localhost:9000")
	v.SetDefault("deposit", "0")
	v.SetDefault("log_level", "warn")
}

// LoadBank reads and validates the bank settings.
func LoadBank(v *viper.Viper) (Bank, error) {
	cfg := Bank{
		Listen:       v.GetString("listen"),
		Admin:        v.GetString("admin"),
		AccountsFile: v.GetString("accounts_file"),
		DatabaseURL:  v.GetString("database_url"),
		RedisURL:     v.GetString("redis_url"),
	}
	var err error
	if cfg.LogLevel, err = parseLevel(v.GetString("log_level")); err != nil {
		return Bank{}, err
	}
	if err := checkAddr("listen", cfg.Listen); err != nil {
		return Bank{}, err
	}
	if cfg.Admin != "" {
		if err := checkAddr("admin", cfg.Admin); err != nil {
			return Bank{}, err
		}
	}
	if cfg.RedisURL != "" && cfg.DatabaseURL == "" {
		return Bank{}, fmt.Errorf("%w: redis_url needs database_url", ErrInvalid)
	}
	return cfg, nil
}

// LoadHouse reads and validates the auction house settings.
func LoadHouse(v *viper.Viper) (House, error) {
	cfg := House{
		Name:         v.GetString("name"),
		Returning:    v.GetBool("returning"),
		Bank:         v.GetString("bank"),
		Listen:       v.GetString("listen"),
		Admin:        v.GetString("admin"),
		ItemsFile:    v.GetString("items_file"),
		Window:       v.GetInt("window"),
		MaxIdle:      v.GetDuration("max_idle"),
		Tick:         v.GetDuration("tick"),
		HoldTimeout:  v.GetDuration("hold_timeout"),
		LoginTimeout: v.GetDuration("login_timeout"),
	}
	var err error
	if cfg.LogLevel, err = parseLevel(v.GetString("log_level")); err != nil {
		return House{}, err
	}
	if cfg.Pin, err = loadIdentity(v, cfg.Name); err != nil {
		return House{}, err
	}
	if err := checkAddr("listen", cfg.Listen); err != nil {
		return House{}, err
	}
	if cfg.Bank == "" {
		return House{}, fmt.Errorf("%w: bank address is required", ErrInvalid)
	}
	if cfg.Window < 1 {
		return House{}, fmt.Errorf("%w: window must be at least 1, got %d", ErrInvalid, cfg.Window)
	}
	if cfg.Tick <= 0 {
		return House{}, fmt.Errorf("%w: tick must be positive", ErrInvalid)
	}
	if cfg.MaxIdle < time.Second || cfg.MaxIdle < cfg.Tick {
		return House{}, fmt.Errorf("%w: max_idle must be at least 1s and one tick, got %s", ErrInvalid, cfg.MaxIdle)
	}
	if cfg.HoldTimeout < 0 || cfg.LoginTimeout <= 0 {
		return House{}, fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}
	return cfg, nil
}

// LoadAgent reads and validates the agent settings.
func LoadAgent(v *viper.Viper) (Agent, error) {
	cfg := Agent{
		Name:      v.GetString("name"),
		Returning: v.GetBool("returning"),
		Bank:      v.GetString("bank"),
	}
	var err error
	if cfg.LogLevel, err = parseLevel(v.GetString("log_level")); err != nil {
		return Agent{}, err
	}
	if cfg.Pin, err = loadIdentity(v, cfg.Name); err != nil {
		return Agent{}, err
	}
	if cfg.Deposit, err = decimal.NewFromString(v.GetString("deposit")); err != nil {
		return Agent{}, fmt.Errorf("%w: deposit: %v", ErrInvalid, err)
	}
	if cfg.Deposit.IsNegative() {
		return Agent{}, fmt.Errorf("%w: deposit must not be negative", ErrInvalid)
	}
	if cfg.Bank == "" {
		return Agent{}, fmt.Errorf("%w: bank address is required", ErrInvalid)
	}
	return cfg, nil
}

// NewLogger builds the JSON logger all binaries write to stdout.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// loadIdentity validates the account name and pin. Names travel as a
// single protocol token and the pin doubles as the account id.
func loadIdentity(v *viper.Viper, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return 0, fmt.Errorf("%w: name %q must not contain whitespace", ErrInvalid, name)
	}
	raw := v.GetString("pin")
	pin, err := strconv.Atoi(raw)
	if err != nil || pin <= 0 {
		return 0, fmt.Errorf("%w: pin must be a positive number, got %q", ErrInvalid, raw)
	}
	return pin, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalid, s)
	}
	return level, nil
}

func checkAddr(key, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalid, key, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: %s port %q", ErrInvalid, key, port)
	}
	return nil
}
