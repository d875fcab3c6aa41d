package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultInstanceID    = "default"
	DefaultControlPort   = 3001
	DefaultLogLevel      = "info"
	DefaultEnvPrefix     = "WABOT"
	DefaultConfigName    = "instance"
	DefaultConfigDir     = "/etc/wabot"
	DefaultBotName       = "TREKKER MAX WABOT"
	DefaultCommandPrefix = "."
	DefaultBackendURL    = "http://localhost:8001"
	DefaultProtocol      = "loopback"

	DefaultSettleDelay           = 3 * time.Second
	DefaultReconnectDelay        = 5 * time.Second
	DefaultRegenerateTimeout     = 10 * time.Second
	DefaultMaxReconnectAttempts  = 30
	DefaultMemoryCeilingMB       = 400
	DefaultMemoryCheckInterval   = 30 * time.Second
	DefaultMemoryReclaimInterval = 60 * time.Second

	minPhoneDigits = 7
	maxPhoneDigits = 15
	minPort        = 1
	maxPort        = 65535
)

var (
	instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	nonDigits         = regexp.MustCompile(`[^0-9]`)
)

// Identity is fixed for the lifetime of the process.
type Identity struct {
	InstanceID  string
	PhoneNumber string
	ControlPort int
}

type Config struct {
	Identity

	InstancesDir  string
	TemplateDir   string
	LogLevel      string
	Restricted    bool
	BotName       string
	CommandPrefix string
	BackendURL    string
	SudoNumber    string
	Protocol      string
	Journal       bool

	SettleDelay          time.Duration
	ReconnectDelay       time.Duration
	RegenerateTimeout    time.Duration
	MaxReconnectAttempts int

	MemoryCeilingMB       int
	MemoryCheckInterval   time.Duration
	MemoryReclaimInterval time.Duration
}

// Load reads flags and positional arguments from args (without the program
// name), then the config file and environment. Positional arguments are
// instance id, phone number and control port, in that order.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		configPath: os.Getenv(DefaultEnvPrefix + "_CONFIG"),
		envPrefix:  DefaultEnvPrefix,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("wabot-instance", pflag.ContinueOnError)
	fs.String("instances-dir", "./instances", "Directory holding one subdirectory per instance")
	fs.String("template-dir", "./data", "Template copied into a new instance's data directory")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("restricted", false, "Only serve group and self messages")
	fs.String("backend-url", DefaultBackendURL, "Fleet backend base URL")
	fs.String("sudo-number", "", "Operator phone number allowed to run fleet commands")
	fs.String("protocol", DefaultProtocol, "Messaging protocol driver")
	fs.Bool("journal", true, "Record lifecycle transitions to the instance journal")

	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for key, flag := range map[string]string{
		"instances_dir": "instances-dir",
		"template_dir":  "template-dir",
		"log_level":     "log-level",
		"restricted":    "restricted",
		"backend_url":   "backend-url",
		"sudo_number":   "sudo-number",
		"protocol":      "protocol",
		"journal":       "journal",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(DefaultConfigDir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Positional arguments win over every other source
	positional := fs.Args()
	if len(positional) > 0 && positional[0] != "" {
		v.Set("instance_id", positional[0])
	}
	if len(positional) > 1 {
		v.Set("phone_number", positional[1])
	}
	if len(positional) > 2 {
		port, err := strconv.Atoi(positional[2])
		if err != nil {
			return nil, errFactory.WithData(errors.ErrInvalidPort, positional[2])
		}
		v.Set("control_port", port)
	}

	cfg := &Config{
		Identity: Identity{
			InstanceID:  strings.TrimSpace(v.GetString("instance_id")),
			PhoneNumber: NormalizePhone(v.GetString("phone_number")),
			ControlPort: v.GetInt("control_port"),
		},
		InstancesDir:          v.GetString("instances_dir"),
		TemplateDir:           v.GetString("template_dir"),
		LogLevel:              strings.ToLower(v.GetString("log_level")),
		Restricted:            v.GetBool("restricted"),
		BotName:               v.GetString("bot_name"),
		CommandPrefix:         v.GetString("command_prefix"),
		BackendURL:            strings.TrimRight(v.GetString("backend_url"), "/"),
		SudoNumber:            NormalizePhone(v.GetString("sudo_number")),
		Protocol:              v.GetString("protocol"),
		Journal:               v.GetBool("journal"),
		SettleDelay:           v.GetDuration("settle_delay"),
		ReconnectDelay:        v.GetDuration("reconnect_delay"),
		RegenerateTimeout:     v.GetDuration("regenerate_timeout"),
		MaxReconnectAttempts:  v.GetInt("max_reconnect_attempts"),
		MemoryCeilingMB:       v.GetInt("memory_ceiling_mb"),
		MemoryCheckInterval:   v.GetDuration("memory_check_interval"),
		MemoryReclaimInterval: v.GetDuration("memory_reclaim_interval"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", DefaultInstanceID)
	v.SetDefault("phone_number", "")
	v.SetDefault("control_port", DefaultControlPort)
	v.SetDefault("bot_name", DefaultBotName)
	v.SetDefault("command_prefix", DefaultCommandPrefix)
	v.SetDefault("settle_delay", DefaultSettleDelay)
	v.SetDefault("reconnect_delay", DefaultReconnectDelay)
	v.SetDefault("regenerate_timeout", DefaultRegenerateTimeout)
	v.SetDefault("max_reconnect_attempts", DefaultMaxReconnectAttempts)
	v.SetDefault("memory_ceiling_mb", DefaultMemoryCeilingMB)
	v.SetDefault("memory_check_interval", DefaultMemoryCheckInterval)
	v.SetDefault("memory_reclaim_interval", DefaultMemoryReclaimInterval)
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !instanceIDPattern.MatchString(c.InstanceID) {
		return errFactory.WithData(errors.ErrInvalidInstanceID, c.InstanceID)
	}
	if c.PhoneNumber != "" && (len(c.PhoneNumber) < minPhoneDigits || len(c.PhoneNumber) > maxPhoneDigits) {
		return errFactory.WithData(errors.ErrInvalidPhoneNumber, c.PhoneNumber)
	}
	if c.ControlPort < minPort || c.ControlPort > maxPort {
		return errFactory.WithData(errors.ErrInvalidPort, c.ControlPort)
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.InstancesDir == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "instances_dir must not be empty")
	}
	if c.Protocol == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "protocol must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"settle_delay":            c.SettleDelay,
		"reconnect_delay":         c.ReconnectDelay,
		"regenerate_timeout":      c.RegenerateTimeout,
		"memory_check_interval":   c.MemoryCheckInterval,
		"memory_reclaim_interval": c.MemoryReclaimInterval,
	} {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidDuration, name)
		}
	}

	if c.MaxReconnectAttempts < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "max_reconnect_attempts must be >= 0")
	}
	if c.MemoryCeilingMB <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "memory_ceiling_mb must be > 0")
	}

	return nil
}

// NormalizePhone strips everything but digits, so "+254 704-897" and
// "254704897" are the same identity.
func NormalizePhone(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}
