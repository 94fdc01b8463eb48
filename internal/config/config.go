package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MESH"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type ICEConfig struct {
	Servers             []string      `mapstructure:"servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
	IncludeLoopback     bool          `mapstructure:"include_loopback"`
}

// ParticipantConfig configures cmd/participant.
type ParticipantConfig struct {
	Log LogConfig `mapstructure:"log"`

	RelayURL string `mapstructure:"relay_url"`
	Room     string `mapstructure:"room"`
	Name     string `mapstructure:"name"`

	ICE     ICEConfig     `mapstructure:"ice"`
	Backoff BackoffConfig `mapstructure:"backoff"`

	RenegotiateDebounce time.Duration `mapstructure:"renegotiate_debounce"`
	DeferredWindow      time.Duration `mapstructure:"deferred_window"`
	MaxICERestarts      int           `mapstructure:"max_ice_restarts"`
	RestartTimeout      time.Duration `mapstructure:"restart_timeout"`

	// Capture is "synthetic", "device" or "none".
	Capture        string        `mapstructure:"capture"`
	SyntheticFrame time.Duration `mapstructure:"synthetic_frame"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RelayConfig configures cmd/relay.
type RelayConfig struct {
	Log LogConfig `mapstructure:"log"`

	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`

	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

// Loaded is a parsed config plus the viper instance behind it.
type Loaded[T any] struct {
	Config T
	File   string
	v      *viper.Viper
}

// LoadParticipant reads config/participant.<CONFIG_ENV>.yaml, MESH_*
// variables and args, in increasing priority.
func LoadParticipant(args []string) (*Loaded[ParticipantConfig], error) {
	fs := pflag.NewFlagSet("participant", pflag.ContinueOnError)
	fs.String("relay_url", "ws://localhost:8080/api/ws/signal", "relay websocket URL")
	fs.String("room", "lobby", "room to join")
	fs.String("name", "", "display name")
	fs.String("capture", "synthetic", "capture backend: synthetic, device or none")
	fs.String("metrics_addr", ":9101", "metrics listen address, empty to disable")
	fs.String("log.level", "info", "log level")

	v := newViper()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "lobby")
	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.keepalive_interval", "2s")
	v.SetDefault("ice.include_loopback", false)
	v.SetDefault("backoff.initial", "500ms")
	v.SetDefault("backoff.max", "10s")
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("renegotiate_debounce", "150ms")
	v.SetDefault("deferred_window", "5s")
	v.SetDefault("max_ice_restarts", 1)
	v.SetDefault("restart_timeout", "10s")
	v.SetDefault("capture", "synthetic")
	v.SetDefault("synthetic_frame", "33ms")
	v.SetDefault("metrics_addr", ":9101")

	var cfg ParticipantConfig
	file, err := load(v, fs, "participant", args, &cfg)
	if err != nil {
		return nil, err
	}
	return &Loaded[ParticipantConfig]{Config: cfg, File: file, v: v}, nil
}

// LoadRelay reads config/relay.<CONFIG_ENV>.yaml, MESH_* variables and args.
func LoadRelay(args []string) (*Loaded[RelayConfig], error) {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.Int("port", 8080, "listen port")
	fs.String("mode", "release", "gin mode: debug or release")
	fs.String("log.level", "info", "log level")

	v := newViper()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("join_limit", 10)
	v.SetDefault("join_interval", "1m")

	var cfg RelayConfig
	file, err := load(v, fs, "relay", args, &cfg)
	if err != nil {
		return nil, err
	}
	return &Loaded[RelayConfig]{Config: cfg, File: file, v: v}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, fs *pflag.FlagSet, binary string, args []string, out any) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("parse flags: %w", err)
	}
	// Only flags given on the command line override file and env values.
	fs.Visit(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", binary, env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		fileName = ""
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	if err := v.Unmarshal(out); err != nil {
		return "", fmt.Errorf("failed to parse config: %w", err)
	}
	return fileName, nil
}

// WatchLogLevel re-applies log.level whenever the config file changes.
func (l *Loaded[T]) WatchLogLevel() {
	if l.File == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := l.v.GetString("log.level")
		if err := SetLevel(level); err != nil {
			log.Warn().Err(err).Str("module", "config").Msg("reload log level")
			return
		}
		log.Info().Str("module", "config").Str("level", level).Str("file", e.Name).Msg("log level reloaded")
	})
	l.v.WatchConfig()
}

// SetupLogger installs the global logger.
func SetupLogger(c LogConfig) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if c.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return SetLevel(c.Level)
}

func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
