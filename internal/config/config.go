// Package config loads the bridge configuration from a TOML file with
// environment-variable overrides for secrets. Precedence: env > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath              = "config.toml"
	DefaultHTTPAddr                = ":3000"
	DefaultCommandPrefix           = "/"
	DefaultSessionTimeoutMinutes   = 30
	DefaultSweepIntervalMinutes    = 5
	DefaultCallTimeoutSeconds      = 10
	DefaultReconnectIntervalSecs   = 5
	DefaultBackendTimeoutMinutes   = 5
	DefaultOpencodeCommand         = "opencode"
	DefaultOfficialAPIBaseURL      = "https://api.sgroup.qq.com"
	DefaultOfficialTokenURL        = "https://bots.qq.com/app/getAppAccessToken"
	DefaultOfficialPollIntervalSec = 5
)

// QQMode selects which QQ integration the bridge runs.
type QQMode string

const (
	// QQModeOneBot connects to a OneBot implementation over WebSocket.
	QQModeOneBot QQMode = "onebot"
	// QQModeOfficial uses the QQ open-platform REST API.
	QQModeOfficial QQMode = "official"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Opencode OpencodeConfig `toml:"opencode"`
	QQ       QQConfig       `toml:"qq"`
	Telegram TelegramConfig `toml:"telegram"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// BridgeConfig tunes the dispatch core.
type BridgeConfig struct {
	CommandPrefix         string `toml:"command_prefix" validate:"required,len=1"`
	SessionTimeoutMinutes int    `toml:"session_timeout_minutes" validate:"gt=0"`
	SweepIntervalMinutes  int    `toml:"sweep_interval_minutes" validate:"gt=0"`
}

// OpencodeConfig configures the backend processor invocation.
type OpencodeConfig struct {
	Command        string `toml:"command" validate:"required"`
	WorkDir        string `toml:"work_dir"`
	APIKey         string `toml:"api_key"`
	TimeoutMinutes int    `toml:"timeout_minutes" validate:"gt=0"`
}

// QQConfig configures the QQ adapter. Both OneBot and official-API settings
// live here; Mode resolution is explicit, see ResolveQQMode.
type QQConfig struct {
	Enabled     bool   `toml:"enabled"`
	Mode        QQMode `toml:"mode" validate:"omitempty,oneof=onebot official"`
	WSURL       string `toml:"ws_url"`
	AccessToken string `toml:"access_token"`
	AppID       string `toml:"app_id"`
	AppSecret   string `toml:"app_secret"`

	ReconnectIntervalSeconds int `toml:"reconnect_interval_seconds" validate:"gt=0"`
	CallTimeoutSeconds       int `toml:"call_timeout_seconds" validate:"gt=0"`

	AllowedUsers  []int64 `toml:"allowed_users"`
	AllowedGroups []int64 `toml:"allowed_groups"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
}

// ResolveQQMode returns the effective QQ integration mode. An explicit mode in
// the config wins only when its required credentials are present. Otherwise:
// app_id configured means official, even when ws_url is also set; ws_url alone
// means OneBot. This precedence is a contract, not an accident: official-API
// credentials always outrank a OneBot endpoint when both are configured.
func ResolveQQMode(cfg QQConfig) QQMode {
	appID := strings.TrimSpace(cfg.AppID)
	wsURL := strings.TrimSpace(cfg.WSURL)
	if appID != "" {
		return QQModeOfficial
	}
	if wsURL != "" {
		return QQModeOneBot
	}
	if cfg.Mode != "" {
		return cfg.Mode
	}
	return QQModeOneBot
}

// Load reads the configuration from path (DefaultConfigPath when empty),
// applies environment overrides, and validates the result. A missing file is
// not an error; defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Bridge: BridgeConfig{
			CommandPrefix:         DefaultCommandPrefix,
			SessionTimeoutMinutes: DefaultSessionTimeoutMinutes,
			SweepIntervalMinutes:  DefaultSweepIntervalMinutes,
		},
		Opencode: OpencodeConfig{
			Command:        DefaultOpencodeCommand,
			TimeoutMinutes: DefaultBackendTimeoutMinutes,
		},
		QQ: QQConfig{
			ReconnectIntervalSeconds: DefaultReconnectIntervalSecs,
			CallTimeoutSeconds:       DefaultCallTimeoutSeconds,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("OPENCODE_WORK_DIR"); v != "" {
		cfg.Opencode.WorkDir = v
	}
	if v := os.Getenv("OPENCODE_API_KEY"); v != "" {
		cfg.Opencode.APIKey = v
	}
	if v, ok := envBool("QQ_ENABLED"); ok {
		cfg.QQ.Enabled = v
	}
	if v := os.Getenv("QQ_WS_URL"); v != "" {
		cfg.QQ.WSURL = v
	}
	if v := os.Getenv("QQ_ACCESS_TOKEN"); v != "" {
		cfg.QQ.AccessToken = v
	}
	if v := os.Getenv("QQ_APP_ID"); v != "" {
		cfg.QQ.AppID = v
	}
	if v := os.Getenv("QQ_APP_SECRET"); v != "" {
		cfg.QQ.AppSecret = v
	}
	if v := os.Getenv("QQ_ALLOWED_USERS"); v != "" {
		cfg.QQ.AllowedUsers = parseInt64List(v)
	}
	if v := os.Getenv("QQ_ALLOWED_GROUPS"); v != "" {
		cfg.QQ.AllowedGroups = parseInt64List(v)
	}
	if v, ok := envBool("TELEGRAM_ENABLED"); ok {
		cfg.Telegram.Enabled = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true") || v == "1", true
}

func parseInt64List(raw string) []int64 {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Validate checks structural constraints and adapter requirements.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	if !cfg.QQ.Enabled && !cfg.Telegram.Enabled {
		errs = append(errs, errors.New("at least one adapter must be enabled (qq or telegram)"))
	}
	if cfg.QQ.Enabled {
		switch ResolveQQMode(cfg.QQ) {
		case QQModeOfficial:
			if strings.TrimSpace(cfg.QQ.AppSecret) == "" {
				errs = append(errs, errors.New("qq official mode requires app_secret"))
			}
		case QQModeOneBot:
			if strings.TrimSpace(cfg.QQ.WSURL) == "" {
				errs = append(errs, errors.New("qq onebot mode requires ws_url"))
			}
		}
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		errs = append(errs, errors.New("telegram adapter requires bot_token"))
	}
	return errors.Join(errs...)
}
