package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/twilio-ivr-mqtt/internal/controller"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
)

// Role selects which settings are required.
type Role int

const (
	// RoleCaller places calls and drives conversations.
	RoleCaller Role = iota
	// RoleProxy only answers webhooks and relays events.
	RoleProxy
)

// Environment variables consulted when the file leaves credentials empty.
const (
	EnvAccountSID = "TWILIO_ACCOUNT_SID"
	EnvAuthToken  = "TWILIO_AUTH_TOKEN"
)

type Config struct {
	Twilio  TwilioConfig  `yaml:"twilio"`
	Call    CallConfig    `yaml:"call"`
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	To         string `yaml:"to"`
}

type CallConfig struct {
	PublicURL           string                `yaml:"public_url"`
	PublicURLParams     *protocol.QueryParams `yaml:"public_url_params"`
	LanguageCode        string                `yaml:"language_code"`
	Voice               string                `yaml:"voice"`
	SpeechModel         string                `yaml:"speech_model"`
	SpeechModelEnhanced bool                  `yaml:"speech_model_enhanced"`
	SpeechTimeout       string                `yaml:"speech_timeout"`
	ResponseTime        time.Duration         `yaml:"response_time"`
	Redial              int                   `yaml:"redial"`
	StartTimeout        time.Duration         `yaml:"start_timeout"`
	CompleteTimeout     time.Duration         `yaml:"complete_timeout"`
	Record              bool                  `yaml:"record"`
	BotTimeout          time.Duration         `yaml:"bot_timeout"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	EndpointBase string `yaml:"endpoint_base"`
}

// RelayConfig configures the MQTT relay. An empty broker means the webhook
// receiver runs inside the calling process.
type RelayConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicBase       string `yaml:"topic_base"`
	QoS             int    `yaml:"qos"`
	PersistSessions bool   `yaml:"persist_sessions"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Call: CallConfig{
			LanguageCode:    "en-US",
			SpeechTimeout:   "auto",
			ResponseTime:    5 * time.Second,
			Redial:          controller.DefaultRedial,
			StartTimeout:    controller.DefaultStartTimeout,
			CompleteTimeout: controller.DefaultCompleteTimeout,
			BotTimeout:      30 * time.Second,
		},
		Server: ServerConfig{
			Listen:       ":5001",
			EndpointBase: "/",
		},
		Relay: RelayConfig{
			ClientID:  "twilio-ivr",
			TopicBase: protocol.DefaultTopicBase,
			QoS:       1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result for role. An empty path loads defaults and environment only.
func Load(path string, role Role) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if cfg.Twilio.AccountSID == "" {
		cfg.Twilio.AccountSID = os.Getenv(EnvAccountSID)
	}
	if cfg.Twilio.AuthToken == "" {
		cfg.Twilio.AuthToken = os.Getenv(EnvAuthToken)
	}

	if err := cfg.validate(role); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DirectMode reports whether no relay broker is configured.
func (c *Config) DirectMode() bool {
	return c.Relay.Broker == ""
}

// ControllerConfig returns the call parameters for the call controller.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		From:                c.Twilio.From,
		To:                  c.Twilio.To,
		PublicURL:           c.Call.PublicURL,
		PublicURLParams:     c.Call.PublicURLParams,
		LanguageCode:        c.Call.LanguageCode,
		Voice:               c.Call.Voice,
		SpeechModel:         c.Call.SpeechModel,
		SpeechModelEnhanced: c.Call.SpeechModelEnhanced,
		SpeechTimeout:       c.Call.SpeechTimeout,
		ResponseTime:        c.Call.ResponseTime,
		Redial:              c.Call.Redial,
		StartTimeout:        c.Call.StartTimeout,
		CompleteTimeout:     c.Call.CompleteTimeout,
		Record:              c.Call.Record,
	}
}

func (c *Config) validate(role Role) error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level %q is not a log level", c.Logging.Level)
	}
	if c.Relay.QoS < 0 || c.Relay.QoS > 2 {
		return fmt.Errorf("relay.qos must be between 0 and 2, got %d", c.Relay.QoS)
	}
	if c.Relay.TopicBase == "" {
		return fmt.Errorf("relay.topic_base is required")
	}
	if c.Relay.Broker != "" && c.Relay.ClientID == "" {
		return fmt.Errorf("relay.client_id is required")
	}

	switch role {
	case RoleProxy:
		if c.Relay.Broker == "" {
			return fmt.Errorf("relay.broker is required")
		}
		if c.Server.Listen == "" {
			return fmt.Errorf("server.listen is required")
		}
	case RoleCaller:
		if c.Twilio.AccountSID == "" {
			return fmt.Errorf("twilio.account_sid is required")
		}
		if c.Twilio.AuthToken == "" {
			return fmt.Errorf("twilio.auth_token is required")
		}
		if c.Twilio.From == "" {
			return fmt.Errorf("twilio.from is required")
		}
		if c.Twilio.To == "" {
			return fmt.Errorf("twilio.to is required")
		}
		if c.Call.PublicURL == "" {
			return fmt.Errorf("call.public_url is required")
		}
		if c.Call.LanguageCode == "" {
			return fmt.Errorf("call.language_code is required")
		}
		if c.Call.Redial < 1 {
			return fmt.Errorf("call.redial must be at least 1, got %d", c.Call.Redial)
		}
		if c.DirectMode() && c.Server.Listen == "" {
			return fmt.Errorf("server.listen is required without a relay broker")
		}
	default:
		return fmt.Errorf("unknown role %d", role)
	}
	return nil
}
