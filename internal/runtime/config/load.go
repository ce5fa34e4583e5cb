package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
)

// fileConfig mirrors the on-disk layout. Delays are in milliseconds.
type fileConfig struct {
	Context     contextValue   `json:"context" yaml:"context"`
	Defaults    SocketDefaults `json:"defaults" yaml:"defaults"`
	Sockets     []SocketConfig `json:"sockets" yaml:"sockets"`
	Controllers string         `json:"controllers" yaml:"controllers"`
	JSON        bool           `json:"json" yaml:"json"`
	Broker      string         `json:"broker" yaml:"broker"`

	Reconnect struct {
		StartDelay int64   `json:"startDelay" yaml:"startDelay"`
		Multiplier float64 `json:"multiplier" yaml:"multiplier"`
		MaxDelay   int64   `json:"maxDelay" yaml:"maxDelay"`
		Disabled   bool    `json:"disabled" yaml:"disabled"`
	} `json:"reconnect" yaml:"reconnect"`

	Kafka struct {
		Brokers       []string `json:"brokers" yaml:"brokers"`
		ConsumerGroup string   `json:"consumerGroup" yaml:"consumerGroup"`
	} `json:"kafka" yaml:"kafka"`

	HTTP struct {
		ServerAddress string `json:"serverAddress" yaml:"serverAddress"`
		PublisherURL  string `json:"publisherURL" yaml:"publisherURL"`
	} `json:"http" yaml:"http"`

	AWS struct {
		Region          string `json:"region" yaml:"region"`
		AccountID       string `json:"accountID" yaml:"accountID"`
		AccessKeyID     string `json:"accessKeyID" yaml:"accessKeyID"`
		SecretAccessKey string `json:"secretAccessKey" yaml:"secretAccessKey"`
		Endpoint        string `json:"endpoint" yaml:"endpoint"`
	} `json:"aws" yaml:"aws"`

	Metrics struct {
		Enabled bool `json:"enabled" yaml:"enabled"`
		Port    int  `json:"port" yaml:"port"`
	} `json:"metrics" yaml:"metrics"`

	WebUI struct {
		Enabled            bool     `json:"enabled" yaml:"enabled"`
		Port               int      `json:"port" yaml:"port"`
		CORSAllowedOrigins []string `json:"corsAllowedOrigins" yaml:"corsAllowedOrigins"`
	} `json:"webui" yaml:"webui"`
}

// contextValue accepts either a URL string or an object of parts.
type contextValue struct {
	raw   string
	parts ConnectionContext
}

func (c *contextValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return jsoncodec.Unmarshal(data, &c.raw)
	}
	return jsoncodec.Unmarshal(data, &c.parts)
}

func (c *contextValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Tag == "!!null" {
			return nil
		}
		c.raw = node.Value
		return nil
	}
	return node.Decode(&c.parts)
}

func (c contextValue) resolve() (ConnectionContext, error) {
	if c.raw != "" {
		return ParseContext(c.raw)
	}
	if c.parts.URL != "" && c.parts.Hostname == "" {
		return ParseContext(c.parts.URL)
	}
	if c.parts.IsZero() {
		return ConnectionContext{}, nil
	}
	return c.parts.Merge(DefaultContext()), nil
}

// Load reads a JSON or YAML config file, picked by extension, and returns it
// with defaults applied and validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = jsoncodec.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (f *fileConfig) toConfig() (*Config, error) {
	if f.Reconnect.StartDelay < 0 || f.Reconnect.MaxDelay < 0 {
		return nil, errors.New("reconnect: delays cannot be negative")
	}
	ctx, err := f.Context.resolve()
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Context:     ctx,
		Defaults:    f.Defaults,
		Sockets:     f.Sockets,
		Controllers: f.Controllers,
		JSON:        f.JSON,
		Broker:      f.Broker,
		Reconnect: ReconnectConfig{
			StartDelay: time.Duration(f.Reconnect.StartDelay) * time.Millisecond,
			Multiplier: f.Reconnect.Multiplier,
			MaxDelay:   time.Duration(f.Reconnect.MaxDelay) * time.Millisecond,
			Disabled:   f.Reconnect.Disabled,
		},
		KafkaBrokers:            f.Kafka.Brokers,
		KafkaConsumerGroup:      f.Kafka.ConsumerGroup,
		HTTPServerAddress:       f.HTTP.ServerAddress,
		HTTPPublisherURL:        f.HTTP.PublisherURL,
		AWSRegion:               f.AWS.Region,
		AWSAccountID:            f.AWS.AccountID,
		AWSAccessKeyID:          f.AWS.AccessKeyID,
		AWSSecretAccessKey:      f.AWS.SecretAccessKey,
		AWSEndpoint:             f.AWS.Endpoint,
		MetricsEnabled:          f.Metrics.Enabled,
		MetricsPort:             f.Metrics.Port,
		WebUIEnabled:            f.WebUI.Enabled,
		WebUIPort:               f.WebUI.Port,
		WebUICORSAllowedOrigins: f.WebUI.CORSAllowedOrigins,
	}
	cfg = cfg.WithDefaults()
	return &cfg, nil
}
