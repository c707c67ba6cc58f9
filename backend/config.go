package backend

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"euphoria.io/mpst/transport"
)

var Config = DefaultConfig()

func init() {
	flag.StringVar(&Config.HTTP.Listen, "http", Config.HTTP.Listen, "address to serve protocol endpoints on")
	flag.StringVar(&Config.HTTP.Metrics, "metrics", "", "separate address to serve /metrics on")
	flag.BoolVar(&Config.HTTP.AnyOrigin, "any-origin", false, "accept websocket upgrades from any origin")

	flag.StringVar(&Config.Session.IDScheme, "id-scheme", Config.Session.IDScheme, "session id scheme (snowflake or uuid)")
	flag.DurationVar(&Config.Session.KeepAlive, "keepalive", Config.Session.KeepAlive, "interval between websocket pings")
	flag.IntVar(&Config.Session.MaxPending, "max-pending", 0, "maximum pending contexts per protocol (0 for unlimited)")
}

type ServerConfig struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Session SessionConfig `yaml:"session"`
}

type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	Metrics   string `yaml:"metrics,omitempty"`
	AnyOrigin bool   `yaml:"any-origin,omitempty"`
}

type SessionConfig struct {
	IDScheme    string        `yaml:"id-scheme"`
	KeepAlive   time.Duration `yaml:"keepalive"`
	MaxPending  int           `yaml:"max-pending,omitempty"`
	EventBuffer int           `yaml:"event-buffer,omitempty"`
}

func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTP: HTTPConfig{Listen: ":8080"},
		Session: SessionConfig{
			IDScheme:    "snowflake",
			KeepAlive:   transport.KeepAlive,
			EventBuffer: DefaultEventBuffer,
		},
	}
}

// LoadFromFile overlays the yaml config at path onto c.
func (c *ServerConfig) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Load(data)
}

func (c *ServerConfig) Load(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: %s", err)
	}
	return c.Validate()
}

func (c *ServerConfig) Validate() error {
	if c.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen must be specified")
	}
	if _, err := IDScheme(c.Session.IDScheme); err != nil {
		return fmt.Errorf("config: %s", err)
	}
	if c.Session.KeepAlive < 0 {
		return fmt.Errorf("config: session.keepalive must not be negative")
	}
	if c.Session.MaxPending < 0 {
		return fmt.Errorf("config: session.max-pending must not be negative")
	}
	return nil
}
