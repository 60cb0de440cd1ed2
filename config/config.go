package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/personium/personium-core-sub028/action"
	"github.com/personium/personium-core-sub028/engine"
	"github.com/personium/personium-core-sub028/entitystore"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/pkg/retry"
	"github.com/personium/personium-core-sub028/pkg/tlsutil"
	"github.com/personium/personium-core-sub028/pkg/worker"
	"github.com/personium/personium-core-sub028/ruleindex"
	"github.com/personium/personium-core-sub028/timer"
	"github.com/personium/personium-core-sub028/token"
)

// Dispatch queue policies
const (
	PolicyBlock = "block"
	PolicyDrop  = "drop"
)

// Config represents the complete engine configuration
type Config struct {
	// UnitURL is the base URL of the unit, ending in "/"; cell URLs are UnitURL + name + "/"
	UnitURL    string                  `json:"unit_url" yaml:"unit_url"`
	NATS       NATSConfig              `json:"nats" yaml:"nats"`
	Topics     TopicsConfig            `json:"topics" yaml:"topics"`
	Engine     EngineConfig            `json:"engine" yaml:"engine"`
	Index      ruleindex.Config        `json:"index" yaml:"index"`
	Dispatch   DispatchConfig          `json:"dispatch" yaml:"dispatch"`
	Timer      timer.Config            `json:"timer" yaml:"timer"`
	ScriptHost action.ScriptHostConfig `json:"script_host" yaml:"script_host"`
	HTTP       HTTPConfig              `json:"http" yaml:"http"`
	Token      TokenConfig             `json:"token" yaml:"token"`
	LogSink    LogSinkConfig           `json:"log_sink" yaml:"log_sink"`
	Store      StoreConfig             `json:"store" yaml:"store"`
	Metrics    MetricsConfig           `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string             `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int                  `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration             `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	PingInterval  Duration             `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	Timeout       Duration             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DrainTimeout  Duration             `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
	Username      string               `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string               `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string               `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
	// QueueGroup load balances subscriptions across engine instances
	QueueGroup string `json:"queue_group,omitempty" yaml:"queue_group,omitempty"`
}

// TopicsConfig names the bus subjects
type TopicsConfig struct {
	// Inbound carries events to be judged; timers publish here too
	Inbound string `json:"inbound" yaml:"inbound"`
	// Events receives every judged event
	Events string `json:"events" yaml:"events"`
	// Rules receives administrative events for index maintenance
	Rules string `json:"rules" yaml:"rules"`
}

// EngineConfig sizes the consumers
type EngineConfig struct {
	GeneralConsumers    int      `json:"general_consumers" yaml:"general_consumers"`
	AdminConsumers      int      `json:"admin_consumers" yaml:"admin_consumers"`
	ResubscribeDelay    Duration `json:"resubscribe_delay" yaml:"resubscribe_delay"`
	ResubscribeMaxDelay Duration `json:"resubscribe_max_delay" yaml:"resubscribe_max_delay"`
	ResubscribeRate     float64  `json:"resubscribe_rate" yaml:"resubscribe_rate"`
	ResubscribeBurst    int      `json:"resubscribe_burst" yaml:"resubscribe_burst"`
	ShutdownTimeout     Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DispatchConfig sizes the action pool
type DispatchConfig struct {
	Workers   int    `json:"workers" yaml:"workers"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	Policy    string `json:"policy" yaml:"policy"`
}

// HTTPConfig configures outbound action calls
type HTTPConfig struct {
	Timeout   Duration             `json:"timeout" yaml:"timeout"`
	TLS       tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
	RateLimit float64              `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int                  `json:"rate_burst" yaml:"rate_burst"`
}

// TokenConfig configures token issuing. The secret comes from Secret or, when that is
// empty, from the file at SecretFile.
type TokenConfig struct {
	Secret     string   `json:"secret,omitempty" yaml:"secret,omitempty"`
	SecretFile string   `json:"secret_file,omitempty" yaml:"secret_file,omitempty"`
	TTL        Duration `json:"ttl" yaml:"ttl"`
}

// LogSinkConfig configures the per cell event log
type LogSinkConfig struct {
	Directory     string   `json:"directory" yaml:"directory"`
	FileName      string   `json:"file_name" yaml:"file_name"`
	BufferSize    int      `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
}

// StoreConfig names the JetStream KV buckets
type StoreConfig struct {
	Buckets entitystore.Buckets `json:"buckets" yaml:"buckets"`
	// StatusBucket holds cell lifecycle status written by the teardown process
	StatusBucket string `json:"status_bucket" yaml:"status_bucket"`
}

// MetricsConfig configures the /metrics and /health server
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the configuration every layer is merged over
func Default() *Config {
	ec := engine.DefaultConfig()
	dc := action.DefaultDispatcherConfig()
	hc := action.DefaultHTTPConfig()
	fc := logsink.DefaultFileConfig()
	rc := retry.Persistent()
	return &Config{
		UnitURL: "http://localhost:8080/",
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			PingInterval:  Duration(30 * time.Second),
			Timeout:       Duration(5 * time.Second),
			DrainTimeout:  Duration(30 * time.Second),
			QueueGroup:    "ruleengine",
		},
		Topics: TopicsConfig{
			Inbound: ec.InboundTopic,
			Events:  "personium.event.judged",
			Rules:   ec.RuleTopic,
		},
		Engine: EngineConfig{
			GeneralConsumers:    ec.GeneralConsumers,
			AdminConsumers:      ec.AdminConsumers,
			ResubscribeDelay:    Duration(rc.InitialDelay),
			ResubscribeMaxDelay: Duration(rc.MaxDelay),
			ResubscribeRate:     ec.ResubscribeRate,
			ResubscribeBurst:    ec.ResubscribeBurst,
			ShutdownTimeout:     Duration(30 * time.Second),
		},
		Index: ruleindex.Config{
			MaxHops:  ruleindex.DefaultMaxHops,
			PageSize: entitystore.DefaultPageSize,
		},
		Dispatch: DispatchConfig{
			Workers:   dc.Workers,
			QueueSize: dc.QueueSize,
			Policy:    PolicyBlock,
		},
		Timer:      timer.DefaultConfig(),
		ScriptHost: action.ScriptHostConfig{URL: "http://localhost:8080/personium-engine/"},
		HTTP: HTTPConfig{
			Timeout:   Duration(hc.Timeout),
			RateLimit: hc.RateLimit,
			RateBurst: hc.RateBurst,
		},
		Token: TokenConfig{TTL: Duration(token.DefaultTTL)},
		LogSink: LogSinkConfig{
			Directory:     fc.Directory,
			FileName:      fc.FileName,
			BufferSize:    fc.BufferSize,
			FlushInterval: Duration(fc.FlushInterval),
		},
		Store: StoreConfig{
			Buckets:      entitystore.DefaultBuckets(),
			StatusBucket: "personium_cell_status",
		},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090", Path: "/metrics"},
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", fmt.Sprintf(format, args...))
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := validateBaseURL("unit_url", c.UnitURL); err != nil {
		return err
	}
	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for _, u := range c.NATS.URLs {
		if strings.TrimSpace(u) == "" {
			return invalid("nats.urls contains an empty URL")
		}
	}
	if c.NATS.PingInterval < 0 || c.NATS.Timeout < 0 || c.NATS.DrainTimeout < 0 {
		return invalid("nats durations cannot be negative")
	}

	if c.Topics.Events == "" {
		return invalid("topics.events is required")
	}
	if c.Topics.Events == c.Topics.Inbound || c.Topics.Events == c.Topics.Rules {
		return invalid("topics.events must differ from the consumed topics")
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return err
	}
	if c.Index.MaxHops < 1 {
		return invalid("index.max_hops must be at least 1, got %d", c.Index.MaxHops)
	}

	if c.Dispatch.Workers < 1 || c.Dispatch.QueueSize < 1 {
		return invalid("dispatch.workers and dispatch.queue_size must be positive")
	}
	if c.Dispatch.Policy != PolicyBlock && c.Dispatch.Policy != PolicyDrop {
		return invalid("dispatch.policy must be %q or %q, got %q", PolicyBlock, PolicyDrop, c.Dispatch.Policy)
	}
	if c.Timer.Workers < 1 || c.Timer.QueueSize < 1 {
		return invalid("timer.workers and timer.queue_size must be positive")
	}

	if err := c.ScriptHost.Validate(); err != nil {
		return err
	}
	if err := c.HTTPConfig().Validate(); err != nil {
		return err
	}
	if c.Token.Secret == "" && c.Token.SecretFile == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "token.secret or token.secret_file is required")
	}
	if c.Token.Secret != "" && len(c.Token.Secret) < token.MinSecretSize {
		return invalid("token.secret must be at least %d bytes", token.MinSecretSize)
	}
	if c.Token.TTL < 0 {
		return invalid("token.ttl cannot be negative")
	}
	if err := c.LogSinkConfig().Validate(); err != nil {
		return err
	}

	b := c.Store.Buckets
	if b.Cells == "" || b.Boxes == "" || b.Rules == "" || c.Store.StatusBucket == "" {
		return invalid("store bucket names are required")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address is required when metrics are enabled")
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	if raw == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", field+" is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("%s must be an absolute http(s) URL, got %q", field, raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		return invalid("%s must end with '/', got %q", field, raw)
	}
	return nil
}

// EngineConfig returns the service configuration
func (c *Config) EngineConfig() engine.Config {
	rc := retry.Persistent()
	if c.Engine.ResubscribeDelay > 0 {
		rc.InitialDelay = c.Engine.ResubscribeDelay.D()
	}
	if c.Engine.ResubscribeMaxDelay > 0 {
		rc.MaxDelay = c.Engine.ResubscribeMaxDelay.D()
	}
	return engine.Config{
		InboundTopic:     c.Topics.Inbound,
		RuleTopic:        c.Topics.Rules,
		GeneralConsumers: c.Engine.GeneralConsumers,
		AdminConsumers:   c.Engine.AdminConsumers,
		Resubscribe:      rc,
		ResubscribeRate:  c.Engine.ResubscribeRate,
		ResubscribeBurst: c.Engine.ResubscribeBurst,
	}
}

// IndexConfig returns the rule index configuration with URLs and topics filled in
func (c *Config) IndexConfig() ruleindex.Config {
	ic := c.Index
	ic.UnitURL = c.UnitURL
	ic.Topics = ruleindex.Topics{Events: c.Topics.Events, Rules: c.Topics.Rules}
	return ic
}

// DispatcherConfig returns the dispatch pool configuration
func (c *Config) DispatcherConfig() action.DispatcherConfig {
	policy := worker.PolicyBlock
	if c.Dispatch.Policy == PolicyDrop {
		policy = worker.PolicyDrop
	}
	return action.DispatcherConfig{Workers: c.Dispatch.Workers, QueueSize: c.Dispatch.QueueSize, Policy: policy}
}

// HTTPConfig returns the outbound client configuration
func (c *Config) HTTPConfig() action.HTTPConfig {
	return action.HTTPConfig{
		Timeout:   c.HTTP.Timeout.D(),
		TLS:       c.HTTP.TLS,
		RateLimit: c.HTTP.RateLimit,
		RateBurst: c.HTTP.RateBurst,
	}
}

// LogSinkConfig returns the file sink configuration
func (c *Config) LogSinkConfig() logsink.FileConfig {
	return logsink.FileConfig{
		Directory:     c.LogSink.Directory,
		FileName:      c.LogSink.FileName,
		BufferSize:    c.LogSink.BufferSize,
		FlushInterval: c.LogSink.FlushInterval.D(),
	}
}

// TokenSecret returns the token secret, reading SecretFile when Secret is empty
func (c *Config) TokenSecret() ([]byte, error) {
	if c.Token.Secret != "" {
		return []byte(c.Token.Secret), nil
	}
	data, err := os.ReadFile(c.Token.SecretFile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "TokenSecret", "read token.secret_file")
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) < token.MinSecretSize {
		return nil, invalid("token secret file must hold at least %d bytes", token.MinSecretSize)
	}
	return secret, nil
}

// String returns a JSON representation of the config with credentials masked
func (c *Config) String() string {
	masked := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	masked.NATS.Password = mask(c.NATS.Password)
	masked.NATS.Token = mask(c.NATS.Token)
	masked.Token.Secret = mask(c.Token.Secret)
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}
