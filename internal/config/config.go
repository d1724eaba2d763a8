package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "ubilocation.cfg.json"

// BusConfig holds message bus settings
type BusConfig struct {
	URL            string        `json:"url" mapstructure:"url"`
	BaseTopic      string        `json:"baseTopic" mapstructure:"baseTopic"`
	AnchorTopic    string        `json:"anchorTopic" mapstructure:"anchorTopic"`
	ClientID       string        `json:"clientId" mapstructure:"clientId"`
	QoS            byte          `json:"qos" mapstructure:"qos"`
	Encoding       string        `json:"encoding" mapstructure:"encoding"`
	ConnectTimeout time.Duration `json:"connectTimeout" mapstructure:"connectTimeout"`
	MaxReconnect   int           `json:"maxReconnect" mapstructure:"maxReconnect"`
	MaxBackoff     time.Duration `json:"maxBackoff" mapstructure:"maxBackoff"`
	MaxClockSkew   time.Duration `json:"maxClockSkew" mapstructure:"maxClockSkew"`
}

// RegistryConfig holds staleness and eviction settings
type RegistryConfig struct {
	StaleAfter    time.Duration `json:"staleAfter" mapstructure:"staleAfter"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	EvictInterval time.Duration `json:"evictInterval" mapstructure:"evictInterval"`
	Strict        bool          `json:"strict" mapstructure:"strict"`
}

// GeneratorConfig holds synthetic report settings
type GeneratorConfig struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	Beacons    int           `json:"beacons" mapstructure:"beacons"`
	Seed       int64         `json:"seed" mapstructure:"seed"`
	OriginLat  float64       `json:"-" mapstructure:"-"`
	OriginLon  float64       `json:"-" mapstructure:"-"`
	StepMeters float64       `json:"stepMeters" mapstructure:"stepMeters"`
}

// DBConfig holds postgres connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// StoreConfig holds anchor store settings
type StoreConfig struct {
	Type       string   `json:"type" mapstructure:"type"` // "sqlite", "postgres" or "none"
	SqlitePath string   `json:"-" mapstructure:"-"`
	DB         DBConfig `json:"-" mapstructure:"-"`
}

// SignerConfig holds signing service settings
type SignerConfig struct {
	URL     string        `json:"url" mapstructure:"url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// StreamConfig holds renderer stream settings
type StreamConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	Secret  string `json:"secret" mapstructure:"secret"`
}

// HTTPConfig holds HTTP surface settings
type HTTPConfig struct {
	Addr         string `json:"addr" mapstructure:"addr"`
	ShareBaseURL string `json:"-" mapstructure:"-"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("bus.url", "wss://ubimqtt.example.org:9001")
	viper.SetDefault("bus.baseTopic", "ubilocation/locations")
	viper.SetDefault("bus.anchorTopic", "ubilocation/anchors")
	viper.SetDefault("bus.clientId", "")
	viper.SetDefault("bus.qos", 1)
	viper.SetDefault("bus.encoding", "json")
	viper.SetDefault("bus.connectTimeout", "10s")
	viper.SetDefault("bus.maxReconnect", 10)
	viper.SetDefault("bus.maxBackoff", "30s")
	viper.SetDefault("bus.maxClockSkew", "5s")

	viper.SetDefault("registry.staleAfter", "30s")
	viper.SetDefault("registry.ttl", "10m")
	viper.SetDefault("registry.evictInterval", "1m")
	viper.SetDefault("registry.strict", false)

	viper.SetDefault("generator.enabled", false)
	viper.SetDefault("generator.interval", "1s")
	viper.SetDefault("generator.beacons", 3)
	viper.SetDefault("generator.seed", 1)
	viper.SetDefault("generator.origin.lat", 60.2046657)
	viper.SetDefault("generator.origin.lon", 24.9621132)
	viper.SetDefault("generator.stepMeters", 2.0)

	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.sqlite.path", "")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "ubilocation")

	viper.SetDefault("signer.url", "http://localhost:3001")
	viper.SetDefault("signer.timeout", "10s")

	viper.SetDefault("stream.enabled", false)
	viper.SetDefault("stream.url", "")
	viper.SetDefault("stream.secret", "")

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("share.baseUrl", "https://ubilocation.example.org/")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "ubilocation")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetBusConfig returns the message bus configuration.
func GetBusConfig() BusConfig {
	return BusConfig{
		URL:            viper.GetString("bus.url"),
		BaseTopic:      viper.GetString("bus.baseTopic"),
		AnchorTopic:    viper.GetString("bus.anchorTopic"),
		ClientID:       viper.GetString("bus.clientId"),
		QoS:            byte(viper.GetUint("bus.qos")),
		Encoding:       viper.GetString("bus.encoding"),
		ConnectTimeout: viper.GetDuration("bus.connectTimeout"),
		MaxReconnect:   viper.GetInt("bus.maxReconnect"),
		MaxBackoff:     viper.GetDuration("bus.maxBackoff"),
		MaxClockSkew:   viper.GetDuration("bus.maxClockSkew"),
	}
}

// GetRegistryConfig returns staleness and eviction configuration.
func GetRegistryConfig() RegistryConfig {
	return RegistryConfig{
		StaleAfter:    viper.GetDuration("registry.staleAfter"),
		TTL:           viper.GetDuration("registry.ttl"),
		EvictInterval: viper.GetDuration("registry.evictInterval"),
		Strict:        viper.GetBool("registry.strict"),
	}
}

// GetGeneratorConfig returns the synthetic report configuration.
func GetGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Enabled:    viper.GetBool("generator.enabled"),
		Interval:   viper.GetDuration("generator.interval"),
		Beacons:    viper.GetInt("generator.beacons"),
		Seed:       viper.GetInt64("generator.seed"),
		OriginLat:  viper.GetFloat64("generator.origin.lat"),
		OriginLon:  viper.GetFloat64("generator.origin.lon"),
		StepMeters: viper.GetFloat64("generator.stepMeters"),
	}
}

// GetStoreConfig returns the anchor store configuration.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       viper.GetString("store.type"),
		SqlitePath: viper.GetString("store.sqlite.path"),
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// GetSignerConfig returns the signing service configuration.
func GetSignerConfig() SignerConfig {
	return SignerConfig{
		URL:     viper.GetString("signer.url"),
		Timeout: viper.GetDuration("signer.timeout"),
	}
}

// GetStreamConfig returns the renderer stream configuration.
func GetStreamConfig() StreamConfig {
	return StreamConfig{
		Enabled: viper.GetBool("stream.enabled"),
		URL:     viper.GetString("stream.url"),
		Secret:  viper.GetString("stream.secret"),
	}
}

// GetHTTPConfig returns the HTTP surface configuration.
func GetHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:         viper.GetString("http.addr"),
		ShareBaseURL: viper.GetString("share.baseUrl"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
