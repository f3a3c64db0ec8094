package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ponytojas/go-safecast-uploader/secrets"
)

// Config holds all configuration for the application
type Config struct {
	WiFi      WiFiConfig      `mapstructure:"wifi" yaml:"wifi"`
	Safecast  SafecastConfig  `mapstructure:"safecast" yaml:"safecast"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Timescale TimescaleConfig `mapstructure:"timescale" yaml:"timescale"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
}

// WiFiConfig holds the network the sensor joins
type WiFiConfig struct {
	SSID     string `mapstructure:"ssid" yaml:"ssid"`
	Password string `mapstructure:"password" yaml:"password"`
}

// SafecastConfig holds the Safecast API credentials and device tags
type SafecastConfig struct {
	APIURL    string `mapstructure:"api_url" yaml:"api_url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	DeviceID  string `mapstructure:"device_id" yaml:"device_id"`
	Latitude  string `mapstructure:"latitude" yaml:"latitude"`
	Longitude string `mapstructure:"longitude" yaml:"longitude"`
}

// MQTTConfig holds MQTT connection configuration
type MQTTConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Port     int    `mapstructure:"port" yaml:"port"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// TimescaleConfig holds Timescale specific configuration
type TimescaleConfig struct {
	TableName string `mapstructure:"table_name" yaml:"table_name"`
}

// UploadConfig controls the Safecast upload worker
type UploadConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// LoadConfig loads configuration from file, .env and environment variables.
// Precedence, lowest first: defaults, config.yaml, .env, environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values first (lowest precedence)
	for key, value := range defaultValues(GetDefaultConfig()) {
		v.SetDefault(key, value)
	}

	// Try to load from config file (medium precedence)
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// A .env file only fills variables that are not already set
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read .env file: %w", err)
		}
	}

	// Map all configuration keys to environment variables
	// Example: safecast.api_key -> SAFECAST_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key, envName(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	// Keep backward compatibility with MQTT_BROKER_URL
	if err := v.BindEnv("mqtt.broker", "MQTT_BROKER", "MQTT_BROKER_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind mqtt.broker: %w", err)
	}

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Println("No config file found, using environment variables and defaults")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// GetDefaultConfig returns default configuration
func GetDefaultConfig() *Config {
	tmpl := secrets.Template()
	return &Config{
		WiFi: WiFiConfig{
			SSID:     tmpl.SSID,
			Password: tmpl.Password,
		},
		Safecast: SafecastConfig{
			APIURL:    tmpl.APIURL,
			APIKey:    tmpl.APIKey,
			DeviceID:  tmpl.DeviceID,
			Latitude:  tmpl.DeviceLatitude,
			Longitude: tmpl.DeviceLongitude,
		},
		MQTT: MQTTConfig{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "safecast-uploader",
			Topic:    "sensor/geiger/#",
			Username: "",
			Password: "",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DBName:   "iot_data",
			SSLMode:  "disable",
		},
		Timescale: TimescaleConfig{
			TableName: "safecast_measurements",
		},
		Upload: UploadConfig{
			Interval:   time.Minute,
			BatchSize:  50,
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
	}
}

// defaultValues flattens cfg into dotted viper keys.
func defaultValues(cfg *Config) map[string]any {
	return map[string]any{
		"wifi.ssid":     cfg.WiFi.SSID,
		"wifi.password": cfg.WiFi.Password,

		"safecast.api_url":   cfg.Safecast.APIURL,
		"safecast.api_key":   cfg.Safecast.APIKey,
		"safecast.device_id": cfg.Safecast.DeviceID,
		"safecast.latitude":  cfg.Safecast.Latitude,
		"safecast.longitude": cfg.Safecast.Longitude,

		"mqtt.broker":    cfg.MQTT.Broker,
		"mqtt.port":      cfg.MQTT.Port,
		"mqtt.client_id": cfg.MQTT.ClientID,
		"mqtt.topic":     cfg.MQTT.Topic,
		"mqtt.username":  cfg.MQTT.Username,
		"mqtt.password":  cfg.MQTT.Password,

		"database.host":     cfg.Database.Host,
		"database.port":     cfg.Database.Port,
		"database.user":     cfg.Database.User,
		"database.password": cfg.Database.Password,
		"database.dbname":   cfg.Database.DBName,
		"database.sslmode":  cfg.Database.SSLMode,

		"timescale.table_name": cfg.Timescale.TableName,

		"upload.interval":    cfg.Upload.Interval,
		"upload.batch_size":  cfg.Upload.BatchSize,
		"upload.timeout":     cfg.Upload.Timeout,
		"upload.max_retries": cfg.Upload.MaxRetries,
	}
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Secrets returns the credential record described by the configuration
func (c *Config) Secrets() secrets.Record {
	return secrets.Record{
		SSID:            c.WiFi.SSID,
		Password:        c.WiFi.Password,
		APIURL:          c.Safecast.APIURL,
		APIKey:          c.Safecast.APIKey,
		DeviceID:        c.Safecast.DeviceID,
		DeviceLatitude:  c.Safecast.Latitude,
		DeviceLongitude: c.Safecast.Longitude,
	}
}

// WriteTemplate writes the default configuration as config.yaml to w.
func WriteTemplate(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(templateDocument(GetDefaultConfig())); err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}
	return enc.Close()
}

// templateDocument renders durations as strings so the output can be read
// back by LoadConfig.
func templateDocument(cfg *Config) map[string]any {
	return map[string]any{
		"wifi":      cfg.WiFi,
		"safecast":  cfg.Safecast,
		"mqtt":      cfg.MQTT,
		"database":  cfg.Database,
		"timescale": cfg.Timescale,
		"upload": map[string]any{
			"interval":    cfg.Upload.Interval.String(),
			"batch_size":  cfg.Upload.BatchSize,
			"timeout":     cfg.Upload.Timeout.String(),
			"max_retries": cfg.Upload.MaxRetries,
		},
	}
}

// GetDBConnString returns the database connection string
func (c *Config) GetDBConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	brokerURL := c.MQTT.Broker

	// If the URL already has an MQTT protocol, use it as is
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://"} {
		if host, ok := strings.CutPrefix(brokerURL, scheme); ok {
			if !strings.Contains(host, ":") {
				brokerURL = fmt.Sprintf("%s:%d", brokerURL, c.MQTT.Port)
			}
			return brokerURL
		}
	}

	// Handle http:// and https:// protocols by converting to mqtt protocols
	if host, ok := strings.CutPrefix(brokerURL, "http://"); ok {
		if !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
		return fmt.Sprintf("tcp://%s", host)
	}

	if host, ok := strings.CutPrefix(brokerURL, "https://"); ok {
		if !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
		return fmt.Sprintf("ssl://%s", host)
	}

	// If no protocol is specified, use tcp:// with the configured port
	log.Printf("No protocol specified in broker URL '%s', defaulting to tcp://", brokerURL)
	return fmt.Sprintf("tcp://%s:%d", brokerURL, c.MQTT.Port)
}
