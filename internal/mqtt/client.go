package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ponytojas/go-safecast-uploader/config"
	"github.com/ponytojas/go-safecast-uploader/internal/models"
	"github.com/ponytojas/go-safecast-uploader/secrets"
)

// ErrNoValues is returned for payloads carrying neither cpm nor usv.
var ErrNoValues = errors.New("payload has no cpm or usv value")

// MeasurementStore persists the measurements of one reading atomically
type MeasurementStore interface {
	InsertMeasurements(ctx context.Context, ms []models.Measurement) error
}

// Notifier is told when new measurements are waiting for upload
type Notifier interface {
	Notify()
}

// Client handles MQTT connection and message processing
type Client struct {
	client   mqtt.Client
	store    MeasurementStore
	notifier Notifier
	config   *config.Config
	creds    secrets.Record
}

// NewClient creates a new MQTT client
func NewClient(cfg *config.Config, store MeasurementStore, notifier Notifier) *Client {
	opts := mqtt.NewClientOptions()
	brokerURL := cfg.GetMQTTBrokerURL()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.MQTT.ClientID)

	// Configure TLS if using SSL or WSS
	if strings.HasPrefix(brokerURL, "ssl://") || strings.HasPrefix(brokerURL, "wss://") {
		log.Printf("Configuring TLS for secure connection to %s", brokerURL)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("Attempting to reconnect to MQTT broker...")
	})

	c := &Client{
		store:    store,
		notifier: notifier,
		config:   cfg,
		creds:    cfg.Secrets(),
	}
	// Resubscribe after every (re)connect; the session is not persistent.
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if err := c.Subscribe(); err != nil {
			log.Printf("Error subscribing: %v", err)
		}
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Printf("Connected to MQTT broker: %s", c.config.GetMQTTBrokerURL())
	return nil
}

// Subscribe subscribes to the configured topic
func (c *Client) Subscribe() error {
	handler := func(client mqtt.Client, msg mqtt.Message) {
		log.Printf("Received message on topic %s: %s", msg.Topic(), string(msg.Payload()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.processMessage(ctx, msg.Payload()); err != nil {
			log.Printf("Error processing message on topic %s: %v", msg.Topic(), err)
		}
	}

	token := c.client.Subscribe(c.config.MQTT.Topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", c.config.MQTT.Topic, token.Error())
	}
	log.Printf("Subscribed to topic: %s", c.config.MQTT.Topic)
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	log.Println("Disconnected from MQTT broker")
}

// processMessage decodes a sensor payload, stores one measurement per
// unit and wakes the uploader
func (c *Client) processMessage(ctx context.Context, payload []byte) error {
	reading, err := ParseReading(payload, c.creds.DeviceID, time.Now())
	if err != nil {
		return err
	}

	measurements := reading.Measurements(c.creds.DeviceLatitude, c.creds.DeviceLongitude)
	if err := c.store.InsertMeasurements(ctx, measurements); err != nil {
		return err
	}
	for _, m := range measurements {
		log.Printf("Stored measurement: id=%d time=%v device=%s %s=%.3f",
			m.ID, m.CapturedAt, m.DeviceID, m.Unit, m.Value)
	}
	c.notifier.Notify()
	return nil
}

// ParseReading decodes a JSON sensor payload. A missing or malformed
// timestamp falls back to now and a missing device_id to defaultDevice.
func ParseReading(payload []byte, defaultDevice string, now time.Time) (models.Reading, error) {
	var rawData map[string]interface{}
	if err := json.Unmarshal(payload, &rawData); err != nil {
		return models.Reading{}, fmt.Errorf("error unmarshaling message: %w", err)
	}

	// Parse timestamp
	timestamp := now
	if tsStr, ok := rawData["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			log.Printf("Error parsing timestamp: %v", err)
		} else {
			timestamp = parsed
		}
	}

	deviceID := defaultDevice
	switch v := rawData["device_id"].(type) {
	case string:
		if v != "" {
			deviceID = v
		}
	case float64:
		deviceID = strconv.FormatFloat(v, 'f', -1, 64)
	}

	reading := models.Reading{Timestamp: timestamp, DeviceID: deviceID}
	if v, ok := getFloat64Value(rawData, "cpm"); ok {
		reading.CPM = &v
	}
	if v, ok := getFloat64Value(rawData, "usv"); ok {
		reading.USV = &v
	}
	if reading.CPM == nil && reading.USV == nil {
		return models.Reading{}, ErrNoValues
	}
	return reading, nil
}

// getFloat64Value safely extracts a float64 value from the map
func getFloat64Value(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
