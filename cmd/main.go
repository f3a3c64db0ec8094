package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ponytojas/go-safecast-uploader/config"
	"github.com/ponytojas/go-safecast-uploader/internal/database"
	"github.com/ponytojas/go-safecast-uploader/internal/mqtt"
	"github.com/ponytojas/go-safecast-uploader/internal/safecast"
	"github.com/ponytojas/go-safecast-uploader/internal/uploader"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml and .env")
	template := flag.Bool("template", false, "print a config.yaml template and exit")
	flag.Parse()

	if *template {
		if err := config.WriteTemplate(os.Stdout); err != nil {
			log.Fatalf("Failed to write template: %v", err)
		}
		return
	}

	log.Println("Starting Safecast uploader service...")

	// Load configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	creds := cfg.Secrets()
	if keys := creds.Placeholders(); len(keys) > 0 {
		log.Printf("Warning: credentials still hold template placeholders: %s", strings.Join(keys, ", "))
	}
	if creds.APIKey == "" {
		log.Println("Warning: safecast.api_key is empty, measurements will be stored but not uploaded")
	}
	log.Printf("Device %s at (%s, %s) uploading to %s", creds.DeviceID, creds.DeviceLatitude, creds.DeviceLongitude, creds.APIURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	log.Println("Connecting to TimescaleDB...")
	db, err := database.NewTimescaleDB(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize table
	log.Println("Initializing database table...")
	if err := db.InitializeTable(ctx); err != nil {
		log.Fatalf("Failed to initialize table: %v", err)
	}

	// Start uploader
	client := safecast.NewClient(creds, cfg.Upload.Timeout, cfg.Upload.MaxRetries)
	up := uploader.New(db, client, cfg.Upload)
	uploadDone := make(chan error, 1)
	go func() { uploadDone <- up.Run(ctx) }()

	// Initialize MQTT client; it subscribes on every connect
	log.Println("Setting up MQTT client...")
	mqttClient := mqtt.NewClient(cfg, db, up)
	if err := mqttClient.Connect(); err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	defer mqttClient.Disconnect()

	log.Printf("Service is running. Subscribed to topic: %s", cfg.MQTT.Topic)

	// Wait for interrupt signal
	<-ctx.Done()
	log.Println("Shutting down...")
	if err := <-uploadDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Uploader stopped: %v", err)
	}
}
