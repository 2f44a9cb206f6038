package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/cloudreg/align"
)

// TestMQTTPublishesRun registers a small synthetic dataset against a real
// broker and checks that every record and the summary arrive.
func TestMQTTPublishesRun(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = "tcp://localhost:1883"
	}

	cfg := testConfig(t)
	cfg.MQTT = align.MQTTConfig{Broker: broker, ClientID: "cloudreg-it", Prefix: "cloudreg-it"}
	t.Setenv("MQTT_BROKER", broker)

	var (
		mu     sync.Mutex
		topics []string
		final  align.Summary
	)
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("cloudreg-it-sub")
	sub := mqtt.NewClient(opts)
	if token := sub.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("Failed to connect subscriber: %v", token.Error())
	}
	defer sub.Disconnect(250)
	token := sub.Subscribe("cloudreg-it/#", 1, func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		defer mu.Unlock()
		topics = append(topics, msg.Topic())
		if strings.HasSuffix(msg.Topic(), "/summary") {
			_ = json.Unmarshal(msg.Payload(), &final)
		}
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("Failed to subscribe: %v", token.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Close()
	if err := app.OpenSinks(ctx); err != nil {
		t.Fatalf("OpenSinks: %v", err)
	}
	if app.Publisher == nil {
		t.Fatal("publisher not connected")
	}

	ds, err := datasetFromConfig(cfg)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	sum, err := app.RunDataset(ctx, ds)
	if err != nil {
		t.Fatalf("RunDataset: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(topics)
		mu.Unlock()
		if n >= sum.Samples+1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(topics) != sum.Samples+1 {
		t.Fatalf("received %d messages, want %d: %v", len(topics), sum.Samples+1, topics)
	}
	if final.RunID != sum.RunID || final.Samples != sum.Samples {
		t.Errorf("summary payload = %+v, want run %s with %d samples", final, sum.RunID, sum.Samples)
	}
}
