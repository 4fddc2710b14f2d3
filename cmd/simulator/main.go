// simulator publishes synthetic sensor readings to MQTT_BROKER_URL for local testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"iot-dataflow/internal/app"
	"iot-dataflow/internal/config"
	"iot-dataflow/internal/platform/logging"
)

type reading struct {
	DeviceID string             `json:"deviceId"`
	Time     string             `json:"time"`
	Seq      int64              `json:"seq"`
	Payload  map[string]float64 `json:"payload"`
}

func main() {
	devices := flag.Int("devices", 3, "number of simulated devices")
	interval := flag.Duration("interval", 2*time.Second, "publish period")
	topic := flag.String("topic", "iot/data/sensors", "topic to publish to")
	once := flag.Bool("once", false, "publish a single round and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg.MQTTBrokerURL)
	if err != nil {
		logger.Error("simulator: connect failed", logging.Err(err))
		os.Exit(1)
	}
	defer func() { _ = client.Disconnect(&paho.Disconnect{ReasonCode: 0}) }()
	logger.Info("simulator: connected", "broker", cfg.MQTTBrokerURL, "devices", *devices, "topic", *topic)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	var seq int64
	for {
		seq++
		for i := 1; i <= *devices; i++ {
			if err := publish(ctx, client, *topic, fmt.Sprintf("sensor-%d", i), seq); err != nil {
				logger.Warn("simulator: publish failed", logging.Err(err))
			}
		}
		logger.Debug("simulator: round sent", "seq", seq)
		if *once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func connect(ctx context.Context, brokerURL string) (*paho.Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	port := u.Port()
	if port == "" {
		port = "1883"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, err
	}
	id := "iot-simulator-" + uuid.NewString()
	client := paho.NewClient(paho.ClientConfig{ClientID: id, Conn: conn, OnClientError: func(err error) {
		slog.Default().Warn("simulator: client error", logging.Err(err))
	}})
	if _, err := client.Connect(dialCtx, &paho.Connect{ClientID: id, KeepAlive: 30, CleanStart: true}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

func publish(ctx context.Context, client *paho.Client, topic, deviceID string, seq int64) error {
	body, err := json.Marshal(reading{
		DeviceID: deviceID,
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Seq:      seq,
		Payload: map[string]float64{
			"temperature": round2(20 + rand.Float64()*5),
			"humidity":    round2(40 + rand.Float64()*10),
		},
	})
	if err != nil {
		return err
	}
	_, err = client.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Payload: body})
	return err
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
