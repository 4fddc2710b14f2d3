package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"iot-dataflow/internal/telemetry/domain"
)

const (
	defaultKeepAlive      = 30
	defaultConnectTimeout = 10 * time.Second
	minReconnectBackoff   = 500 * time.Millisecond
	maxReconnectBackoff   = 30 * time.Second
)

// MQTTConfig configures the broker connection and subscription.
type MQTTConfig struct {
	BrokerURL      string
	Topic          string
	ClientID       string
	QoS            byte
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

// NewClientID returns a unique client id for this process.
func NewClientID() string {
	return "iot-dataflow-" + uuid.NewString()
}

// MQTTSubscriber subscribes to a topic filter and submits every received
// message to a Submitter. It reconnects with capped exponential backoff until
// its context is cancelled.
type MQTTSubscriber struct {
	cfg     MQTTConfig
	network string
	address string
	tlsConf *tls.Config
	sink    Submitter
	log     *slog.Logger

	connected atomic.Bool
}

// NewMQTTSubscriber validates cfg and returns a subscriber. It does not connect.
func NewMQTTSubscriber(cfg MQTTConfig, sink Submitter, log *slog.Logger) (*MQTTSubscriber, error) {
	if sink == nil {
		return nil, errors.New("mqtt: submitter is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("mqtt: topic filter is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	network, address, useTLS, err := brokerAddress(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = NewClientID()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	s := &MQTTSubscriber{cfg: cfg, network: network, address: address, sink: sink, log: log}
	if useTLS {
		host, _, _ := net.SplitHostPort(address)
		s.tlsConf = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

// brokerAddress maps mqtt://, tcp://, mqtts://, ssl:// and tls:// URLs to a dial address.
func brokerAddress(raw string) (network, address string, useTLS bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false, fmt.Errorf("mqtt: parse broker url: %w", err)
	}
	port := "1883"
	switch u.Scheme {
	case "mqtt", "tcp":
	case "mqtts", "ssl", "tls":
		useTLS = true
		port = "8883"
	default:
		return "", "", false, fmt.Errorf("mqtt: unsupported broker url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", false, fmt.Errorf("mqtt: broker url %q has no host", raw)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return "tcp", net.JoinHostPort(u.Hostname(), port), useTLS, nil
}

// Connected reports whether the subscription is currently active.
func (s *MQTTSubscriber) Connected() bool {
	return s.connected.Load()
}

// Run connects, subscribes and delivers messages until ctx is cancelled. It
// returns nil on cancellation; connection failures are retried, never returned.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	backoff := minReconnectBackoff
	for {
		client, lost, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("mqtt connect failed", "broker", s.address, "retry_in", backoff, "error", err)
		} else {
			backoff = minReconnectBackoff
			s.log.Info("mqtt subscribed", "broker", s.address, "topic", s.cfg.Topic, "client_id", s.cfg.ClientID)
			select {
			case <-ctx.Done():
				s.connected.Store(false)
				_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
				s.log.Info("mqtt disconnected")
				return nil
			case err = <-lost:
				s.connected.Store(false)
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("server closed connection: %w", err)
				}
				s.log.Warn("mqtt connection lost", "retry_in", backoff, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

// connect dials the broker, sends CONNECT and SUBSCRIBE, and returns a channel
// that yields the error which ends the connection.
func (s *MQTTSubscriber) connect(ctx context.Context) (*paho.Client, <-chan error, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx)
	if err != nil {
		return nil, nil, &domain.ConnectivityError{Component: "mqtt broker", Err: err}
	}

	lost := make(chan error, 1)
	report := func(err error) {
		if err == nil {
			err = errors.New("connection closed")
		}
		select {
		case lost <- err:
		default:
		}
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: s.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.deliver(ctx, pr.Packet)
				return true, nil
			},
		},
		OnClientError: report,
		OnServerDisconnect: func(d *paho.Disconnect) {
			report(fmt.Errorf("server sent disconnect, reason code %d", d.ReasonCode))
		},
	})

	connack, err := client.Connect(dialCtx, &paho.Connect{
		ClientID:   s.cfg.ClientID,
		KeepAlive:  s.cfg.KeepAlive,
		CleanStart: true,
	})
	if err != nil {
		_ = conn.Close()
		if connack != nil {
			return nil, nil, fmt.Errorf("mqtt connect refused, reason code %d: %w", connack.ReasonCode, err)
		}
		return nil, nil, &domain.ConnectivityError{Component: "mqtt broker", Err: err}
	}

	if _, err := client.Subscribe(dialCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: s.cfg.QoS}},
	}); err != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return nil, nil, fmt.Errorf("mqtt subscribe %q: %w", s.cfg.Topic, err)
	}
	s.connected.Store(true)
	return client, lost, nil
}

func (s *MQTTSubscriber) dial(ctx context.Context) (net.Conn, error) {
	if s.tlsConf != nil {
		d := tls.Dialer{Config: s.tlsConf}
		return d.DialContext(ctx, s.network, s.address)
	}
	var d net.Dialer
	return d.DialContext(ctx, s.network, s.address)
}

func (s *MQTTSubscriber) deliver(ctx context.Context, p *paho.Publish) {
	if p == nil {
		return
	}
	raw := make([]byte, len(p.Payload))
	copy(raw, p.Payload)
	if err := s.sink.Submit(ctx, p.Topic, raw); err != nil && ctx.Err() == nil {
		s.log.Error("mqtt message dropped", "topic", p.Topic, "error", err)
	}
}
