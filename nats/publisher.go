package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/internal"
)

// SinkType is the sink name used in logs & metrics.
const SinkType = "nats"

// DefaultSubject is the subject events are published to if none is set.
const DefaultSubject = "dirnotify.events"

var _ dirnotify.Listener = (*Publisher)(nil)

// Message is the JSON payload published for each event.
type Message struct {
	Path  string    `json:"path"`
	Kind  string    `json:"kind"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// NewMessage returns the message for e.
func NewMessage(e dirnotify.FileEvent, now time.Time) Message {
	m := Message{Path: e.Path, Kind: e.Kind.String(), Time: now.UTC()}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// Publisher publishes file events to a NATS subject. If JetStream is enabled
// events are published to a stream and acknowledged by the server.
type Publisher struct {
	mu     sync.Mutex
	logger *slog.Logger

	nc *nats.Conn
	js jetstream.JetStream

	// Configuration
	URL        string   // NATS server URL
	Subject    string   // Subject to publish events on
	JetStream  bool     // Publish through JetStream
	JWT        string   // JWT token for authentication
	Seed       string   // Seed for JWT authentication
	Creds      string   // Credentials file path
	NKey       string   // NKey for authentication
	Username   string   // Username for authentication
	Password   string   // Password for authentication
	Token      string   // Token for authentication
	RootCAs    []string // Root CA certificates
	ClientCert string   // Client certificate file path
	ClientKey  string   // Client key file path

	// Connection options
	MaxReconnects    int                          // Maximum reconnection attempts (-1 for unlimited)
	ReconnectWait    time.Duration                // Wait time between reconnection attempts
	ReconnectJitter  time.Duration                // Random jitter for reconnection
	Timeout          time.Duration                // Connection & publish timeout
	PingInterval     time.Duration                // Ping interval
	MaxPingsOut      int                          // Maximum number of pings without response
	ReconnectBufSize int                          // Reconnection buffer size
	SigCB            func([]byte) ([]byte, error) // Signature callback

	// Returns the current time. Overridden in tests.
	Now func() time.Time
}

// NewPublisher returns a new instance of Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		logger:           slog.Default().WithGroup(SinkType),
		Subject:          DefaultSubject,
		MaxReconnects:    -1, // Unlimited
		ReconnectWait:    2 * time.Second,
		Timeout:          10 * time.Second,
		PingInterval:     2 * time.Minute,
		MaxPingsOut:      2,
		ReconnectBufSize: 8 * 1024 * 1024, // 8MB
		Now:              time.Now,
	}
}

// Open connects to the NATS server. No-op if already connected.
func (p *Publisher) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nc != nil {
		return nil
	}

	if err := p.connect(ctx); err != nil {
		return fmt.Errorf("nats: failed to connect: %w", err)
	}
	return nil
}

// options returns the connection options for the configured settings.
func (p *Publisher) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("dirnotify"),
		nats.MaxReconnects(p.MaxReconnects),
		nats.ReconnectWait(p.ReconnectWait),
		nats.ReconnectJitter(p.ReconnectJitter, p.ReconnectJitter*2),
		nats.Timeout(p.Timeout),
		nats.PingInterval(p.PingInterval),
		nats.MaxPingsOutstanding(p.MaxPingsOut),
		nats.ReconnectBufSize(p.ReconnectBufSize),
	}

	// Authentication options
	switch {
	case p.JWT != "" && p.Seed != "":
		opts = append(opts, nats.UserJWTAndSeed(p.JWT, p.Seed))
	case p.Creds != "":
		opts = append(opts, nats.UserCredentials(p.Creds))
	case p.NKey != "":
		opts = append(opts, nats.Nkey(p.NKey, p.SigCB))
	case p.Username != "" && p.Password != "":
		opts = append(opts, nats.UserInfo(p.Username, p.Password))
	case p.Token != "":
		opts = append(opts, nats.Token(p.Token))
	}

	// TLS configuration
	if p.ClientCert != "" && p.ClientKey != "" {
		opts = append(opts, nats.ClientCert(p.ClientCert, p.ClientKey))
	}
	if len(p.RootCAs) > 0 {
		opts = append(opts, nats.RootCAs(p.RootCAs...))
	}
	return opts
}

func (p *Publisher) connect(_ context.Context) error {
	url := p.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, p.options()...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	if p.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		p.js = js
	}

	p.nc = nc
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nc == nil {
		return nil
	}

	err := p.nc.Flush()
	p.nc.Close()
	p.nc, p.js = nil, nil
	return err
}

// FileChanged publishes e. Failures are logged and counted; they never
// block the monitor's loop beyond the publish timeout.
func (p *Publisher) FileChanged(e dirnotify.FileEvent) {
	if err := p.Publish(context.Background(), e); err != nil {
		internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "error").Inc()
		p.logger.Error("cannot publish event", "path", e.Path, "error", err)
		return
	}
	internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "ok").Inc()
}

// Publish encodes e and publishes it to the configured subject.
func (p *Publisher) Publish(ctx context.Context, e dirnotify.FileEvent) error {
	data, err := json.Marshal(NewMessage(e, p.Now()))
	if err != nil {
		return err
	}

	p.mu.Lock()
	nc, js := p.nc, p.js
	p.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("nats: publisher not open")
	}

	if js != nil {
		ctx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		if _, err := js.Publish(ctx, p.Subject, data); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}
	return nc.Publish(p.Subject, data)
}
