// Package mqtt subscribes to location topics on an MQTT broker and delivers
// raw payloads in arrival order.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxReconnect   = 10
	defaultMaxBackoff     = 30 * time.Second
	defaultInitialBackoff = time.Second
	disconnectQuiesce     = 250 // ms
)

// Config holds broker settings.
type Config struct {
	BrokerURL      string
	BaseTopic      string
	ClientID       string // generated when empty
	QoS            byte
	ConnectTimeout time.Duration
	MaxReconnect   int
	MaxBackoff     time.Duration
	InitialBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = defaultMaxReconnect
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.QoS > 2 {
		c.QoS = 2
	}
}

// Topic joins a base topic and an optional suffix.
func Topic(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	suffix = strings.Trim(suffix, "/")
	switch {
	case suffix == "":
		return base
	case base == "":
		return suffix
	default:
		return base + "/" + suffix
	}
}

// BusClient is the subset of paho.Client the adapter uses.
type BusClient interface {
	Connect() paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// ClientFactory builds a BusClient from paho options.
type ClientFactory func(opts *paho.ClientOptions) BusClient

func newPahoClient(opts *paho.ClientOptions) BusClient {
	return paho.NewClient(opts)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithErrorHandler registers the handler that receives TransportErrors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(a *Adapter) {
		a.onError = h
	}
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(a *Adapter) {
		a.newClient = f
	}
}

// Adapter creates broker connections.
type Adapter struct {
	cfg       Config
	newClient ClientFactory
	onError   ErrorHandler
	logger    *slog.Logger
}

// New creates an adapter. Connections are made by Connect.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:       cfg,
		newClient: newPahoClient,
		onError:   func(error) {},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect subscribes to the base topic joined with suffix on brokerURL, or on
// the configured broker when brokerURL is empty, and calls onReport with
// every payload in arrival order. The handle is returned at once; dialing
// and reconnects happen in the background and failures go to the
// ErrorHandler.
func (a *Adapter) Connect(brokerURL, suffix string, onReport func([]byte)) (*Handle, error) {
	if brokerURL == "" {
		brokerURL = a.cfg.BrokerURL
	}
	if err := validateBroker(brokerURL); err != nil {
		return nil, err
	}

	clientID := a.cfg.ClientID
	if clientID == "" {
		clientID = "ubilocation-" + uuid.NewString()
	}

	h := &Handle{
		adapter:  a,
		broker:   brokerURL,
		topic:    Topic(a.cfg.BaseTopic, suffix),
		onReport: onReport,
		done:     make(chan struct{}),
		logger:   a.logger.With("broker", brokerURL),
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(a.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			h.connectionLost(err)
		})
	h.client = a.newClient(opts)

	go h.connectLoop()
	return h, nil
}

func validateBroker(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("invalid broker URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid broker URL %q: missing host", raw)
	}
	return nil
}

// Handle is one broker connection.
type Handle struct {
	adapter  *Adapter
	client   BusClient
	broker   string
	topic    string
	onReport func([]byte)
	logger   *slog.Logger

	deliverMu sync.Mutex // held while onReport runs
	closed    bool
	done      chan struct{}

	stateMu   sync.Mutex
	dialing   bool
	redial    bool // connection lost while a loop was running
	connected bool
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() string {
	return h.topic
}

// Connected reports whether the subscription is live.
func (h *Handle) Connected() bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.connected
}

func (h *Handle) report(op string, err error) {
	h.adapter.onError(&TransportError{Op: op, Broker: h.broker, Err: err})
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// connectLoop dials and subscribes with exponential backoff between
// attempts. At most one loop runs per handle.
func (h *Handle) connectLoop() {
	h.stateMu.Lock()
	if h.dialing {
		h.stateMu.Unlock()
		return
	}
	h.dialing = true
	h.stateMu.Unlock()

	defer func() {
		h.stateMu.Lock()
		h.dialing = false
		again := h.redial && !h.connected && !h.isClosed()
		h.redial = false
		h.stateMu.Unlock()
		if again {
			go h.connectLoop()
		}
	}()

	cfg := h.adapter.cfg
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxReconnect; attempt++ {
		if h.isClosed() {
			return
		}

		err := h.connectOnce()
		if err == nil {
			h.logger.Info("Subscribed to location topic", "topic", h.topic, "attempt", attempt)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		h.logger.Warn("Broker connect failed", "attempt", attempt, "error", err)

		select {
		case <-h.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	h.logger.Error("Broker reconnect failed after max attempts", "maxAttempts", cfg.MaxReconnect)
	h.report("reconnect", ErrReconnectExhausted)
}

func (h *Handle) connectOnce() error {
	timeout := h.adapter.cfg.ConnectTimeout

	if err := wait(h.client.Connect(), timeout); err != nil {
		h.report("connect", err)
		return err
	}
	if h.isClosed() {
		h.client.Disconnect(0)
		return ErrClosed
	}

	if err := wait(h.client.Subscribe(h.topic, h.adapter.cfg.QoS, h.deliver), timeout); err != nil {
		h.report("subscribe", err)
		h.client.Disconnect(0)
		return err
	}

	// Disconnect may have run during the subscribe; it reads connected
	// under stateMu after closing done.
	h.stateMu.Lock()
	if h.isClosed() {
		h.stateMu.Unlock()
		h.client.Disconnect(0)
		return ErrClosed
	}
	h.connected = true
	h.stateMu.Unlock()
	return nil
}

func (h *Handle) deliver(_ paho.Client, msg paho.Message) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.closed {
		return
	}
	h.onReport(msg.Payload())
}

func (h *Handle) connectionLost(err error) {
	if h.isClosed() {
		return
	}
	h.logger.Warn("Broker connection lost", "error", err)
	h.report("connection lost", err)

	h.stateMu.Lock()
	h.connected = false
	dialing := h.dialing
	if dialing {
		h.redial = true
	}
	h.stateMu.Unlock()
	if !dialing {
		go h.connectLoop()
	}
}

// Publish sends payload to topic on this connection.
func (h *Handle) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if h.isClosed() {
		return &TransportError{Op: "publish", Broker: h.broker, Err: ErrClosed}
	}
	if !h.Connected() {
		return &TransportError{Op: "publish", Broker: h.broker, Err: ErrNotConnected}
	}

	token := h.client.Publish(topic, h.adapter.cfg.QoS, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return &TransportError{Op: "publish", Broker: h.broker, Err: ctx.Err()}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "publish", Broker: h.broker, Err: err}
	}
	return nil
}

// Disconnect unsubscribes and closes the connection. Once it returns no
// further onReport call is made. It is idempotent and must not be called
// from inside onReport.
func (h *Handle) Disconnect() {
	h.deliverMu.Lock()
	if h.closed {
		h.deliverMu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.deliverMu.Unlock()

	h.stateMu.Lock()
	wasConnected := h.connected
	h.connected = false
	h.stateMu.Unlock()

	if wasConnected && h.client.IsConnected() {
		if err := wait(h.client.Unsubscribe(h.topic), h.adapter.cfg.ConnectTimeout); err != nil {
			h.logger.Debug("Unsubscribe failed", "topic", h.topic, "error", err)
		}
	}
	h.client.Disconnect(disconnectQuiesce)
	h.logger.Info("Disconnected from broker", "topic", h.topic)
}

// Stop is Disconnect.
func (h *Handle) Stop() {
	h.Disconnect()
}

func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}
