package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"nhooyr.io/websocket"

	"github.com/getfinn/bridge/internal/logging"
)

// MessageType represents different message types
type MessageType string

const (
	// UI → bridge
	MessageTypeExecute        MessageType = "execute"         // Run a command, reply with one result
	MessageTypeExecuteCommand MessageType = "execute_command" // Run a command, stream data/error then complete
	MessageTypeKill           MessageType = "kill"            // Terminate the running command
	MessageTypeAuthStatus     MessageType = "auth_status"     // Request a fresh auth_state

	// bridge → UI
	MessageTypeData      MessageType = "data"
	MessageTypeError     MessageType = "error"
	MessageTypeComplete  MessageType = "complete"
	MessageTypeResult    MessageType = "result"
	MessageTypeAuthState MessageType = "auth_state"
	MessageTypeKilled    MessageType = "killed"
	MessageTypePresence  MessageType = "presence"

	// maxMessageSize is the maximum message size allowed (512 KB)
	maxMessageSize = 512 * 1024

	// pingInterval is how often we send pings to keep connection alive
	pingInterval = 30 * time.Second

	// pingTimeout is how long we wait for pong response
	pingTimeout = 10 * time.Second

	// writeTimeout is max time to write a message
	writeTimeout = 10 * time.Second

	initialReconnectDelay = 1 * time.Second
)

// ErrNotConnected is returned by SendMessage while there is no connection.
var ErrNotConnected = errors.New("not connected")

// Message represents a message sent/received via WebSocket
type Message struct {
	Type       MessageType     `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	DeviceType string          `json:"device_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with payload encoded as JSON.
func NewMessage(msgType MessageType, requestID string, payload any) (*Message, error) {
	msg := &Message{Type: msgType, RequestID: requestID, DeviceType: "desktop"}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// MessageHandler is called when a message is received
type MessageHandler func(msg *Message)

// Client manages the WebSocket connection to the relay server
type Client struct {
	url            string
	token          string
	instanceID     string
	conn           *websocket.Conn
	mu             sync.Mutex
	reconnectDelay time.Duration
	maxReconnect   time.Duration
	onMessage      MessageHandler
	onConnect      func()
	logger         *slog.Logger

	// Main context (cancelled when Close() is called)
	ctx    context.Context
	cancel context.CancelFunc

	// Connection lifecycle management
	connMu       sync.Mutex  // Protects connection state transitions
	connected    atomic.Bool // Connection status
	reconnecting atomic.Bool // Prevents multiple concurrent reconnection attempts

	// Pump synchronization
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup // Wait for pumps to exit before reconnecting
}

// NewClient creates a new WebSocket client
func NewClient(url, token, instanceID string, onMessage MessageHandler, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:            url,
		token:          token,
		instanceID:     instanceID,
		reconnectDelay: initialReconnectDelay,
		maxReconnect:   30 * time.Second,
		onMessage:      onMessage,
		logger:         logging.OrDiscard(logger).With(logging.Component("websocket")),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// OnConnect registers a callback run after every successful (re)connect.
// Must be called before Connect.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

// Connect establishes a WebSocket connection
func (c *Client) Connect() error {
	c.connMu.Lock()
	err := c.connectLocked()
	c.connMu.Unlock()

	if err == nil && c.onConnect != nil {
		c.onConnect()
	}
	return err
}

// connectLocked establishes connection (must be called with connMu held)
func (c *Client) connectLocked() error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("client shutting down")
	default:
	}

	// Cancel any existing pumps and wait for them to exit
	if c.pumpCancel != nil {
		c.pumpCancel()
		waitDone := make(chan struct{})
		go func() {
			c.pumpWg.Wait()
			close(waitDone)
		}()

		select {
		case <-waitDone:
		case <-c.ctx.Done():
			return fmt.Errorf("client shutting down")
		case <-time.After(2 * time.Second):
			// The old pumps exit on their own once their context is cancelled
			c.logger.Warn("⚠️ timeout waiting for pumps to exit, proceeding anyway")
		}
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "reconnecting")
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pumpCtx, c.pumpCancel = context.WithCancel(c.ctx)

	conn, _, err := websocket.Dial(c.ctx, c.dialURL(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info("✅ Connected to relay server", slog.String("url", c.url))

	c.pumpWg.Add(2)
	go c.readPump(c.pumpCtx)
	go c.writePump(c.pumpCtx)

	c.reconnectDelay = initialReconnectDelay

	return nil
}

// dialURL adds the auth parameters. The token is only ever sent here and
// never logged.
func (c *Client) dialURL() string {
	params := url.Values{}
	params.Set("token", c.token)
	params.Set("device_type", "desktop")
	params.Set("device_id", c.instanceID)
	return c.url + "?" + params.Encode()
}

// ConnectWithRetry connects with automatic retry logic
func (c *Client) ConnectWithRetry() {
	delay := c.reconnectDelay

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			return
		}

		c.logger.Warn("failed to connect, retrying", logging.Error(err), slog.Duration("delay", delay))

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		// Exponential backoff
		delay = time.Duration(math.Min(float64(delay)*1.5, float64(c.maxReconnect)))
	}
}

// readPump reads messages from the WebSocket
func (c *Client) readPump(ctx context.Context) {
	defer c.pumpWg.Done()
	defer c.triggerReconnect(ctx, "readPump exited")

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Normal shutdown
			}
			c.logger.Warn("websocket read error", logging.Error(err))
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("failed to parse websocket message", logging.Error(err))
			continue
		}

		if c.onMessage != nil {
			c.onMessage(&msg)
		}
	}
}

// writePump handles ping/pong to keep connection alive
func (c *Client) writePump(ctx context.Context) {
	defer c.pumpWg.Done()
	defer c.triggerReconnect(ctx, "writePump exited")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("websocket ping failed", logging.Error(err))
				return
			}
		}
	}
}

// triggerReconnect handles disconnection and starts at most one
// reconnection loop. Pumps stopped on purpose (ctx cancelled) don't count.
func (c *Client) triggerReconnect(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.connected.Store(false)
	c.logger.Info("❌ Disconnected from relay server, reconnecting...", slog.String("reason", reason))

	go c.reconnectLoop()
}

// reconnectLoop reconnects with exponential backoff
func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)

	delay := c.reconnectDelay
	attempt := 0

	for {
		attempt++

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.connMu.Lock()
		err := c.connectLocked()
		c.connMu.Unlock()

		if err == nil {
			if attempt > 1 {
				c.logger.Info("✅ Reconnected", slog.Int("attempts", attempt))
			}
			if c.onConnect != nil {
				c.onConnect()
			}
			return
		}

		// Only log some attempts during extended outages
		if attempt <= 3 || attempt%5 == 0 {
			c.logger.Warn("reconnection attempt failed", slog.Int("attempt", attempt), logging.Error(err))
		}

		// 1s -> 1.5s -> 2.25s -> ... -> max 30s
		delay = time.Duration(math.Min(float64(delay)*1.5, float64(c.maxReconnect)))
	}
}

// SendMessage sends a message to the relay server
func (c *Client) SendMessage(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	if msg.InstanceID == "" {
		msg.InstanceID = c.instanceID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the WebSocket connection
func (c *Client) Close() {
	c.cancel()

	c.connMu.Lock()
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	c.connMu.Unlock()

	c.pumpWg.Wait()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()
}
