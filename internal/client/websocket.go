// ABOUTME: WebSocket subscriber for the ratematch status hub
// ABOUTME: Handles connection, handshake, and delivery of status updates
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const handshakeTimeout = 5 * time.Second

// ErrRejected is returned when the hub refuses the subscription
var ErrRejected = errors.New("subscription rejected")

// Config holds client configuration
type Config struct {
	ServerAddr string
	ClientID   string
	Name       string
}

// Client subscribes to a status hub
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Updates delivers status/update payloads; closed when the connection ends
	Updates chan protocol.StatusUpdate

	server    protocol.ServerHello
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new subscriber
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:  config,
		Updates: make(chan protocol.StatusUpdate, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: protocol.Path}
	log.Debug().Str("url", u.String()).Msg("Connecting to status hub")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

// Server returns the hub's hello
func (c *Client) Server() protocol.ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

func (c *Client) handshake() error {
	hello := protocol.Message{
		Type: protocol.TypeClientHello,
		Payload: protocol.ClientHello{
			ClientID: c.config.ClientID,
			Name:     c.config.Name,
			Version:  protocol.Version,
		},
	}
	if err := c.conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("failed to send %s: %w", protocol.TypeClientHello, err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", protocol.TypeServerHello, err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypeServerHello:
	case protocol.TypeServerError:
		var serverErr protocol.ServerError
		_ = env.Into(&serverErr)
		return fmt.Errorf("%w: %s", ErrRejected, serverErr.Message)
	default:
		return fmt.Errorf("expected %s, got %s", protocol.TypeServerHello, env.Type)
	}

	var server protocol.ServerHello
	if err := env.Into(&server); err != nil {
		return err
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	log.Info().Str("hub", server.Name).Str("id", server.ServerID).Msg("Handshake complete with status hub")
	return nil
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer close(c.Updates)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Debug().Err(err).Msg("Status read error")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to parse status message")
			continue
		}

		switch env.Type {
		case protocol.TypeStatusUpdate:
			var update protocol.StatusUpdate
			if err := env.Into(&update); err != nil {
				log.Warn().Err(err).Msg("Failed to parse status update")
				continue
			}
			select {
			case c.Updates <- update:
			case <-c.ctx.Done():
				return
			}
		default:
			log.Debug().Str("type", env.Type).Msg("Unknown message type")
		}
	}
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		_ = c.conn.Close()
		log.Debug().Msg("Status connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
