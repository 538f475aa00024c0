// ABOUTME: WebSocket status hub publishing scheduler evaluations
// ABOUTME: Handles subscriber handshake, fan-out of status/update messages and keepalive pings
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/protocol"
	"github.com/Resonate-Protocol/ratematch/internal/switcher"
	"github.com/Resonate-Protocol/ratematch/internal/version"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer    = 16
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	helloTimeout  = 5 * time.Second
)

// Config holds hub configuration
type Config struct {
	Addr string
	Name string
}

// Hub fans status updates out to websocket subscribers
type Hub struct {
	config   Config
	serverID string
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	subsMu sync.RWMutex
	subs   map[string]*subscriber
	last   *protocol.StatusUpdate

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// subscriber is one connected watcher
type subscriber struct {
	id       string
	name     string
	conn     *websocket.Conn
	sendChan chan protocol.Message
}

// New creates a hub
func New(config Config) *Hub {
	h := &Hub{
		config:   config,
		serverID: uuid.New().String(),
		mux:      http.NewServeMux(),
		subs:     make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			// Status is read-only and served on trusted local networks.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.mux.HandleFunc(protocol.Path, h.handleWebSocket)
	return h
}

// ServerID identifies this hub in hellos
func (h *Hub) ServerID() string {
	return h.serverID
}

// Handler exposes the websocket endpoint
func (h *Hub) Handler() http.Handler {
	return h.mux
}

// Listen binds the configured address and returns the bound port
func (h *Hub) Listen() (int, error) {
	ln, err := net.Listen("tcp", h.config.Addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s: %w", h.config.Addr, err)
	}
	h.listener = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve runs the HTTP server until ctx is cancelled. Listen must be called first.
func (h *Hub) Serve(ctx context.Context) error {
	if h.listener == nil {
		return errors.New("status hub: Serve called before Listen")
	}

	h.httpServer = &http.Server{Handler: h.mux, ReadHeaderTimeout: helloTimeout}
	log.Info().Str("addr", h.listener.Addr().String()).Str("id", h.serverID).Msg("Status hub listening")

	errChan := make(chan error, 1)
	go func() {
		if err := h.httpServer.Serve(h.listener); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Status hub shutdown error")
	}

	h.closeSubscribers()
	h.wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("status hub failed: %w", serveErr)
	}
	return nil
}

// Publish converts a scheduler status and sends it to every subscriber.
// Slow subscribers drop updates rather than block the scheduler.
func (h *Hub) Publish(st switcher.Status) {
	update := FromSwitcher(st)

	h.subsMu.Lock()
	h.last = &update
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subsMu.Unlock()

	msg := protocol.Message{Type: protocol.TypeStatusUpdate, Payload: update}
	for _, s := range subs {
		h.send(s, msg)
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subs)
}

// FromSwitcher maps a scheduler status onto the wire format
func FromSwitcher(st switcher.Status) protocol.StatusUpdate {
	return protocol.StatusUpdate{
		Cycle:      st.Cycle,
		State:      st.State.String(),
		Outcome:    st.Outcome.String(),
		Device:     st.Device,
		SampleRate: st.Format.SampleRate,
		BitDepth:   st.Format.BitsPerChannel,
		StreamRate: st.Stat.SampleRate,
		StreamBits: st.Stat.BitDepth,
		Channels:   st.Stat.Channels,
		Track: protocol.TrackInfo{
			Artist: st.Track.Artist,
			Title:  st.Track.Title,
			Album:  st.Track.Album,
		},
		Timestamp: st.At.UnixMilli(),
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	log.Debug().Str("remote", r.RemoteAddr).Msg("New status connection")
	h.handleConnection(conn)
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	hello, err := h.readHello(conn)
	if err != nil {
		log.Warn().Err(err).Msg("Status handshake failed")
		return
	}

	sub := &subscriber{
		id:       hello.ClientID,
		name:     hello.Name,
		conn:     conn,
		sendChan: make(chan protocol.Message, sendBuffer),
	}

	h.subsMu.Lock()
	if existing, ok := h.subs[sub.id]; ok {
		h.subsMu.Unlock()
		log.Warn().Str("id", sub.id).Str("name", existing.name).Msg("Duplicate subscriber ID, rejecting")
		_ = conn.WriteJSON(protocol.Message{
			Type:    protocol.TypeServerError,
			Payload: protocol.ServerError{Error: "duplicate_client_id", Message: "Client ID already connected"},
		})
		return
	}
	h.subs[sub.id] = sub
	last := h.last
	h.subsMu.Unlock()

	log.Info().Str("name", sub.name).Str("id", sub.id).Msg("Subscriber connected")

	defer func() {
		h.subsMu.Lock()
		if h.subs[sub.id] == sub {
			delete(h.subs, sub.id)
			close(sub.sendChan)
		}
		h.subsMu.Unlock()
		log.Info().Str("name", sub.name).Msg("Subscriber disconnected")
	}()

	h.send(sub, protocol.Message{
		Type: protocol.TypeServerHello,
		Payload: protocol.ServerHello{
			ServerID: h.serverID,
			Name:     h.config.Name,
			Version:  protocol.Version,
			DeviceInfo: protocol.DeviceInfo{
				ProductName:     version.Product,
				Manufacturer:    version.Manufacturer,
				SoftwareVersion: version.Version,
			},
		},
	})
	if last != nil {
		h.send(sub, protocol.Message{Type: protocol.TypeStatusUpdate, Payload: *last})
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writer(sub)
	}()

	// Subscribers never send after the hello; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("name", sub.name).Msg("Subscriber read error")
			}
			return
		}
	}
}

func (h *Hub) readHello(conn *websocket.Conn) (protocol.ClientHello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.ClientHello{}, fmt.Errorf("read hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.ClientHello{}, err
	}
	if env.Type != protocol.TypeClientHello {
		return protocol.ClientHello{}, fmt.Errorf("expected %s, got %s", protocol.TypeClientHello, env.Type)
	}

	var hello protocol.ClientHello
	if err := env.Into(&hello); err != nil {
		return protocol.ClientHello{}, err
	}
	if hello.ClientID == "" {
		return protocol.ClientHello{}, errors.New("client hello missing client_id")
	}
	if hello.Name == "" {
		hello.Name = hello.ClientID
	}
	return hello, nil
}

// send queues msg without blocking
func (h *Hub) send(sub *subscriber, msg protocol.Message) {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()

	if h.subs[sub.id] != sub {
		return
	}
	select {
	case sub.sendChan <- msg:
	default:
		log.Debug().Str("name", sub.name).Str("type", msg.Type).Msg("Subscriber buffer full, dropping message")
	}
}

// writer drains the subscriber's queue and keeps the connection alive
func (h *Hub) writer(sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.sendChan:
			if !ok {
				_ = sub.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sub.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("name", sub.name).Msg("Error writing status message")
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// closeSubscribers ends every subscriber's writer
func (h *Hub) closeSubscribers() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	for id, sub := range h.subs {
		close(sub.sendChan)
		delete(h.subs, id)
	}
}
