// ABOUTME: Status protocol message type definitions
// ABOUTME: JSON envelope plus hello and status/update payloads exchanged over the websocket hub
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the status protocol version
const Version = 1

// Path is the websocket endpoint
const Path = "/ratematch"

// Message types
const (
	TypeClientHello  = "client/hello"
	TypeServerHello  = "server/hello"
	TypeStatusUpdate = "status/update"
	TypeServerError  = "server/error"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is a received Message with its payload left undecoded
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses an envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse message: missing type")
	}
	return env, nil
}

// Into decodes the payload into v
func (e Envelope) Into(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("parse %s payload: %w", e.Type, err)
	}
	return nil
}

// ClientHello is sent by subscribers to initiate the handshake
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// DeviceInfo contains publisher identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// ServerHello is the hub's response to client/hello
type ServerHello struct {
	ServerID   string     `json:"server_id"`
	Name       string     `json:"name"`
	Version    int        `json:"version"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

// ServerError rejects a subscriber
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TrackInfo is the now-playing identity
type TrackInfo struct {
	Artist string `json:"artist,omitempty"`
	Title  string `json:"title,omitempty"`
	Album  string `json:"album,omitempty"`
}

// StatusUpdate reports the result of one scheduler evaluation
type StatusUpdate struct {
	Cycle      string    `json:"cycle"`
	State      string    `json:"state"`
	Outcome    string    `json:"outcome"`
	Device     string    `json:"device,omitempty"`
	SampleRate float64   `json:"sample_rate"`
	BitDepth   int       `json:"bit_depth"`
	StreamRate int       `json:"stream_rate,omitempty"`
	StreamBits int       `json:"stream_bits,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Track      TrackInfo `json:"track"`
	Timestamp  int64     `json:"timestamp"` // Unix milliseconds
}

// Time returns the update timestamp
func (u StatusUpdate) Time() time.Time {
	return time.UnixMilli(u.Timestamp)
}
