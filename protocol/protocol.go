// Package protocol defines the JSON messages exchanged over a terminal
// WebSocket between the daemon and its viewers. Terminal bytes travel
// base64-encoded so arbitrary output survives JSON.
package protocol

import (
	"encoding/base64"
	"fmt"
)

// ClientMessage is sent from a viewer to the daemon.
type ClientMessage struct {
	Type ClientType `json:"type"`

	// Input fields
	Data string `json:"data,omitempty"`

	// Resize fields
	Cols uint `json:"cols,omitempty"`
	Rows uint `json:"rows,omitempty"`
}

type ClientType string

const (
	ClientInput  ClientType = "input"
	ClientResize ClientType = "resize"
	ClientPing   ClientType = "ping"
)

// ServerMessage is sent from the daemon to a viewer.
type ServerMessage struct {
	Type ServerType `json:"type"`

	// Output fields
	Data string `json:"data,omitempty"`

	// Closed fields
	Reason string `json:"reason,omitempty"`

	// Error fields
	Error string `json:"error,omitempty"`
}

type ServerType string

const (
	ServerOutput ServerType = "output"
	ServerClosed ServerType = "closed"
	ServerPong   ServerType = "pong"
	ServerError  ServerType = "error"
)

func Input(p []byte) ClientMessage {
	return ClientMessage{Type: ClientInput, Data: base64.StdEncoding.EncodeToString(p)}
}

func Resize(cols, rows uint) ClientMessage {
	return ClientMessage{Type: ClientResize, Cols: cols, Rows: rows}
}

func Output(p []byte) ServerMessage {
	return ServerMessage{Type: ServerOutput, Data: base64.StdEncoding.EncodeToString(p)}
}

func Closed(reason string) ServerMessage {
	return ServerMessage{Type: ServerClosed, Reason: reason}
}

func Error(msg string) ServerMessage {
	return ServerMessage{Type: ServerError, Error: msg}
}

// Validate checks the fields a message type requires.
func (m ClientMessage) Validate() error {
	switch m.Type {
	case ClientInput:
		if _, err := m.Bytes(); err != nil {
			return err
		}
	case ClientResize:
		if m.Cols == 0 || m.Rows == 0 {
			return fmt.Errorf("resize needs positive cols and rows, got %dx%d", m.Cols, m.Rows)
		}
	case ClientPing:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Bytes decodes the input payload.
func (m ClientMessage) Bytes() ([]byte, error) {
	p, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("input data is not base64: %w", err)
	}
	return p, nil
}

// Bytes decodes the output payload.
func (m ServerMessage) Bytes() ([]byte, error) {
	p, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("output data is not base64: %w", err)
	}
	return p, nil
}
