// Package protocol defines the JSON messages exchanged between a sync session and the sync
// server over a websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names a message.
type Type string

const (
	// TypeHello opens a session and lists the classes the client knows.
	TypeHello Type = "hello"
	// TypeSubscribe asks the server to synchronize the objects matching Query.
	TypeSubscribe Type = "subscribe"
	// TypeUnsubscribe drops the subscription Name.
	TypeUnsubscribe Type = "unsubscribe"
	// TypeSubscriptionState reports a server side state change of subscription Name.
	TypeSubscriptionState Type = "subscription_state"
	// TypeSubscriptionRemoved reports that the server dropped subscription Name.
	TypeSubscriptionRemoved Type = "subscription_removed"
	// TypeUpload carries Bytes of local changes up to Version.
	TypeUpload Type = "upload"
	// TypeUploadAck confirms an upload up to Version.
	TypeUploadAck Type = "upload_ack"
	// TypeProgress reports transfer progress in Direction.
	TypeProgress Type = "progress"
	// TypeError reports a session error.
	TypeError Type = "error"
)

// Direction values carried by progress messages.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Error categories carried by error messages.
const (
	CategoryAuthentication   = "authentication"
	CategoryPermissionDenied = "permission_denied"
	CategoryClientReset      = "client_reset"
	CategoryConnection       = "connection"
	CategoryProtocol         = "protocol"
)

var (
	ErrMissingType = errors.New("protocol: message type missing")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMissingName = errors.New("protocol: subscription name missing")
)

var knownTypes = map[Type]bool{
	TypeHello:               true,
	TypeSubscribe:           true,
	TypeUnsubscribe:         true,
	TypeSubscriptionState:   true,
	TypeSubscriptionRemoved: true,
	TypeUpload:              true,
	TypeUploadAck:           true,
	TypeProgress:            true,
	TypeError:               true,
}

// Message is the single envelope used in both directions. Fields irrelevant to a type are
// omitted on the wire.
type Message struct {
	Type         Type            `json:"type"`
	Session      string          `json:"session,omitempty"`
	Name         string          `json:"name,omitempty"`
	Class        string          `json:"class,omitempty"`
	Query        json.RawMessage `json:"query,omitempty"`
	TTLMillis    int64           `json:"ttl_ms,omitempty"`
	State        int64           `json:"state,omitempty"`
	Error        string          `json:"error,omitempty"`
	Direction    string          `json:"direction,omitempty"`
	Transferred  uint64          `json:"transferred,omitempty"`
	Transferable uint64          `json:"transferable,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Bytes        int64           `json:"bytes,omitempty"`
	Code         int             `json:"code,omitempty"`
	Category     string          `json:"category,omitempty"`
	BackupPath   string          `json:"backup_path,omitempty"`
	Classes      []string        `json:"classes,omitempty"`
}

// Validate checks the fields each type requires.
func (m Message) Validate() error {
	if m.Type == "" {
		return ErrMissingType
	}
	if !knownTypes[m.Type] {
		return fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeSubscriptionState, TypeSubscriptionRemoved:
		if m.Name == "" {
			return fmt.Errorf("%w: %s", ErrMissingName, m.Type)
		}
	case TypeProgress:
		if m.Direction != DirectionUpload && m.Direction != DirectionDownload {
			return fmt.Errorf("protocol: invalid progress direction %q", m.Direction)
		}
	}
	return nil
}

// Encode serializes m after validating it.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates one message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
