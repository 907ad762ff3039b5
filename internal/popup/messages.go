// Package popup carries the message protocol between the background
// controller and the popup UI.
package popup

import (
	"encoding/json"
	"fmt"

	"mullproxy/internal/core/types"
	"mullproxy/internal/storage/models"
)

// Message subjects. The prefix names the receiving side.
const (
	SubjectConnect       = "background:/connect"
	SubjectDisconnect    = "background:/disconnect"
	SubjectUpdateDetails = "background:/updateConnectionDetails"
	SubjectUpdate        = "popup:/update"
)

// PortName is the only port name the background accepts.
const PortName = "background"

// Message is a single protocol frame.
type Message struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data into a Message. A nil data leaves Data empty.
func NewMessage(subject string, data any) (Message, error) {
	msg := Message{Subject: subject}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s: %w", subject, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", m.Subject, err)
	}
	return nil
}

// ConnectData is the payload of SubjectConnect.
type ConnectData struct {
	ProxyHost string                    `json:"proxyHost"`
	Details   *models.ConnectionDetails `json:"details,omitempty"`
}

// DetailsData is the payload of SubjectUpdateDetails.
type DetailsData struct {
	Details *models.ConnectionDetails `json:"details"`
}

// Update is the payload of SubjectUpdate. Absent fields leave the receiver's
// state unchanged.
type Update struct {
	IsConnected  *bool   `json:"isConnected,omitempty"`
	IsConnecting *bool   `json:"isConnecting,omitempty"`
	Host         *string `json:"host,omitempty"`
}

// FullUpdate describes every field of a snapshot.
func FullUpdate(s types.Snapshot) Update {
	connected := s.IsConnected()
	connecting := s.IsConnecting()
	host := s.Host
	return Update{IsConnected: &connected, IsConnecting: &connecting, Host: &host}
}

// ConnectingUpdate is sent as soon as a connect request is accepted.
func ConnectingUpdate() Update {
	connecting := true
	return Update{IsConnecting: &connecting}
}

// State is the popup's merged view of the background state.
type State struct {
	IsConnected  bool
	IsConnecting bool
	Host         string
}

// Apply merges u into s.
func (s *State) Apply(u Update) {
	if u.IsConnected != nil {
		s.IsConnected = *u.IsConnected
	}
	if u.IsConnecting != nil {
		s.IsConnecting = *u.IsConnecting
	}
	if u.Host != nil {
		s.Host = *u.Host
	}
}
