package popup

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mullproxy/internal/storage/models"
)

// Path is the HTTP path of the popup websocket.
const Path = "/popup"

const writeTimeout = 5 * time.Second

// WSPort is a Port over a websocket connection.
type WSPort struct {
	conn *websocket.Conn
	name string

	writeMu sync.Mutex
}

// NewWSPort wraps an established websocket connection.
func NewWSPort(conn *websocket.Conn, name string) *WSPort {
	return &WSPort{conn: conn, name: name}
}

func (p *WSPort) Name() string { return p.name }

func (p *WSPort) Send(ctx context.Context, msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteJSON(msg)
}

// Receive blocks for the next message. Cancelling ctx closes the connection.
func (p *WSPort) Receive(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = p.conn.Close() })
	defer stop()

	var msg Message
	if err := p.conn.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (p *WSPort) Close() error {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return p.conn.Close()
}

// Handler upgrades HTTP requests on Path to popup ports.
type Handler struct {
	channel  *Channel
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler serving ch.
func NewHandler(ch *Channel, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{channel: ch, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name != PortName {
		http.Error(w, "unknown port", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	port := NewWSPort(conn, name)
	defer port.Close()

	h.logger.Debug("popup connected", "remote", r.RemoteAddr)
	if err := h.channel.Serve(r.Context(), port); err != nil {
		h.logger.Warn("popup session ended", "err", err)
	}
}

// Client is the popup side of the channel.
type Client struct {
	port  *WSPort
	state State
}

// Dial connects to the background listening on addr (host:port).
func Dial(ctx context.Context, addr string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: Path, RawQuery: url.Values{"name": {PortName}}.Encode()}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach background at %s: %w", addr, err)
	}
	return &Client{port: NewWSPort(conn, PortName)}, nil
}

// Connect asks the background to connect to host.
func (c *Client) Connect(ctx context.Context, host string, details *models.ConnectionDetails) error {
	return c.send(ctx, SubjectConnect, ConnectData{ProxyHost: host, Details: details})
}

// Disconnect asks the background to disconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.send(ctx, SubjectDisconnect, nil)
}

// UpdateDetails hands fresh connection details to the background.
func (c *Client) UpdateDetails(ctx context.Context, details *models.ConnectionDetails) error {
	return c.send(ctx, SubjectUpdateDetails, DetailsData{Details: details})
}

// Next waits for the next update and returns the merged state.
func (c *Client) Next(ctx context.Context) (State, error) {
	for {
		msg, err := c.port.Receive(ctx)
		if err != nil {
			return c.state, err
		}
		if msg.Subject != SubjectUpdate {
			continue
		}
		var u Update
		if err := msg.Decode(&u); err != nil {
			return c.state, err
		}
		c.state.Apply(u)
		return c.state, nil
	}
}

// State returns the last merged state.
func (c *Client) State() State { return c.state }

// Close closes the connection.
func (c *Client) Close() error { return c.port.Close() }

func (c *Client) send(ctx context.Context, subject string, data any) error {
	msg, err := NewMessage(subject, data)
	if err != nil {
		return err
	}
	return c.port.Send(ctx, msg)
}
