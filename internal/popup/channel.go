package popup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"mullproxy/internal/core/types"
	"mullproxy/internal/storage/models"
)

// Port is one end of a connection to a popup.
type Port interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Background is the controller surface the channel drives. The Post methods
// enqueue a command and return at once; Await waits for its settled state.
type Background interface {
	Snapshot() types.Snapshot
	PostConnect(ctx context.Context, host string, details *models.ConnectionDetails) (<-chan types.Snapshot, error)
	PostDisconnect(ctx context.Context, notify bool) (<-chan types.Snapshot, error)
	PostUpdateDetails(ctx context.Context, details *models.ConnectionDetails) (<-chan types.Snapshot, error)
	Await(ctx context.Context, reply <-chan types.Snapshot) (types.Snapshot, error)
}

// ErrPortRejected is returned by Serve for ports with an unexpected name.
var ErrPortRejected = errors.New("popup: unexpected port name")

// session is one connected popup. Sends after the popup went away are
// dropped.
type session struct {
	port   Port
	closed atomic.Bool
	mu     sync.Mutex
}

func (s *session) send(ctx context.Context, logger *slog.Logger, u Update) {
	if s.closed.Load() {
		logger.Debug("popup gone, update dropped")
		return
	}
	msg, err := NewMessage(SubjectUpdate, u)
	if err != nil {
		logger.Error("failed to encode popup update", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	if err := s.port.Send(ctx, msg); err != nil {
		s.closed.Store(true)
		logger.Debug("popup send failed, port closed", "err", err)
	}
}

// Channel serves popup ports, one at a time in practice.
type Channel struct {
	bg     Background
	logger *slog.Logger

	mu      sync.Mutex
	current *session

	published chan types.Snapshot
}

// NewChannel creates a Channel driving bg.
func NewChannel(bg Background, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		bg:        bg,
		logger:    logger,
		published: make(chan types.Snapshot, 1),
	}
}

// Publish queues s for the connected popup. Only the latest unsent snapshot
// is kept. It never blocks.
func (c *Channel) Publish(s types.Snapshot) {
	for {
		select {
		case c.published <- s:
			return
		default:
		}
		select {
		case <-c.published:
		default:
		}
	}
}

// Run forwards published snapshots to the connected popup until ctx is done.
func (c *Channel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.published:
			c.mu.Lock()
			sess := c.current
			c.mu.Unlock()
			if sess != nil {
				sess.send(ctx, c.logger, FullUpdate(s))
			}
		}
	}
}

// Serve handles port until it closes. Commands are enqueued on the
// background in the order they arrive; their outcomes are awaited
// concurrently, so a disconnect can still cancel an in-flight connect.
// Requests keep running after the popup goes away; their replies are
// dropped.
func (c *Channel) Serve(ctx context.Context, port Port) error {
	if port.Name() != PortName {
		_ = port.Close()
		return ErrPortRejected
	}

	sess := &session{port: port}
	c.attach(sess)
	defer c.detach(sess)

	work := context.WithoutCancel(ctx)
	sess.send(ctx, c.logger, FullUpdate(c.bg.Snapshot()))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := port.Receive(ctx)
		if err != nil {
			sess.closed.Store(true)
			c.logger.Debug("popup disconnected", "err", err)
			return nil
		}

		reply, report := c.dispatch(work, sess, msg)
		if reply == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.bg.Await(work, reply); err != nil {
				c.logger.Error(msg.Subject+" failed", "err", err)
				return
			}
			if report {
				sess.send(work, c.logger, FullUpdate(c.bg.Snapshot()))
			}
		}()
	}
}

// dispatch enqueues msg on the background. report tells whether the settled
// state is sent back to the popup.
func (c *Channel) dispatch(ctx context.Context, sess *session, msg Message) (reply <-chan types.Snapshot, report bool) {
	var err error
	switch msg.Subject {
	case SubjectConnect:
		var data ConnectData
		if err := msg.Decode(&data); err != nil {
			c.logger.Warn("invalid connect message", "err", err)
			return nil, false
		}
		sess.send(ctx, c.logger, ConnectingUpdate())
		reply, err = c.bg.PostConnect(ctx, data.ProxyHost, data.Details)
		report = true

	case SubjectDisconnect:
		reply, err = c.bg.PostDisconnect(ctx, true)
		report = true

	case SubjectUpdateDetails:
		var data DetailsData
		if err := msg.Decode(&data); err != nil {
			c.logger.Warn("invalid details message", "err", err)
			return nil, false
		}
		reply, err = c.bg.PostUpdateDetails(ctx, data.Details)

	default:
		c.logger.Warn("unknown message subject", "subject", msg.Subject)
		return nil, false
	}

	if err != nil {
		c.logger.Error(msg.Subject+" failed", "err", err)
		return nil, false
	}
	return reply, report
}

func (c *Channel) attach(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s
}

func (c *Channel) detach(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
}
