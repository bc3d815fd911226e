package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// errClosing stops the read loop after a reply that ends the connection.
var errClosing = errors.New("closing connection")

// client is a single websocket connection. It joins at most one document.
type client struct {
	srv    *server
	conn   *websocket.Conn
	logger *logrus.Entry

	send      chan commons.Message
	done      chan struct{}
	closeOnce sync.Once

	// held collects broadcasts while a reply that must precede them is being prepared.
	mu   sync.Mutex
	held []commons.Message

	// Only touched by the read loop.
	session     *session.Session
	participant session.Participant
}

func newClient(srv *server, conn *websocket.Conn) *client {
	return &client{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.WithField("remote", conn.RemoteAddr().String()),
		send:   make(chan commons.Message, srv.sendQueue),
		done:   make(chan struct{}),
	}
}

// Deliver queues a broadcast. A connection whose queue is full is closed; its replica recovers by catching up.
func (c *client) Deliver(msg commons.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held != nil {
		c.held = append(c.held, msg)
		return
	}
	c.enqueue(msg)
}

// enqueue must be called with mu held.
func (c *client) enqueue(msg commons.Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Warn("send queue full, closing connection")
		c.close()
	}
}

func (c *client) reply(msg commons.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueue(msg)
}

// replyBefore sends the reply built by fn ahead of every broadcast delivered while fn runs.
func (c *client) replyBefore(fn func() (commons.Message, error)) error {
	c.mu.Lock()
	c.held = []commons.Message{}
	c.mu.Unlock()

	msg, err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.held
	c.held = nil
	if err == nil {
		c.enqueue(msg)
	}
	for _, m := range held {
		c.enqueue(m)
	}
	return err
}

func (c *client) replyError(kind commons.ErrorKind, err error) {
	c.reply(commons.Message{Type: commons.ErrorMessage, Error: &commons.Error{Kind: kind, Message: err.Error()}})
}

// violation reports a protocol violation and ends the connection.
func (c *client) violation(err error) error {
	c.logger.WithError(err).Error("protocol violation")
	c.replyError(commons.ProtocolViolation, err)
	return errClosing
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump writes queued messages until the connection closes.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.WithError(err).Debug("write failed")
				c.close()
				return
			}
			if msg.Type == commons.ErrorMessage && msg.Error.Kind == commons.ProtocolViolation {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg.Error.Message), time.Now().Add(writeWait))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop reads and dispatches messages until the connection closes or misbehaves.
func (c *client) readLoop(ctx context.Context) {
	defer func() {
		if c.session != nil {
			c.session.Detach(c.participant.ID, c)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("connection closed unexpectedly")
			}
			c.close()
			return
		}

		var msg commons.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.violation(fmt.Errorf("malformed message: %w", err))
			return
		}

		if err := c.handle(ctx, msg); err != nil {
			if !errors.Is(err, errClosing) {
				c.logger.WithError(err).Error("closing connection")
				c.close()
			}
			return
		}
	}
}

func (c *client) handle(ctx context.Context, msg commons.Message) error {
	switch msg.Type {
	case commons.JoinMessage:
		return c.handleJoin(ctx, msg)
	case commons.SubmitMessage:
		return c.handleSubmit(ctx, msg)
	case commons.PresenceMessage:
		return c.handlePresence(msg)
	case commons.CatchupMessage:
		return c.handleCatchup(msg)
	case commons.LeaveMessage:
		if c.session != nil {
			c.session.Detach(c.participant.ID, c)
			c.session = nil
		}
		return nil
	}
	return c.violation(fmt.Errorf("unexpected message type %q", msg.Type))
}

func (c *client) handleJoin(ctx context.Context, msg commons.Message) error {
	if msg.DocumentID == "" {
		return c.violation(errors.New("join without a document"))
	}
	role, err := session.ParseRole(msg.Role)
	if err != nil {
		return c.violation(err)
	}

	p := session.Participant{ID: msg.AuthorID, Name: msg.Username, Role: role}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	// Joining again on the same connection is how a replica that fell out of the history window resynchronizes.
	if c.session != nil && (c.session.ID() != msg.DocumentID || c.participant.ID != p.ID) {
		return c.violation(fmt.Errorf("already joined %s as %s", c.session.ID(), c.participant.ID))
	}

	sess, err := c.srv.hub.Open(ctx, msg.DocumentID)
	if err != nil {
		return fmt.Errorf("open %s: %w", msg.DocumentID, err)
	}

	err = c.replyBefore(func() (commons.Message, error) {
		snap, err := sess.Join(p, c)
		if err != nil {
			return commons.Message{}, err
		}
		return commons.Message{Type: commons.SnapshotMessage, DocumentID: sess.ID(), AuthorID: p.ID, Snapshot: &snap}, nil
	})
	if err != nil {
		return c.violation(err)
	}

	c.session = sess
	c.participant = p
	c.logger.WithFields(logrus.Fields{"document": sess.ID(), "participant": p.ID}).Debug("joined")
	return nil
}

func (c *client) handleSubmit(ctx context.Context, msg commons.Message) error {
	if c.session == nil {
		return c.violation(errors.New("submit before join"))
	}

	res, err := c.session.Submit(ctx, commons.Submission{
		DocumentID:   c.session.ID(),
		BaseRevision: msg.Revision,
		Operation:    msg.Operation,
		AuthorID:     c.participant.ID,
		SubmissionID: msg.SubmissionID,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRevisionNotFound):
		c.replyError(commons.RevisionNotFound, err)
		return nil
	case errors.Is(err, session.ErrPermissionDenied):
		c.replyError(commons.PermissionDenied, err)
		return nil
	case errors.Is(err, session.ErrInvalidOperation), errors.Is(err, session.ErrUnknownParticipant):
		return c.violation(err)
	default:
		// Persistence failed. The replica resends after reconnecting.
		return fmt.Errorf("submit: %w", err)
	}

	// Duplicates aren't broadcast, so the sender needs its acknowledgement again.
	if res.Duplicate {
		c.reply(commons.Message{Type: commons.CommitMessage, DocumentID: c.session.ID(), Commit: &res.Commit})
	}
	return nil
}

func (c *client) handlePresence(msg commons.Message) error {
	if c.session == nil {
		return c.violation(errors.New("presence before join"))
	}
	if msg.Presence == nil {
		return c.violation(errors.New("presence message without a presence"))
	}

	p := *msg.Presence
	p.ParticipantID = c.participant.ID
	if _, err := c.session.UpdatePresence(p); err != nil {
		// Presence is ephemeral; the next update replaces it.
		c.logger.WithError(err).Debug("presence dropped")
	}
	return nil
}

func (c *client) handleCatchup(msg commons.Message) error {
	if c.session == nil {
		return c.violation(errors.New("catch-up before join"))
	}

	err := c.replyBefore(func() (commons.Message, error) {
		commits, err := c.session.History(msg.Revision)
		if err != nil {
			return commons.Message{}, err
		}
		return commons.Message{Type: commons.HistoryMessage, DocumentID: c.session.ID(), Revision: msg.Revision, Commits: commits}, nil
	})
	if errors.Is(err, session.ErrRevisionNotFound) {
		c.replyError(commons.RevisionNotFound, err)
		return nil
	}
	return err
}
