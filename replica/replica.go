// Package replica implements a participant's local copy of a document: edits apply optimistically and are
// reconciled with the session's commits as they arrive.
package replica

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/ot"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRevisionGap is returned when a commit doesn't directly follow the replica's revision.
	// The caller should request a catch-up from the replica's revision.
	ErrRevisionGap = errors.New("commit does not follow the acknowledged revision")

	// ErrInvalidCommit is returned when a commit can't be reconciled with the local state.
	ErrInvalidCommit = errors.New("commit can't be applied to the replica")
)

// DefaultTimeout is how long a submission may wait for its acknowledgement.
const DefaultTimeout = 10 * time.Second

// State is the connection state of a replica.
type State int

const (
	// StateSynchronized means nothing is in flight.
	StateSynchronized State = iota

	// StateAwaitingAck means a submission is in flight.
	StateAwaitingAck

	// StateReconnecting means the session is unreachable. Local edits keep buffering.
	StateReconnecting

	// StateCatchingUp means commits missed while disconnected are being applied.
	StateCatchingUp
)

func (s State) String() string {
	switch s {
	case StateSynchronized:
		return "synchronized"
	case StateAwaitingAck:
		return "awaiting ack"
	case StateReconnecting:
		return "reconnecting"
	case StateCatchingUp:
		return "catching up"
	}
	return "unknown"
}

// Submitter sends a submission to the document session.
type Submitter interface {
	Submit(sub commons.Submission) error
}

// SubmitterFunc adapts a function to a Submitter.
type SubmitterFunc func(sub commons.Submission) error

func (f SubmitterFunc) Submit(sub commons.Submission) error { return f(sub) }

// Config configures a Replica.
type Config struct {
	AuthorID string

	// Timeout is how long a submission may wait for its acknowledgement. Defaults to DefaultTimeout.
	Timeout time.Duration

	Logger logrus.FieldLogger

	// OnRemoteEdit, when set, receives every remote operation as applied to the visible text.
	OnRemoteEdit func(op *ot.Operation)

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

type inflight struct {
	op           *ot.Operation
	submissionID string
	sentAt       time.Time
}

// Replica is a participant's copy of a document.
// It is not safe for concurrent use; the client drives it from a single event loop.
type Replica struct {
	cfg        Config
	documentID string
	submitter  Submitter
	logger     logrus.FieldLogger

	revision int
	text     string
	state    State

	// inflight is the submission awaiting acknowledgement, buffer the edits made since it was sent.
	inflight *inflight
	buffer   *ot.Operation

	presences map[string]commons.Presence
}

// New creates a replica starting from a snapshot.
func New(cfg Config, snap commons.Snapshot, submitter Submitter) *Replica {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	r := &Replica{
		cfg:        cfg,
		documentID: snap.DocumentID,
		submitter:  submitter,
		logger:     cfg.Logger.WithFields(logrus.Fields{"document": snap.DocumentID, "author": cfg.AuthorID}),
	}
	r.reset(snap)
	return r
}

func (r *Replica) reset(snap commons.Snapshot) {
	r.revision = snap.Revision
	r.text = snap.Text
	r.state = StateSynchronized
	r.inflight = nil
	r.buffer = nil

	r.presences = make(map[string]commons.Presence)
	for _, p := range snap.Presences {
		if p.ParticipantID != r.cfg.AuthorID {
			r.presences[p.ParticipantID] = p
		}
	}
}

// Text returns the visible text, including edits not yet acknowledged.
func (r *Replica) Text() string { return r.text }

// Revision returns the last acknowledged revision.
func (r *Replica) Revision() int { return r.revision }

func (r *Replica) State() State { return r.state }

func (r *Replica) AuthorID() string { return r.cfg.AuthorID }

func (r *Replica) DocumentID() string { return r.documentID }

// HasPending reports whether some local edits are not acknowledged yet.
func (r *Replica) HasPending() bool {
	return r.inflight != nil || r.buffer != nil
}

// ApplyLocalEdit applies op to the visible text and adds it to the local buffer. It never blocks on the network.
func (r *Replica) ApplyLocalEdit(op *ot.Operation) error {
	text, err := ot.Apply(r.text, op)
	if err != nil {
		return fmt.Errorf("local edit: %w", err)
	}

	buffer := op
	if r.buffer != nil {
		if buffer, err = ot.Compose(r.buffer, op); err != nil {
			return fmt.Errorf("local edit: %w", err)
		}
	}

	r.text = text
	r.buffer = buffer
	r.transformPresences(op)
	return nil
}

// SendPending submits the local buffer unless a submission is already in flight or the session is unreachable.
func (r *Replica) SendPending() error {
	if r.buffer == nil || r.inflight != nil {
		return nil
	}
	if r.state == StateReconnecting || r.state == StateCatchingUp {
		return nil
	}

	r.inflight = &inflight{op: r.buffer, submissionID: r.cfg.NewID()}
	r.buffer = nil
	return r.send()
}

func (r *Replica) send() error {
	r.inflight.sentAt = r.cfg.Now()
	r.state = StateAwaitingAck

	err := r.submitter.Submit(commons.Submission{
		DocumentID:   r.documentID,
		BaseRevision: r.revision,
		Operation:    r.inflight.op,
		AuthorID:     r.cfg.AuthorID,
		SubmissionID: r.inflight.submissionID,
	})
	if err != nil {
		r.state = StateReconnecting
		r.logger.WithError(err).Warn("submission failed, reconnecting")
		return fmt.Errorf("submit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{"base": r.revision, "submission": r.inflight.submissionID}).Debug("submission sent")
	return nil
}

func (r *Replica) isAck(c commons.Commit) bool {
	if r.inflight == nil || c.AuthorID != r.cfg.AuthorID {
		return false
	}
	return c.SubmissionID == "" || c.SubmissionID == r.inflight.submissionID
}

// OnRemoteCommit reconciles a commit broadcast by the session. Commits at or below the acknowledged revision
// are ignored, so redelivery is harmless.
func (r *Replica) OnRemoteCommit(c commons.Commit) error {
	if c.Revision <= r.revision {
		return nil
	}
	if c.Revision != r.revision+1 {
		return fmt.Errorf("%w: got %d, at %d", ErrRevisionGap, c.Revision, r.revision)
	}

	if r.isAck(c) {
		r.revision = c.Revision
		r.inflight = nil
		r.logger.WithField("revision", c.Revision).Debug("submission acknowledged")

		if r.state == StateAwaitingAck {
			r.state = StateSynchronized
			return r.SendPending()
		}
		return nil
	}

	if c.Operation == nil {
		return fmt.Errorf("%w: revision %d has no operation", ErrInvalidCommit, c.Revision)
	}

	// Bring the remote operation over the in-flight submission and then the buffer. Each transform also
	// moves the local operation past the remote one.
	op := c.Operation
	first := ot.AuthorFirst(r.cfg.AuthorID, c.AuthorID)

	var pendingOp, buffer *ot.Operation
	var err error
	if r.inflight != nil {
		if pendingOp, op, err = ot.TransformPriority(r.inflight.op, op, first); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommit, err)
		}
	}
	if r.buffer != nil {
		if buffer, op, err = ot.TransformPriority(r.buffer, op, first); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommit, err)
		}
	}

	text, err := ot.Apply(r.text, op)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommit, err)
	}

	r.text = text
	if r.inflight != nil {
		r.inflight.op = pendingOp
	}
	r.buffer = buffer
	r.revision = c.Revision
	r.transformPresences(op)
	if r.cfg.OnRemoteEdit != nil {
		r.cfg.OnRemoteEdit(op)
	}

	r.logger.WithFields(logrus.Fields{"revision": c.Revision, "from": c.AuthorID}).Debug("remote commit applied")
	return nil
}

// CheckTimeout moves the replica to StateReconnecting when the in-flight submission has waited longer than the timeout.
func (r *Replica) CheckTimeout(now time.Time) bool {
	if r.state != StateAwaitingAck || r.inflight == nil {
		return false
	}
	if now.Sub(r.inflight.sentAt) <= r.cfg.Timeout {
		return false
	}

	r.state = StateReconnecting
	r.logger.WithField("submission", r.inflight.submissionID).Warn("acknowledgement timed out")
	return true
}

// Disconnected marks the session as unreachable.
func (r *Replica) Disconnected() {
	r.state = StateReconnecting
}

// Reconnect switches to a new submitter and starts catching up. It returns the revision the catch-up
// must start after. Unacknowledged edits are kept and replayed by FinishCatchup.
func (r *Replica) Reconnect(submitter Submitter) int {
	r.submitter = submitter
	r.state = StateCatchingUp
	return r.revision
}

// FinishCatchup ends a catch-up. A submission still in flight is resent with its original submission ID,
// so the session commits it at most once.
func (r *Replica) FinishCatchup() error {
	r.state = StateSynchronized
	if r.inflight != nil {
		r.logger.WithField("submission", r.inflight.submissionID).Info("resending unacknowledged submission")
		return r.send()
	}
	return r.SendPending()
}

// Resync replaces the replica's state with a fresh snapshot. It is the fallback when the session can no
// longer rebase from the replica's revision, and reports whether unacknowledged edits were dropped.
func (r *Replica) Resync(snap commons.Snapshot) bool {
	dropped := r.HasPending()
	if dropped {
		r.logger.WithField("revision", snap.Revision).Warn("resynchronizing, dropping unacknowledged edits")
	}
	r.documentID = snap.DocumentID
	r.reset(snap)
	return dropped
}

// OnPresence records another participant's presence. Only presences at the acknowledged revision can be placed
// on the visible text; others are dropped and reported as false.
func (r *Replica) OnPresence(p commons.Presence) bool {
	if p.ParticipantID == r.cfg.AuthorID || p.Revision != r.revision {
		return false
	}

	if r.inflight != nil {
		p = p.Transform(r.inflight.op)
	}
	if r.buffer != nil {
		p = p.Transform(r.buffer)
	}
	r.presences[p.ParticipantID] = p
	return true
}

// RemovePresence forgets a participant's cursor.
func (r *Replica) RemovePresence(participantID string) {
	delete(r.presences, participantID)
}

// Presences returns the other participants' cursors in visible-text coordinates, sorted by participant.
func (r *Replica) Presences() []commons.Presence {
	out := make([]commons.Presence, 0, len(r.presences))
	for _, p := range r.presences {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// LocalPresence builds the presence record for the local cursor. Positions are only meaningful to the session
// when no local edits are pending, so it reports false otherwise.
func (r *Replica) LocalPresence(position, anchor int) (commons.Presence, bool) {
	if r.HasPending() {
		return commons.Presence{}, false
	}
	return commons.Presence{
		ParticipantID:   r.cfg.AuthorID,
		Position:        position,
		SelectionAnchor: anchor,
		Revision:        r.revision,
	}, true
}

func (r *Replica) transformPresences(op *ot.Operation) {
	for id, p := range r.presences {
		r.presences[id] = p.Transform(op)
	}
}
