// Package session implements the single authority that linearizes concurrent edits to a document.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/ot"
	"github.com/burntcarrot/otpad/store"
	"github.com/sirupsen/logrus"
)

// State is the commit state of a session.
type State int

const (
	StateIdle State = iota
	StateCommitting
)

func (s State) String() string {
	if s == StateCommitting {
		return "committing"
	}
	return "idle"
}

// Config configures a Session.
type Config struct {
	// HistoryLimit is the number of commits kept in memory for rebasing and catch-up. Zero keeps everything.
	HistoryLimit int

	// Store persists every commit before it is acknowledged. Nil disables persistence.
	Store store.HistoryStore

	Logger logrus.FieldLogger

	// Now is the commit clock. Defaults to time.Now.
	Now func() time.Time
}

// CommitResult is the outcome of a submission.
type CommitResult struct {
	// Commit is what was appended to the history, and what replicas must apply.
	Commit commons.Commit

	// Duplicate is set when the submission ID was already committed. Commit is the original commit then,
	// and nothing was broadcast.
	Duplicate bool
}

type member struct {
	participant Participant
	subscriber  Subscriber
}

// Session owns the history of one document and serializes every submission to it.
type Session struct {
	id     string
	cfg    Config
	logger logrus.FieldLogger

	state atomic.Int32

	mu   sync.Mutex
	text string

	// entries are the retained commits. entries[i].Revision == baseRevision+i+1.
	baseRevision int
	entries      []commons.Commit
	submissions  map[string]int // keyed by submissionKey
	members      map[string]member

	presenceMu sync.RWMutex
	presences  map[string]commons.Presence
}

// New creates a session whose revision 0 is text. text must be valid UTF-8.
func New(id, text string, cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Session{
		id:          id,
		cfg:         cfg,
		logger:      cfg.Logger.WithField("document", id),
		text:        text,
		submissions: make(map[string]int),
		members:     make(map[string]member),
		presences:   make(map[string]commons.Presence),
	}
}

// Restore rebuilds a session from a stored history, starting from the empty document.
func Restore(id string, history []commons.Commit, cfg Config) (*Session, error) {
	s := New(id, "", cfg)

	for _, c := range history {
		if c.Revision != s.revision()+1 {
			return nil, fmt.Errorf("restore %s: revision %d follows %d: %w", id, c.Revision, s.revision(), store.ErrOutOfOrder)
		}
		text, err := ot.Apply(s.text, c.Operation)
		if err != nil {
			return nil, fmt.Errorf("restore %s at revision %d: %w", id, c.Revision, err)
		}
		s.text = text
		s.append(c)
	}

	s.logger.WithField("revision", s.revision()).Debug("session restored")
	return s, nil
}

// ID returns the document ID.
func (s *Session) ID() string {
	return s.id
}

// Revision returns the current revision.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision()
}

// Text returns the current document text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// State returns whether a submission is being committed.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) revision() int {
	return s.baseRevision + len(s.entries)
}

// Snapshot returns the current text, revision and presences.
func (s *Session) Snapshot() commons.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() commons.Snapshot {
	return commons.Snapshot{
		DocumentID: s.id,
		Revision:   s.revision(),
		Text:       s.text,
		Presences:  s.Presences(),
	}
}

// Join registers a participant and returns the snapshot its replica starts from.
// Joining again with the same ID replaces the previous subscriber.
func (s *Session) Join(p Participant, sub Subscriber) (commons.Snapshot, error) {
	if p.ID == "" {
		return commons.Snapshot{}, fmt.Errorf("%w: empty participant ID", ErrUnknownParticipant)
	}
	role, err := ParseRole(string(p.Role))
	if err != nil {
		return commons.Snapshot{}, err
	}
	p.Role = role

	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[p.ID] = member{participant: p, subscriber: sub}
	snap := s.snapshot()
	if !p.CanObservePresence() {
		snap.Presences = nil
	}

	s.logger.WithFields(logrus.Fields{"participant": p.ID, "role": p.Role, "revision": snap.Revision}).Info("participant joined")
	return snap, nil
}

// Leave removes a participant and tells the others its cursor is gone.
func (s *Session) Leave(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[participantID]; !ok {
		return
	}
	s.remove(participantID)
}

// Detach removes a participant only if sub is still its subscriber. A connection closing after its
// participant rejoined elsewhere leaves the new membership alone. sub must be comparable.
func (s *Session) Detach(participantID string, sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[participantID]
	if !ok || m.subscriber != sub {
		return false
	}
	s.remove(participantID)
	return true
}

func (s *Session) remove(participantID string) {
	delete(s.members, participantID)

	s.presenceMu.Lock()
	delete(s.presences, participantID)
	s.presenceMu.Unlock()

	s.broadcastPresence(participantID, commons.Message{
		Type:       commons.LeaveMessage,
		DocumentID: s.id,
		AuthorID:   participantID,
		Presence:   &commons.Presence{ParticipantID: participantID, Revision: s.revision()},
	})
	s.logger.WithField("participant", participantID).Info("participant left")
}

// Members returns the participants currently joined.
func (s *Session) Members() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.participant)
	}
	return out
}

// Submit commits an operation based on sub.BaseRevision. An operation based on an older revision is
// transformed against every commit since, in order. The commit is broadcast to every member,
// the author included, before Submit returns.
func (s *Session) Submit(ctx context.Context, sub commons.Submission) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(StateCommitting))
	defer s.state.Store(int32(StateIdle))

	logger := s.logger.WithFields(logrus.Fields{"author": sub.AuthorID, "base": sub.BaseRevision})

	m, ok := s.members[sub.AuthorID]
	if !ok {
		return CommitResult{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, sub.AuthorID)
	}
	if !m.participant.CanSubmitOperation() {
		return CommitResult{}, fmt.Errorf("%w: %s can't edit %s", ErrPermissionDenied, sub.AuthorID, s.id)
	}

	if rev, ok := s.submissions[submissionKey(sub.AuthorID, sub.SubmissionID)]; ok && sub.SubmissionID != "" {
		logger.WithField("revision", rev).Debug("duplicate submission")
		return CommitResult{Commit: s.entries[rev-s.baseRevision-1], Duplicate: true}, nil
	}

	current := s.revision()
	if sub.BaseRevision < s.baseRevision || sub.BaseRevision > current {
		logger.WithField("revision", current).Warn("submission based on unknown revision")
		return CommitResult{}, fmt.Errorf("%w: base %d, retained %d..%d", ErrRevisionNotFound, sub.BaseRevision, s.baseRevision, current)
	}
	if sub.Operation == nil {
		return CommitResult{}, fmt.Errorf("%w: missing operation", ErrInvalidOperation)
	}
	if err := sub.Operation.Validate(); err != nil {
		return CommitResult{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	op := sub.Operation
	for _, c := range s.entries[sub.BaseRevision-s.baseRevision:] {
		var err error
		op, _, err = ot.TransformPriority(op, c.Operation, ot.AuthorFirst(sub.AuthorID, c.AuthorID))
		if err != nil {
			return CommitResult{}, fmt.Errorf("%w: rebase onto revision %d: %v", ErrInvalidOperation, c.Revision, err)
		}
	}

	text, err := ot.Apply(s.text, op)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	commit := commons.Commit{
		Revision:     current + 1,
		Operation:    op,
		AuthorID:     sub.AuthorID,
		SubmissionID: sub.SubmissionID,
		Timestamp:    s.cfg.Now(),
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Append(ctx, s.id, commit); err != nil {
			return CommitResult{}, fmt.Errorf("persist revision %d: %w", commit.Revision, err)
		}
	}

	s.text = text
	s.append(commit)
	s.advancePresences(op, commit.Revision)

	s.broadcast(commons.Message{Type: commons.CommitMessage, DocumentID: s.id, Commit: &commit})

	logger.WithFields(logrus.Fields{"revision": commit.Revision, "rebased": current - sub.BaseRevision}).Debug("operation committed")
	return CommitResult{Commit: commit}, nil
}

// append adds a commit to the retained history, dropping the oldest entries past the history limit.
func (s *Session) append(c commons.Commit) {
	s.entries = append(s.entries, c)
	if c.SubmissionID != "" {
		s.submissions[submissionKey(c.AuthorID, c.SubmissionID)] = c.Revision
	}

	limit := s.cfg.HistoryLimit
	if limit <= 0 || len(s.entries) <= limit {
		return
	}

	drop := len(s.entries) - limit
	for _, old := range s.entries[:drop] {
		delete(s.submissions, submissionKey(old.AuthorID, old.SubmissionID))
	}
	s.entries = append([]commons.Commit(nil), s.entries[drop:]...)
	s.baseRevision += drop
}

// submissionKey scopes submission IDs to their author.
func submissionKey(authorID, submissionID string) string {
	return authorID + "\x00" + submissionID
}

// History returns the commits after revision since, for replicas catching up.
func (s *Session) History(since int) ([]commons.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since < s.baseRevision || since > s.revision() {
		return nil, fmt.Errorf("%w: since %d, retained %d..%d", ErrRevisionNotFound, since, s.baseRevision, s.revision())
	}

	entries := s.entries[since-s.baseRevision:]
	out := make([]commons.Commit, len(entries))
	copy(out, entries)
	return out, nil
}

// UpdatePresence moves a presence recorded at p.Revision to the current revision, stores it and
// broadcasts it to the other participants that observe presence.
func (s *Session) UpdatePresence(p commons.Presence) (commons.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[p.ParticipantID]; !ok {
		return commons.Presence{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, p.ParticipantID)
	}
	if p.Revision < s.baseRevision || p.Revision > s.revision() {
		return commons.Presence{}, fmt.Errorf("%w: presence at %d, retained %d..%d", ErrRevisionNotFound, p.Revision, s.baseRevision, s.revision())
	}

	for _, c := range s.entries[p.Revision-s.baseRevision:] {
		p = p.Transform(c.Operation)
	}
	p.Revision = s.revision()
	p.Position = clamp(p.Position, s.text)
	p.SelectionAnchor = clamp(p.SelectionAnchor, s.text)

	s.presenceMu.Lock()
	s.presences[p.ParticipantID] = p
	s.presenceMu.Unlock()

	s.broadcastPresence(p.ParticipantID, commons.Message{
		Type:       commons.PresenceMessage,
		DocumentID: s.id,
		AuthorID:   p.ParticipantID,
		Presence:   &p,
	})
	return p, nil
}

// Presences returns the stored presences. It never waits for a submission in progress.
func (s *Session) Presences() []commons.Presence {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()

	out := make([]commons.Presence, 0, len(s.presences))
	for _, p := range s.presences {
		out = append(out, p)
	}
	return out
}

func (s *Session) advancePresences(op *ot.Operation, revision int) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	for id, p := range s.presences {
		p = p.Transform(op)
		p.Revision = revision
		s.presences[id] = p
	}
}

func (s *Session) broadcast(msg commons.Message) {
	for _, m := range s.members {
		if m.subscriber != nil {
			m.subscriber.Deliver(msg)
		}
	}
}

func (s *Session) broadcastPresence(author string, msg commons.Message) {
	for id, m := range s.members {
		if id == author || m.subscriber == nil || !m.participant.CanObservePresence() {
			continue
		}
		m.subscriber.Deliver(msg)
	}
}

func clamp(pos int, text string) int {
	if pos < 0 {
		return 0
	}
	if n := utf8.RuneCountInString(text); pos > n {
		return n
	}
	return pos
}
