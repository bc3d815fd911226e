package session

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/ot"
	"github.com/burntcarrot/otpad/store"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type recorder struct {
	mu   sync.Mutex
	msgs []commons.Message
}

func (r *recorder) Deliver(msg commons.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages(t commons.MessageType) []commons.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []commons.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	return Config{
		Logger: quietLogger(),
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

// newTestSession returns a session on text with editors client-1 and client-2 joined.
func newTestSession(t *testing.T, text string, cfg Config) (*Session, *recorder) {
	t.Helper()

	s := New("doc", text, cfg)
	rec := &recorder{}
	for _, id := range []string{"client-1", "client-2"} {
		if _, err := s.Join(Participant{ID: id, Role: RoleEditor}, rec); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	return s, rec
}

func submit(t *testing.T, s *Session, author string, base int, op *ot.Operation) commons.Commit {
	t.Helper()

	res, err := s.Submit(context.Background(), commons.Submission{
		DocumentID:   s.ID(),
		BaseRevision: base,
		Operation:    op,
		AuthorID:     author,
	})
	if err != nil {
		t.Fatalf("submit by %s at %d: %v", author, base, err)
	}
	return res.Commit
}

func TestSubmit_SimpleConcurrentInsert(t *testing.T) {
	s, _ := newTestSession(t, "abc", testConfig())

	c1 := submit(t, s, "client-1", 0, ot.New().Retain(1).Insert("X").Retain(2))
	if c1.Revision != 1 || s.Text() != "aXbc" {
		t.Fatalf("got (%d, %q), expected (1, %q)", c1.Revision, s.Text(), "aXbc")
	}

	c2 := submit(t, s, "client-2", 0, ot.New().Retain(2).Insert("Y").Retain(1))
	if c2.Revision != 2 || s.Text() != "aXbYc" {
		t.Fatalf("got (%d, %q), expected (2, %q)", c2.Revision, s.Text(), "aXbYc")
	}

	want := ot.New().Retain(3).Insert("Y").Retain(1)
	if !cmp.Equal(c2.Operation, want) {
		t.Errorf("committed operation diff = %v", cmp.Diff(c2.Operation.String(), want.String()))
	}
}

func TestSubmit_TiedInsertIsOrderIndependent(t *testing.T) {
	x := ot.New().Retain(1).Insert("X").Retain(2)
	y := ot.New().Retain(1).Insert("Y").Retain(2)

	tests := []struct {
		description string
		order       []string
	}{
		{description: "client-1 first", order: []string{"client-1", "client-2"}},
		{description: "client-2 first", order: []string{"client-2", "client-1"}},
	}

	for _, tc := range tests {
		s, _ := newTestSession(t, "abc", testConfig())
		for _, author := range tc.order {
			op := x
			if author == "client-2" {
				op = y
			}
			submit(t, s, author, 0, op)
		}

		if got := s.Text(); got != "aXYbc" {
			t.Errorf("(%s) got = %q, expected = %q\n", tc.description, got, "aXYbc")
		}
	}
}

func TestSubmit_InsertInsideConcurrentDelete(t *testing.T) {
	s, _ := newTestSession(t, "hello world", testConfig())

	submit(t, s, "client-1", 0, ot.New().Delete(6).Retain(5))
	if s.Text() != "world" {
		t.Fatalf("got = %q, expected = %q", s.Text(), "world")
	}

	c := submit(t, s, "client-2", 0, ot.New().Retain(2).Insert("X").Retain(9))
	if c.Revision != 2 || s.Text() != "Xworld" {
		t.Errorf("got (%d, %q), expected (2, %q)", c.Revision, s.Text(), "Xworld")
	}
}

func TestSubmit_RebaseAfterFallingBehind(t *testing.T) {
	s, _ := newTestSession(t, "", testConfig())

	texts := []string{""}
	for i := 0; i < 9; i++ {
		n := utf8.RuneCountInString(s.Text())
		submit(t, s, "client-1", i, ot.New().Retain(n).Insert(string(rune('a'+i))))
		texts = append(texts, s.Text())
	}
	if s.Revision() != 9 {
		t.Fatalf("revision = %d, expected 9", s.Revision())
	}

	// client-2 last saw revision 5 ("abcde") and inserts between "b" and "c".
	op := ot.New().Retain(2).Insert("Z").Retain(3)

	want := op
	history, err := s.History(5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 || history[0].Revision != 6 || history[3].Revision != 9 {
		t.Fatalf("unexpected history: %+v", history)
	}
	for _, c := range history {
		want, _, err = ot.TransformPriority(want, c.Operation, ot.AuthorFirst("client-2", c.AuthorID))
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
	}

	c := submit(t, s, "client-2", 5, op)
	if c.Revision != 10 {
		t.Errorf("revision = %d, expected 10", c.Revision)
	}
	if !cmp.Equal(c.Operation, want) {
		t.Errorf("committed operation diff = %v", cmp.Diff(c.Operation.String(), want.String()))
	}
	if got := s.Text(); got != "abZcdefghi" {
		t.Errorf("got = %q, expected = %q", got, "abZcdefghi")
	}
}

func TestSubmit_RevisionNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 2
	s, _ := newTestSession(t, "", cfg)

	for i := 0; i < 4; i++ {
		submit(t, s, "client-1", i, ot.New().Retain(i).Insert("a"))
	}

	tests := []struct {
		description string
		base        int
	}{
		{description: "negative", base: -1},
		{description: "future", base: 5},
		{description: "truncated", base: 1},
	}

	for _, tc := range tests {
		_, err := s.Submit(context.Background(), commons.Submission{
			BaseRevision: tc.base,
			Operation:    ot.New().Retain(tc.base).Insert("z"),
			AuthorID:     "client-2",
		})
		if !errors.Is(err, ErrRevisionNotFound) {
			t.Errorf("(%s) expected ErrRevisionNotFound, got %v\n", tc.description, err)
		}
	}

	// The oldest retained base still rebases.
	c := submit(t, s, "client-2", 2, ot.New().Retain(2).Insert("z"))
	if c.Revision != 5 {
		t.Errorf("revision = %d, expected 5", c.Revision)
	}

	if _, err := s.History(1); !errors.Is(err, ErrRevisionNotFound) {
		t.Errorf("expected ErrRevisionNotFound for truncated history, got %v", err)
	}
}

func TestSubmit_Permissions(t *testing.T) {
	s, _ := newTestSession(t, "abc", testConfig())
	if _, err := s.Join(Participant{ID: "viewer", Role: RoleViewer}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	_, err := s.Submit(context.Background(), commons.Submission{Operation: ot.New().Retain(3), AuthorID: "viewer"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}

	_, err = s.Submit(context.Background(), commons.Submission{Operation: ot.New().Retain(3), AuthorID: "stranger"})
	if !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}

	if _, err := s.Join(Participant{ID: "x", Role: "admin"}, nil); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestJoin_EmptyRoleIsEditor(t *testing.T) {
	s := New("doc", "abc", testConfig())
	if _, err := s.Join(Participant{ID: "x"}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	if diff := cmp.Diff(s.Members(), []Participant{{ID: "x", Role: RoleEditor}}); diff != "" {
		t.Errorf("members diff = %v", diff)
	}
	submit(t, s, "x", 0, ot.New().Retain(3).Insert("!"))
	if s.Text() != "abc!" {
		t.Errorf("got %q, expected %q", s.Text(), "abc!")
	}
}

func TestSubmit_InvalidOperationLeavesStateUntouched(t *testing.T) {
	s, rec := newTestSession(t, "abc", testConfig())

	_, err := s.Submit(context.Background(), commons.Submission{Operation: ot.New().Retain(7), AuthorID: "client-1"})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
	if s.Revision() != 0 || s.Text() != "abc" || len(rec.messages(commons.CommitMessage)) != 0 {
		t.Errorf("session changed after a rejected submission")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, expected idle", s.State())
	}
}

func TestSubmit_OverflowingOperation(t *testing.T) {
	s, rec := newTestSession(t, "abc", testConfig())

	// The lengths wrap around so that the base length looks like 3.
	op := ot.New().Retain(math.MaxInt).Insert("x").Retain(math.MaxInt).Retain(5)
	_, err := s.Submit(context.Background(), commons.Submission{Operation: op, AuthorID: "client-1"})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
	if s.Revision() != 0 || s.Text() != "abc" || len(rec.messages(commons.CommitMessage)) != 0 {
		t.Errorf("session changed after a rejected submission")
	}
}

func TestSubmit_DuplicateSubmission(t *testing.T) {
	s, rec := newTestSession(t, "abc", testConfig())

	sub := commons.Submission{
		BaseRevision: 0,
		Operation:    ot.New().Retain(3).Insert("!"),
		AuthorID:     "client-1",
		SubmissionID: "sub-1",
	}
	first, err := s.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := s.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	if !again.Duplicate || again.Commit.Revision != first.Commit.Revision {
		t.Errorf("got %+v, expected a duplicate of revision %d", again, first.Commit.Revision)
	}
	if s.Text() != "abc!" || s.Revision() != 1 {
		t.Errorf("got (%d, %q), expected (1, %q)", s.Revision(), s.Text(), "abc!")
	}
	// Two subscribers joined on the same recorder, one broadcast.
	if n := len(rec.messages(commons.CommitMessage)); n != 2 {
		t.Errorf("broadcasts = %d, expected 2", n)
	}
}

func TestSubmit_SubmissionIDsAreScopedToAuthor(t *testing.T) {
	s, _ := newTestSession(t, "abc", testConfig())

	first, err := s.Submit(context.Background(), commons.Submission{
		Operation:    ot.New().Insert("A").Retain(3),
		AuthorID:     "client-1",
		SubmissionID: "same",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := s.Submit(context.Background(), commons.Submission{
		Operation:    ot.New().Retain(3).Insert("B"),
		AuthorID:     "client-2",
		SubmissionID: "same",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if second.Duplicate || second.Commit.AuthorID != "client-2" || second.Commit.Revision != first.Commit.Revision+1 {
		t.Errorf("got %+v, expected a new commit by client-2", second)
	}
	if s.Text() != "AabcB" {
		t.Errorf("got %q, expected %q", s.Text(), "AabcB")
	}
}

type failingStore struct {
	store.HistoryStore
}

func (failingStore) Append(context.Context, string, commons.Commit) error {
	return errors.New("disk full")
}

func TestSubmit_StoreFailureIsAtomic(t *testing.T) {
	cfg := testConfig()
	cfg.Store = failingStore{store.NewMemoryStore()}
	s, rec := newTestSession(t, "abc", cfg)

	_, err := s.Submit(context.Background(), commons.Submission{Operation: ot.New().Insert("x").Retain(3), AuthorID: "client-1"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if s.Revision() != 0 || s.Text() != "abc" || len(rec.messages(commons.CommitMessage)) != 0 {
		t.Errorf("session changed after a failed persist")
	}
}

func TestSubmit_RevisionsAreGapless(t *testing.T) {
	s := New("doc", "", testConfig())
	rec := &recorder{}
	if _, err := s.Join(Participant{ID: "observer", Role: RoleViewer}, rec); err != nil {
		t.Fatalf("join: %v", err)
	}

	const writers, edits = 4, 50
	for w := 0; w < writers; w++ {
		if _, err := s.Join(Participant{ID: string(rune('a' + w)), Role: RoleEditor}, nil); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(author string, seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))

			for i := 0; i < edits; i++ {
				snap := s.Snapshot()
				n := utf8.RuneCountInString(snap.Text)
				pos := r.Intn(n + 1)
				op := ot.New().Retain(pos).Insert(author).Retain(n - pos)

				if _, err := s.Submit(context.Background(), commons.Submission{BaseRevision: snap.Revision, Operation: op, AuthorID: author}); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}(string(rune('a'+w)), int64(w))
	}
	wg.Wait()

	commits := rec.messages(commons.CommitMessage)
	if len(commits) != writers*edits {
		t.Fatalf("commits = %d, expected %d", len(commits), writers*edits)
	}

	text := ""
	for i, m := range commits {
		if m.Commit.Revision != i+1 {
			t.Fatalf("commit %d has revision %d", i, m.Commit.Revision)
		}
		var err error
		if text, err = ot.Apply(text, m.Commit.Operation); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if text != s.Text() {
		t.Errorf("replayed text %q differs from session text %q", text, s.Text())
	}
}

func TestUpdatePresence(t *testing.T) {
	s, _ := newTestSession(t, "abc", testConfig())

	editor := &recorder{}
	agent := &recorder{}
	if _, err := s.Join(Participant{ID: "client-3", Role: RoleEditor}, editor); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.Join(Participant{ID: "bot", Role: RoleAgent}, agent); err != nil {
		t.Fatalf("join: %v", err)
	}

	submit(t, s, "client-2", 0, ot.New().Insert("XY").Retain(3))

	// client-1 reports a cursor after "b" as seen at revision 0.
	got, err := s.UpdatePresence(commons.Presence{ParticipantID: "client-1", Position: 2, SelectionAnchor: 0, Revision: 0})
	if err != nil {
		t.Fatalf("update presence: %v", err)
	}
	want := commons.Presence{ParticipantID: "client-1", Position: 4, SelectionAnchor: 2, Revision: 1}
	if !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v", cmp.Diff(got, want))
	}

	if n := len(editor.messages(commons.PresenceMessage)); n != 1 {
		t.Errorf("editor presence messages = %d, expected 1", n)
	}
	if n := len(agent.messages(commons.PresenceMessage)); n != 0 {
		t.Errorf("agent presence messages = %d, expected 0", n)
	}

	// Stored presences follow later commits.
	submit(t, s, "client-2", 1, ot.New().Delete(1).Retain(4))
	presences := s.Presences()
	if len(presences) != 1 || presences[0].Position != 3 || presences[0].Revision != 2 {
		t.Errorf("unexpected presences %+v", presences)
	}

	if _, err := s.UpdatePresence(commons.Presence{ParticipantID: "client-1", Revision: 7}); !errors.Is(err, ErrRevisionNotFound) {
		t.Errorf("expected ErrRevisionNotFound, got %v", err)
	}
}

func TestLeave(t *testing.T) {
	s, _ := newTestSession(t, "abc", testConfig())
	watcher := &recorder{}
	if _, err := s.Join(Participant{ID: "client-3", Role: RoleViewer}, watcher); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.UpdatePresence(commons.Presence{ParticipantID: "client-1", Position: 1, Revision: 0}); err != nil {
		t.Fatalf("update presence: %v", err)
	}

	s.Leave("client-1")

	if len(s.Presences()) != 0 {
		t.Errorf("presence should be removed on leave")
	}
	leaves := watcher.messages(commons.LeaveMessage)
	if len(leaves) != 1 || leaves[0].AuthorID != "client-1" {
		t.Errorf("unexpected leave messages %+v", leaves)
	}
	if len(s.Members()) != 2 {
		t.Errorf("members = %d, expected 2", len(s.Members()))
	}
}

func TestDetach_KeepsNewerMembership(t *testing.T) {
	s := New("doc", "abc", testConfig())
	oldConn, newConn := &recorder{}, &recorder{}

	if _, err := s.Join(Participant{ID: "client-1", Role: RoleEditor}, oldConn); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.Join(Participant{ID: "client-1", Role: RoleEditor}, newConn); err != nil {
		t.Fatalf("join: %v", err)
	}

	if s.Detach("client-1", oldConn) {
		t.Errorf("stale subscriber should not detach the participant")
	}
	if len(s.Members()) != 1 {
		t.Fatalf("members = %d, expected 1", len(s.Members()))
	}
	if !s.Detach("client-1", newConn) {
		t.Errorf("current subscriber should detach the participant")
	}
	if len(s.Members()) != 0 {
		t.Errorf("members = %d, expected 0", len(s.Members()))
	}
}

func TestHub_OpenRestoresFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	hub := NewHub(st, testConfig())

	s, err := hub.Open(context.Background(), "notes")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Join(Participant{ID: "client-1", Role: RoleEditor}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	submit(t, s, "client-1", 0, ot.New().Insert("hello"))
	submit(t, s, "client-1", 1, ot.New().Retain(5).Insert(" world"))

	again, err := hub.Open(context.Background(), "notes")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if again != s {
		t.Errorf("expected the open session to be reused")
	}

	// A fresh hub on the same store replays the history.
	restored, err := NewHub(st, testConfig()).Open(context.Background(), "notes")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if restored.Revision() != 2 || restored.Text() != "hello world" {
		t.Errorf("got (%d, %q), expected (2, %q)", restored.Revision(), restored.Text(), "hello world")
	}

	if diff := cmp.Diff(hub.Documents(), []string{"notes"}); diff != "" {
		t.Errorf("documents diff = %v", diff)
	}
}

// slowStore blocks loading "slow" until release is closed.
type slowStore struct {
	store.HistoryStore

	loads   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (s *slowStore) Load(ctx context.Context, documentID string) ([]commons.Commit, error) {
	if documentID == "slow" {
		s.loads.Add(1)
		select {
		case s.started <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.HistoryStore.Load(ctx, documentID)
}

func TestHub_OpenDoesNotBlockOtherDocuments(t *testing.T) {
	st := &slowStore{
		HistoryStore: store.NewMemoryStore(),
		started:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	hub := NewHub(st, testConfig())

	type result struct {
		s   *Session
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := hub.Open(context.Background(), "slow")
			results <- result{s, err}
		}()
	}
	<-st.started

	opened := make(chan error, 1)
	go func() {
		_, err := hub.Open(context.Background(), "fast")
		opened <- err
	}()
	select {
	case err := <-opened:
		if err != nil {
			t.Fatalf("open: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("opening another document waited for the slow one")
	}

	// A caller that gives up doesn't wait for the restore.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := hub.Open(ctx, "slow"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(st.release)
	first, second := <-results, <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("open: %v, %v", first.err, second.err)
	}
	if first.s == nil || first.s != second.s {
		t.Errorf("expected both callers to get the same session")
	}
	if n := st.loads.Load(); n != 1 {
		t.Errorf("loads = %d, expected 1", n)
	}
	if diff := cmp.Diff(hub.Documents(), []string{"fast", "slow"}); diff != "" {
		t.Errorf("documents diff = %v", diff)
	}
}
