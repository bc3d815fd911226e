package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/ot"
	"github.com/burntcarrot/otpad/replica"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

var (
	errNotConnected = errors.New("not connected")
	errGaveUp       = errors.New("server unreachable, giving up")
)

// wsSubmitter sends submissions over a websocket connection.
type wsSubmitter struct {
	conn *websocket.Conn
}

func (s wsSubmitter) Submit(sub commons.Submission) error {
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(commons.Message{
		Type:         commons.SubmitMessage,
		DocumentID:   sub.DocumentID,
		AuthorID:     sub.AuthorID,
		Revision:     sub.BaseRevision,
		SubmissionID: sub.SubmissionID,
		Operation:    sub.Operation,
	})
}

func (m *model) write(msg commons.Message) error {
	if m.conn == nil {
		return errNotConnected
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteJSON(msg)
}

// join sends a join request. The snapshot answering it is handled according to kind.
func (m *model) join(kind joinKind) error {
	m.joining = kind
	return m.write(commons.Message{
		Type:       commons.JoinMessage,
		DocumentID: flags.Document,
		AuthorID:   m.authorID,
		Username:   m.username,
		Role:       string(m.role),
	})
}

// disconnect drops the current connection. The reader goroutine reports it, which starts a reconnect.
func (m *model) disconnect() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.replica != nil {
		m.replica.Disconnected()
	}
}

// sendLeave tells the server the participant is done, best effort.
func (m *model) sendLeave() {
	if m.conn == nil {
		return
	}
	_ = m.write(commons.Message{Type: commons.LeaveMessage, DocumentID: flags.Document, AuthorID: m.authorID})
	m.conn.Close()
	m.conn = nil
}

// handleKey handles key input by updating the editor and the local replica.
func (m *model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {

	// The default keys for exiting a session are Esc and Ctrl+C.
	case tea.KeyEsc, tea.KeyCtrlC:
		m.sendLeave()
		return tea.Quit

	// The default key for saving the editor's contents is Ctrl+S.
	case tea.KeyCtrlS:
		m.save()

	// The default key for loading content from a file is Ctrl+L.
	case tea.KeyCtrlL:
		m.load()

	// The default keys for moving left inside the text area are the left arrow key, and Ctrl+B (move backward).
	case tea.KeyLeft, tea.KeyCtrlB:
		m.editor.MoveCursor(-1, 0)

	// The default keys for moving right inside the text area are the right arrow key, and Ctrl+F (move forward).
	case tea.KeyRight, tea.KeyCtrlF:
		m.editor.MoveCursor(1, 0)

	// The default keys for moving up inside the text area are the up arrow key, and Ctrl+P (move to previous line).
	case tea.KeyUp, tea.KeyCtrlP:
		m.editor.MoveCursor(0, -1)

	// The default keys for moving down inside the text area are the down arrow key, and Ctrl+N (move to next line).
	case tea.KeyDown, tea.KeyCtrlN:
		m.editor.MoveCursor(0, 1)

	// Home key, moves cursor to initial position.
	case tea.KeyHome:
		m.editor.SetX(0)

	// End key, moves cursor to final position.
	case tea.KeyEnd:
		m.editor.SetX(len(m.editor.Text))

	// The default keys for deleting a character are Backspace and Delete.
	case tea.KeyBackspace:
		m.edit(m.editor.Backspace)
	case tea.KeyDelete:
		m.edit(m.editor.DeleteForward)

	// The Tab key inserts 4 spaces to simulate a "tab".
	case tea.KeyTab:
		m.edit(func() *ot.Operation { return m.editor.InsertRunes([]rune("    ")...) })

	// The Enter key inserts a newline character to the editor's content.
	case tea.KeyEnter:
		m.edit(func() *ot.Operation { return m.editor.InsertRunes('\n') })

	// The Space key inserts a space character to the editor's content.
	case tea.KeySpace:
		m.edit(func() *ot.Operation { return m.editor.InsertRunes(' ') })

	// Every other key is eligible to be a candidate for insertion.
	case tea.KeyRunes:
		m.edit(func() *ot.Operation { return m.editor.InsertRunes(msg.Runes...) })
	}

	m.presenceDirty = true
	m.sendPresence()
	return nil
}

// edit applies the operation produced by fn to the replica and submits it when possible.
func (m *model) edit(fn func() *ot.Operation) {
	if m.replica == nil || !m.role.CanSubmitOperation() {
		return
	}

	op := fn()
	if op == nil {
		return
	}

	logger.WithField("operation", op.String()).Debug("local edit")
	if err := m.replica.ApplyLocalEdit(op); err != nil {
		logger.WithError(err).Error("local edit rejected")
		m.editor.SetText(m.replica.Text())
		return
	}

	if err := m.replica.SendPending(); err != nil {
		logger.WithError(err).Warn("failed to send edits")
		m.disconnect()
	}
}

// sendPresence sends the local cursor once no edits are pending.
func (m *model) sendPresence() {
	if !m.presenceDirty || m.replica == nil || m.conn == nil {
		return
	}

	p, ok := m.replica.LocalPresence(m.editor.Cursor, m.editor.Cursor)
	if !ok {
		return
	}
	if err := m.write(commons.Message{Type: commons.PresenceMessage, DocumentID: flags.Document, AuthorID: m.authorID, Presence: &p}); err != nil {
		logger.WithError(err).Debug("failed to send presence")
		return
	}
	m.presenceDirty = false
}

func (m *model) onTick(now time.Time) {
	if m.replica == nil {
		return
	}

	if m.replica.CheckTimeout(now) {
		m.editor.SetStatus("Server not responding, reconnecting...")
		if m.conn != nil {
			// The reader goroutine reports the closed connection, which starts the reconnect.
			m.conn.Close()
		}
		return
	}
	m.sendPresence()
}

// handleServerMsg applies a message received from the server.
func (m *model) handleServerMsg(msg commons.Message) {
	switch msg.Type {
	case commons.SnapshotMessage:
		if msg.Snapshot != nil {
			m.onSnapshot(*msg.Snapshot)
		}

	case commons.CommitMessage:
		if msg.Commit == nil || m.replica == nil {
			return
		}
		m.applyCommits([]commons.Commit{*msg.Commit})
		m.sendPresence()

	case commons.HistoryMessage:
		if m.replica == nil {
			return
		}
		if !m.applyCommits(msg.Commits) {
			return
		}
		if m.replica.State() == replica.StateCatchingUp {
			m.editor.SetStatus("Reconnected")
			if err := m.replica.FinishCatchup(); err != nil {
				logger.WithError(err).Warn("failed to resend edits")
				m.disconnect()
			}
		}

	case commons.PresenceMessage:
		if msg.Presence != nil && m.replica != nil {
			m.replica.OnPresence(*msg.Presence)
		}

	case commons.LeaveMessage:
		if m.replica != nil {
			m.replica.RemovePresence(msg.AuthorID)
		}

	case commons.ErrorMessage:
		m.onError(msg.Error)
	}

	m.updateCarets()
}

func (m *model) onSnapshot(snap commons.Snapshot) {
	switch {
	case m.replica == nil:
		m.replica = replica.New(replica.Config{
			AuthorID:     m.authorID,
			Logger:       logger,
			OnRemoteEdit: m.onRemoteEdit,
		}, snap, wsSubmitter{conn: m.conn})
		m.editor.SetText(snap.Text)
		m.editor.SetStatus(fmt.Sprintf("Joined %s at revision %d", snap.DocumentID, snap.Revision))

	case m.joining == joinReconnect:
		since := m.replica.Reconnect(wsSubmitter{conn: m.conn})
		if err := m.write(commons.Message{Type: commons.CatchupMessage, DocumentID: flags.Document, Revision: since}); err != nil {
			logger.WithError(err).Warn("failed to request catch-up")
		}

	default:
		m.replica.Reconnect(wsSubmitter{conn: m.conn})
		if m.replica.Resync(snap) {
			m.editor.SetStatus("Resynchronized, unsent edits were dropped")
		} else {
			m.editor.SetStatus("Resynchronized")
		}
		m.forceResync = false
		m.editor.SetText(snap.Text)
	}

	m.joining = joinNone
	m.presenceDirty = true
	printDoc(m.replica)
}

// applyCommits applies commits in order. It reports false when the replica had to be resynchronized.
func (m *model) applyCommits(commits []commons.Commit) bool {
	for _, c := range commits {
		err := m.replica.OnRemoteCommit(c)
		if errors.Is(err, replica.ErrRevisionGap) {
			logger.WithError(err).Info("missed commits, catching up")
			if err := m.write(commons.Message{Type: commons.CatchupMessage, DocumentID: flags.Document, Revision: m.replica.Revision()}); err != nil {
				logger.WithError(err).Warn("failed to request catch-up")
			}
			return false
		}
		if err != nil {
			logger.WithError(err).Error("commit rejected, resynchronizing")
			if err := m.join(joinResync); err != nil {
				logger.WithError(err).Warn("failed to resynchronize")
			}
			return false
		}
	}
	printDoc(m.replica)
	return true
}

func (m *model) onRemoteEdit(op *ot.Operation) {
	m.editor.ApplyRemote(op, m.replica.Text())
}

func (m *model) onError(e *commons.Error) {
	if e == nil {
		return
	}
	logger.WithFields(logrus.Fields{"kind": e.Kind, "message": e.Message}).Warn("server error")

	switch e.Kind {
	case commons.RevisionNotFound:
		m.editor.SetStatus("Fell too far behind, resynchronizing...")
		if err := m.join(joinResync); err != nil {
			logger.WithError(err).Warn("failed to resynchronize")
		}
	case commons.PermissionDenied:
		m.editor.SetStatus("Read-only: " + e.Message)
	case commons.ProtocolViolation:
		// Replaying the same edits would be rejected again.
		m.forceResync = true
		m.editor.SetStatus("Rejected by server: " + e.Message)
	}
}

// save writes the editor's content to the file given by -file, or otpad-content.txt.
func (m *model) save() {
	fileName := flags.File
	if fileName == "" {
		fileName = "otpad-content.txt"
	}

	if err := os.WriteFile(fileName, []byte(m.editor.GetText()), 0644); err != nil { // skipcq: GSC-G306
		m.editor.SetStatus("Failed to save to " + fileName)
		logger.WithError(err).Errorf("failed to save to %s", fileName)
		return
	}
	m.editor.SetStatus("Saved document to " + fileName)
}

// load replaces the document with the content of the file given by -file.
func (m *model) load() {
	if flags.File == "" {
		m.editor.SetStatus("No file to load!")
		return
	}

	logger.Info("LOADING DOCUMENT")
	content, err := os.ReadFile(flags.File)
	if err != nil {
		m.editor.SetStatus("Failed to load " + flags.File)
		logger.WithError(err).Errorf("failed to load file %s", flags.File)
		return
	}

	m.edit(func() *ot.Operation {
		op := ot.New().Delete(len(m.editor.Text)).Insert(string(content))
		m.editor.SetText(string(content))
		m.editor.SetX(0)
		return op
	})
	m.editor.SetStatus("Loaded " + flags.File)
}
