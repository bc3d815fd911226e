package main

import (
	"time"

	"github.com/burntcarrot/otpad/client/editor"
	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/replica"
	"github.com/burntcarrot/otpad/session"
	"github.com/cenkalti/backoff"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const tickInterval = 500 * time.Millisecond

// joinKind tells the snapshot handler why the join was sent.
type joinKind int

const (
	joinNone joinKind = iota
	joinInitial
	joinReconnect
	joinResync
)

// Events delivered to the update loop.
type (
	// incomingMsg is a message read from the connection of generation gen.
	incomingMsg struct {
		gen int
		msg commons.Message
	}

	disconnectedMsg struct {
		gen int
		err error
	}

	connectedMsg  struct{ conn *websocket.Conn }
	dialFailedMsg struct{ err error }
	reconnectMsg  struct{}
	tickMsg       time.Time
)

// model is the editor UI. All of its state, the replica included, is owned by the bubbletea update loop.
type model struct {
	editor  *editor.Editor
	replica *replica.Replica

	authorID string
	username string
	role     session.Role

	conn    *websocket.Conn
	gen     int
	events  chan tea.Msg
	joining joinKind
	backoff *backoff.ExponentialBackOff

	// forceResync drops unacknowledged edits on the next join instead of replaying them.
	forceResync   bool
	presenceDirty bool

	err error
}

func newModel(authorID, username string, role session.Role) *model {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 5 * time.Minute

	return &model{
		editor:   editor.NewEditor(editor.EditorConfig{ScrollEnabled: true}),
		authorID: authorID,
		username: username,
		role:     role,
		events:   make(chan tea.Msg, 64),
		backoff:  b,
	}
}

// attach makes conn the current connection and starts reading from it.
func (m *model) attach(conn *websocket.Conn) {
	m.conn = conn
	m.gen++
	go readMessages(conn, m.gen, m.events)
}

// readMessages forwards everything read from conn to events, ending with a disconnectedMsg.
func readMessages(conn *websocket.Conn, gen int, events chan<- tea.Msg) {
	for {
		var msg commons.Message
		if err := conn.ReadJSON(&msg); err != nil {
			events <- disconnectedMsg{gen: gen, err: err}
			return
		}
		events <- incomingMsg{gen: gen, msg: msg}
	}
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// dial opens a new connection off the update loop.
func dial() tea.Cmd {
	return func() tea.Msg {
		conn, _, err := createConn(flags)
		if err != nil {
			return dialFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tick())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.editor.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case incomingMsg:
		if msg.gen != m.gen {
			return m, waitForEvent(m.events)
		}
		m.handleServerMsg(msg.msg)
		return m, waitForEvent(m.events)

	case disconnectedMsg:
		if msg.gen != m.gen {
			return m, waitForEvent(m.events)
		}
		logger.WithError(msg.err).Warn("disconnected from server")
		m.disconnect()
		return m, tea.Batch(waitForEvent(m.events), m.scheduleReconnect())

	case reconnectMsg:
		m.editor.SetStatus("Reconnecting to " + flags.Server + "...")
		return m, dial()

	case dialFailedMsg:
		logger.WithError(msg.err).Warn("reconnect failed")
		return m, m.scheduleReconnect()

	case connectedMsg:
		m.attach(msg.conn)
		m.backoff.Reset()

		kind := joinReconnect
		if m.forceResync || m.replica == nil {
			kind = joinResync
		}
		if err := m.join(kind); err != nil {
			logger.WithError(err).Warn("failed to rejoin")
		}

	case tickMsg:
		m.onTick(time.Time(msg))
		return m, tick()
	}

	return m, nil
}

func (m *model) View() string {
	return m.editor.View()
}

// scheduleReconnect waits for the next backoff interval, or gives up.
func (m *model) scheduleReconnect() tea.Cmd {
	d := m.backoff.NextBackOff()
	if d == backoff.Stop {
		m.err = errGaveUp
		return tea.Quit
	}
	m.editor.SetStatus("Disconnected, retrying in " + d.Round(time.Millisecond).String())
	return tea.Tick(d, func(time.Time) tea.Msg { return reconnectMsg{} })
}

// updateCarets copies the other participants' cursors into the editor.
func (m *model) updateCarets() {
	if m.replica == nil {
		return
	}

	presences := m.replica.Presences()
	carets := make([]editor.Caret, 0, len(presences))
	for _, p := range presences {
		carets = append(carets, editor.Caret{Name: shortID(p.ParticipantID), Position: p.Position})
	}
	m.editor.SetCarets(carets)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
