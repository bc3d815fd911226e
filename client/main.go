package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/burntcarrot/otpad/session"
	"github.com/burntcarrot/otpad/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	flags  Flags
	logger = logrus.New()
)

func main() {
	// Parse flags.
	flags = parseFlags()

	role, err := session.ParseRole(flags.Role)
	if err != nil {
		color.Red("%s\n", err)
		os.Exit(1)
	}

	logFile, debugLogFile, err := setupLogger(logger)
	if err != nil {
		color.Red("Failed to set up the logger: %s\n", err)
		os.Exit(1)
	}
	defer closeLogFiles(logFile, debugLogFile)

	name := flags.Name
	if flags.Login {
		name, err = tui.Login(flags.Document, flags.Name)
		if errors.Is(err, tui.ErrCancelled) {
			return
		}
		if err != nil {
			color.Red("Login failed: %s\n", err)
			os.Exit(1)
		}
	}

	// Get WebSocket connection.
	conn, _, err := createConn(flags)
	if err != nil {
		color.Red("Connection error, exiting: %s\n", err)
		os.Exit(1)
	}

	// The author ID stays the same across reconnects, so resent submissions are recognized.
	authorID := uuid.NewString()
	m := newModel(authorID, name, role)
	m.attach(conn)
	if err := m.join(joinInitial); err != nil {
		color.Red("Failed to join %s: %s\n", flags.Document, err)
		os.Exit(1)
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if err := p.Start(); err != nil {
		logger.WithError(err).Error("editor exited with an error")
		fmt.Println(err)
		os.Exit(1)
	}

	if m.err != nil {
		color.Red("%s\n", m.err)
		os.Exit(1)
	}
	color.Green("Goodbye!\n")
}
