// Package tui holds the terminal prompts shown before the editor starts.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned when the prompt is dismissed with Esc or Ctrl+C.
var ErrCancelled = errors.New("login cancelled")

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

// Login prompts for a username. An empty answer keeps defaultName.
func Login(document, defaultName string) (string, error) {
	p := tea.NewProgram(newLoginModel(document, defaultName))

	final, err := p.StartReturningModel()
	if err != nil {
		return "", err
	}

	m := final.(loginModel)
	if m.Quitting {
		return "", ErrCancelled
	}
	return m.Username(), nil
}

type loginModel struct {
	textInput   textinput.Model
	document    string
	defaultName string
	Quitting    bool
	LoggedIn    bool
}

func newLoginModel(document, defaultName string) loginModel {
	ti := textinput.New()
	ti.Placeholder = "Username"
	if defaultName != "" {
		ti.Placeholder = defaultName
	}
	ti.Focus()
	ti.CharLimit = 156
	ti.Width = 20

	return loginModel{
		textInput:   ti,
		document:    document,
		defaultName: defaultName,
	}
}

// Username returns the entered name, or the default when nothing was typed.
func (m loginModel) Username() string {
	if name := strings.TrimSpace(m.textInput.Value()); name != "" {
		return name
	}
	return m.defaultName
}

func (m loginModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m loginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			if m.Username() == "" {
				return m, nil
			}
			m.LoggedIn = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m loginModel) View() string {
	if m.Quitting {
		return "\n  See you later!\n\n"
	}
	if m.LoggedIn {
		return ""
	}
	return fmt.Sprintf(
		"%s\n\nEnter username:\n\n%s\n\n%s",
		titleStyle.Render("Joining "+m.document),
		m.textInput.View(),
		"(esc to quit)",
	) + "\n"
}
