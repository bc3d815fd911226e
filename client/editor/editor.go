// Package editor is the client's text buffer: it tracks the cursor and viewport, turns keystrokes into
// operations and renders the visible part of the document.
package editor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/burntcarrot/otpad/ot"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// EditorConfig configures an Editor.
type EditorConfig struct {
	ScrollEnabled bool
}

// Caret is another participant's cursor.
type Caret struct {
	Name     string
	Position int
}

type Editor struct {
	// Text is the visible document, and Cursor an index into it.
	Text   []rune
	Cursor int

	Width  int
	Height int

	// ColOff and RowOff are the horizontal and vertical scroll offsets.
	ColOff int
	RowOff int

	ShowMsg   bool
	StatusMsg string

	Carets []Caret

	ScrollEnabled bool
}

var (
	cursorStyle = lipgloss.NewStyle().Reverse(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	caretStyles = []lipgloss.Style{
		lipgloss.NewStyle().Background(lipgloss.Color("205")).Foreground(lipgloss.Color("0")),
		lipgloss.NewStyle().Background(lipgloss.Color("82")).Foreground(lipgloss.Color("0")),
		lipgloss.NewStyle().Background(lipgloss.Color("75")).Foreground(lipgloss.Color("0")),
		lipgloss.NewStyle().Background(lipgloss.Color("214")).Foreground(lipgloss.Color("0")),
	}
)

func NewEditor(conf EditorConfig) *Editor {
	return &Editor{ScrollEnabled: conf.ScrollEnabled}
}

func (e *Editor) GetText() string {
	return string(e.Text)
}

// SetText replaces the content, keeping the cursor in bounds.
func (e *Editor) SetText(text string) {
	e.Text = []rune(text)
	e.clampCursor()
}

func (e *Editor) SetX(x int) {
	e.Cursor = x
	e.clampCursor()
	e.scroll()
}

func (e *Editor) SetSize(w, h int) {
	e.Width = w
	e.Height = h
	e.scroll()
}

func (e *Editor) SetStatus(msg string) {
	e.StatusMsg = msg
	e.ShowMsg = msg != ""
}

// InsertRunes inserts rs at the cursor and returns the operation that did it.
func (e *Editor) InsertRunes(rs ...rune) *ot.Operation {
	if len(rs) == 0 {
		return nil
	}

	op := ot.New().Retain(e.Cursor).Insert(string(rs)).Retain(len(e.Text) - e.Cursor)

	text := make([]rune, 0, len(e.Text)+len(rs))
	text = append(text, e.Text[:e.Cursor]...)
	text = append(text, rs...)
	text = append(text, e.Text[e.Cursor:]...)
	e.Text = text

	e.Cursor += len(rs)
	e.scroll()
	return op
}

// Backspace deletes the rune before the cursor. It returns nil at the start of the text.
func (e *Editor) Backspace() *ot.Operation {
	if e.Cursor == 0 {
		return nil
	}
	e.Cursor--
	return e.deleteAtCursor()
}

// DeleteForward deletes the rune under the cursor. It returns nil at the end of the text.
func (e *Editor) DeleteForward() *ot.Operation {
	if e.Cursor >= len(e.Text) {
		return nil
	}
	return e.deleteAtCursor()
}

func (e *Editor) deleteAtCursor() *ot.Operation {
	op := ot.New().Retain(e.Cursor).Delete(1).Retain(len(e.Text) - e.Cursor - 1)
	e.Text = append(e.Text[:e.Cursor:e.Cursor], e.Text[e.Cursor+1:]...)
	e.scroll()
	return op
}

// ApplyRemote moves the cursor through an operation applied by someone else and shows the resulting text.
func (e *Editor) ApplyRemote(op *ot.Operation, text string) {
	e.Cursor = ot.TransformIndex(op, e.Cursor)
	e.SetText(text)
	e.scroll()
}

// SetCarets replaces the other participants' cursors.
func (e *Editor) SetCarets(carets []Caret) {
	e.Carets = carets
}

// MoveCursor updates the Cursor position.
func (e *Editor) MoveCursor(x, y int) {
	if len(e.Text) == 0 {
		return
	}
	// Move cursor horizontally.
	newCursor := e.Cursor + x

	// Move cursor vertically.
	if y > 0 {
		newCursor = e.calcCursorDown()
	}

	if y < 0 {
		newCursor = e.calcCursorUp()
	}

	// Reset to bounds.
	if newCursor > len(e.Text) {
		newCursor = len(e.Text)
	}

	if newCursor < 0 {
		newCursor = 0
	}

	e.Cursor = newCursor
	e.scroll()
}

func (e *Editor) clampCursor() {
	if e.Cursor > len(e.Text) {
		e.Cursor = len(e.Text)
	}
	if e.Cursor < 0 {
		e.Cursor = 0
	}
}

// scroll moves the viewport so that the cursor stays visible. The last row is the status bar.
func (e *Editor) scroll() {
	if !e.ScrollEnabled {
		return
	}

	cx, cy := e.calcXY(e.Cursor)

	if cy-1 < e.RowOff {
		e.RowOff = cy - 1
	}
	if rows := e.Height - 1; rows > 0 && cy > e.RowOff+rows {
		e.RowOff = cy - rows
	}

	if cx-1 < e.ColOff {
		e.ColOff = cx - 1
	}
	if e.Width > 0 && cx > e.ColOff+e.Width {
		e.ColOff = cx - e.Width
	}
}

// For the functions calcCursorUp and calcCursorDown, newline characters are found by iterating
// backward and forward from the current Cursor position. These characters are taken as the "start"
// and "end" of the current line. The "offset" from the start of the current line to the Cursor
// is calculated and used to determine the final Cursor position on the target line, based on whether the
// offset is greater than the length of the target line. "pos" is used as a placeholder variable for
// the Cursor.

// calcCursorUp calculates the intended Cursor position after moving the Cursor up one line.
func (e *Editor) calcCursorUp() int {
	pos := e.Cursor
	offset := 0

	// If the initial cursor is out of the bounds of the Text or already on a newline, move it.
	if pos == len(e.Text) || e.Text[pos] == '\n' {
		offset++
		pos--
	}

	if pos < 0 {
		pos = 0
	}

	start, end := pos, pos

	// Find the start of the current line.
	for start > 0 && e.Text[start] != '\n' {
		start--
	}

	// If the Cursor is already on the first line, move to the beginning of the Text.
	if start == 0 {
		return 0
	}

	// Find the end of the current line.
	for end < len(e.Text) && e.Text[end] != '\n' {
		end++
	}

	// Find the start of the previous line.
	prevStart := start - 1
	for prevStart >= 0 && e.Text[prevStart] != '\n' {
		prevStart--
	}

	// Calculate the distance from the start of the current line to the Cursor.
	offset += pos - start
	if offset <= start-prevStart {
		return prevStart + offset
	}
	return start
}

// calcCursorDown calculates the intended Cursor position after moving the Cursor down one line.
func (e *Editor) calcCursorDown() int {
	pos := e.Cursor
	offset := 0

	// If the initial Cursor is out of the bounds of the Text or already on a newline, move it.
	if pos == len(e.Text) || e.Text[pos] == '\n' {
		offset++
		pos--
	}

	if pos < 0 {
		pos = 0
	}

	start, end := pos, pos

	// Find the start of the current line.
	for start > 0 && e.Text[start] != '\n' {
		start--
	}

	// This handles the case where the Cursor is on the first line. This is necessary because the start
	// of the first line is not a newline character, unlike the other lines in the Text.
	if start == 0 && e.Text[start] != '\n' {
		offset++
	}

	// Find the end of the current line.
	for end < len(e.Text) && e.Text[end] != '\n' {
		end++
	}

	// This handles the case where the Cursor is on a newline. end has to be incremented, otherwise
	// start == end.
	if e.Text[pos] == '\n' && e.Cursor != 0 {
		end++
	}

	// If the Cursor is already on the last line, move to the end of the Text.
	if end == len(e.Text) {
		return len(e.Text)
	}

	// Find the end of the next line.
	nextEnd := end + 1
	for nextEnd < len(e.Text) && e.Text[nextEnd] != '\n' {
		nextEnd++
	}

	// Calculate the distance from the start of the current line to the Cursor.
	offset += pos - start
	if offset < nextEnd-end {
		return end + offset
	}
	return nextEnd
}

// calcXY calculates the 1-based cell position of a text index, accounting for wide runes.
func (e *Editor) calcXY(index int) (int, int) {
	x := 1
	y := 1

	if index < 0 {
		return x, y
	}

	if index > len(e.Text) {
		index = len(e.Text)
	}

	for i := 0; i < index; i++ {
		if e.Text[i] == rune('\n') {
			x = 1
			y++
		} else {
			x = x + runewidth.RuneWidth(e.Text[i])
		}
	}
	return x, y
}

// View renders the viewport followed by the status bar.
func (e *Editor) View() string {
	carets := make(map[int]int, len(e.Carets))
	sorted := append([]Caret(nil), e.Carets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i, c := range sorted {
		carets[c.Position] = i
	}

	rows := e.Height - 1
	if rows < 1 {
		rows = 1
	}

	var b strings.Builder
	line, col := 1, 1

	// cell renders the rune at index i, r being ' ' for the end of a line.
	cell := func(i int, r rune) {
		if line <= e.RowOff || line > e.RowOff+rows {
			return
		}
		w := runewidth.RuneWidth(r)
		if col <= e.ColOff || (e.Width > 0 && col+w-1 > e.ColOff+e.Width) {
			return
		}

		s := string(r)
		switch idx, ok := carets[i]; {
		case i == e.Cursor:
			s = cursorStyle.Render(s)
		case ok:
			s = caretStyles[idx%len(caretStyles)].Render(s)
		}
		b.WriteString(s)
	}

	for i := 0; i <= len(e.Text); i++ {
		if i == len(e.Text) || e.Text[i] == '\n' {
			cell(i, ' ')
			if i == len(e.Text) {
				break
			}
			if line > e.RowOff && line < e.RowOff+rows {
				b.WriteByte('\n')
			}
			line++
			col = 1
			continue
		}
		cell(i, e.Text[i])
		col += runewidth.RuneWidth(e.Text[i])
	}

	// Pad to keep the status bar on the last row.
	for ; line < e.RowOff+rows; line++ {
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(statusStyle.Render(e.statusLine()))
	return b.String()
}

func (e *Editor) statusLine() string {
	if e.ShowMsg {
		return e.StatusMsg
	}

	x, y := e.calcXY(e.Cursor)
	names := make([]string, 0, len(e.Carets))
	for _, c := range e.Carets {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return fmt.Sprintf("x=%d, y=%d, cursor=%d, len(text)=%d, editors=[%s]", x, y, e.Cursor, len(e.Text), strings.Join(names, " "))
}
