package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrLengthMismatch is returned when an operation is applied to a document whose length differs from the operation's base length.
	ErrLengthMismatch = errors.New("operation base length does not match document length")

	// ErrIncompatibleLength is returned when composing two operations where the first one's target length is not the second one's base length.
	ErrIncompatibleLength = errors.New("operations cannot be composed: incompatible lengths")

	// ErrBaseLengthMismatch is returned when transforming two operations that were not created against the same document.
	ErrBaseLengthMismatch = errors.New("operations cannot be transformed: base lengths differ")

	ErrInvalidComponent = errors.New("invalid operation component")

	// ErrTooLong is returned when an operation's base or target length would exceed MaxLength.
	ErrTooLong = errors.New("operation too long")

	ErrInvalidText = errors.New("text is not valid UTF-8")
)

// MaxLength bounds the base and target length of operations built from untrusted components.
const MaxLength = 1 << 30

// Kind represents the kind of an operation component.
type Kind uint8

const (
	KindRetain Kind = iota + 1
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	}
	return "unknown"
}

// Component is a single step of an operation's walk over a document.
type Component struct {
	Kind Kind

	// N is the number of characters retained or deleted.
	N int

	// Text is the inserted text.
	Text string
}

// Len returns the number of characters the component covers.
func (c Component) Len() int {
	if c.Kind == KindInsert {
		return utf8.RuneCountInString(c.Text)
	}
	return c.N
}

// Operation is an ordered sequence of components describing a transformation of a whole document.
// Lengths are counted in runes, and documents and inserted text must be valid UTF-8.
//
// The builder methods keep an operation canonical: empty components are dropped,
// adjacent components of the same kind are merged, and an insert next to a delete is always placed first.
type Operation struct {
	components []Component
	baseLen    int
	targetLen  int
}

// New returns an empty operation, which is the no-op on the empty document.
func New() *Operation {
	return &Operation{}
}

// Retain skips n characters.
func (o *Operation) Retain(n int) *Operation {
	if n <= 0 {
		return o
	}
	o.baseLen += n
	o.targetLen += n

	if last := o.last(); last != nil && last.Kind == KindRetain {
		last.N += n
		return o
	}
	o.components = append(o.components, Component{Kind: KindRetain, N: n})
	return o
}

// Insert inserts text at the current position.
func (o *Operation) Insert(text string) *Operation {
	if text == "" {
		return o
	}
	o.targetLen += utf8.RuneCountInString(text)

	n := len(o.components)
	switch {
	case n > 0 && o.components[n-1].Kind == KindInsert:
		o.components[n-1].Text += text
	case n > 0 && o.components[n-1].Kind == KindDelete:
		if n > 1 && o.components[n-2].Kind == KindInsert {
			o.components[n-2].Text += text
			break
		}
		del := o.components[n-1]
		o.components[n-1] = Component{Kind: KindInsert, Text: text}
		o.components = append(o.components, del)
	default:
		o.components = append(o.components, Component{Kind: KindInsert, Text: text})
	}
	return o
}

// Delete removes n characters starting at the current position.
func (o *Operation) Delete(n int) *Operation {
	if n <= 0 {
		return o
	}
	o.baseLen += n

	if last := o.last(); last != nil && last.Kind == KindDelete {
		last.N += n
		return o
	}
	o.components = append(o.components, Component{Kind: KindDelete, N: n})
	return o
}

func (o *Operation) last() *Component {
	if len(o.components) == 0 {
		return nil
	}
	return &o.components[len(o.components)-1]
}

func (o *Operation) add(c Component) *Operation {
	switch c.Kind {
	case KindRetain:
		return o.Retain(c.N)
	case KindInsert:
		return o.Insert(c.Text)
	case KindDelete:
		return o.Delete(c.N)
	}
	return o
}

// FromComponents builds a canonical operation from the given components. Base and target lengths are
// limited to MaxLength, so the result can't overflow when applied.
func FromComponents(components ...Component) (*Operation, error) {
	op := New()
	for i, c := range components {
		switch {
		case c.Kind == KindInsert && c.Text == "":
			return nil, fmt.Errorf("%w: empty insert at index %d", ErrInvalidComponent, i)
		case c.Kind == KindInsert && !utf8.ValidString(c.Text):
			return nil, fmt.Errorf("%w: insert at index %d: %v", ErrInvalidComponent, i, ErrInvalidText)
		case (c.Kind == KindRetain || c.Kind == KindDelete) && c.N <= 0:
			return nil, fmt.Errorf("%w: %s(%d) at index %d", ErrInvalidComponent, c.Kind, c.N, i)
		case c.Kind != KindRetain && c.Kind != KindInsert && c.Kind != KindDelete:
			return nil, fmt.Errorf("%w: unknown kind at index %d", ErrInvalidComponent, i)
		}

		// Both lengths are at most MaxLength here, so comparing the remainder can't overflow.
		n := c.Len()
		if c.Kind != KindInsert && n > MaxLength-op.baseLen {
			return nil, fmt.Errorf("%w: base length exceeds %d at index %d", ErrTooLong, MaxLength, i)
		}
		if c.Kind != KindDelete && n > MaxLength-op.targetLen {
			return nil, fmt.Errorf("%w: target length exceeds %d at index %d", ErrTooLong, MaxLength, i)
		}
		op.add(c)
	}
	return op, nil
}

// Validate reports whether the operation could have been built by FromComponents. Operations from the
// builder methods only fail it when their lengths overflowed.
func (o *Operation) Validate() error {
	checked, err := FromComponents(o.components...)
	if err != nil {
		return err
	}
	if checked.baseLen != o.baseLen || checked.targetLen != o.targetLen {
		return fmt.Errorf("%w: lengths (%d, %d) don't match components", ErrInvalidComponent, o.baseLen, o.targetLen)
	}
	return nil
}

// Components returns a copy of the operation's components.
func (o *Operation) Components() []Component {
	out := make([]Component, len(o.components))
	copy(out, o.components)
	return out
}

// BaseLen returns the length of the document the operation applies to.
func (o *Operation) BaseLen() int { return o.baseLen }

// TargetLen returns the length of the document the operation produces.
func (o *Operation) TargetLen() int { return o.targetLen }

// IsNoop reports whether the operation leaves every document unchanged.
func (o *Operation) IsNoop() bool {
	for _, c := range o.components {
		if c.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Equal reports whether both operations have the same canonical components.
func (o *Operation) Equal(other *Operation) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.baseLen != other.baseLen || o.targetLen != other.targetLen || len(o.components) != len(other.components) {
		return false
	}
	for i := range o.components {
		if o.components[i] != other.components[i] {
			return false
		}
	}
	return true
}

func (o *Operation) String() string {
	parts := make([]string, 0, len(o.components))
	for _, c := range o.components {
		if c.Kind == KindInsert {
			parts = append(parts, fmt.Sprintf("insert %q", c.Text))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %d", c.Kind, c.N))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// MarshalJSON encodes the operation as an array where a positive integer is a retain,
// a string is an insert and a negative integer is a delete.
func (o Operation) MarshalJSON() ([]byte, error) {
	out := make([]interface{}, 0, len(o.components))
	for _, c := range o.components {
		switch c.Kind {
		case KindRetain:
			out = append(out, c.N)
		case KindInsert:
			out = append(out, c.Text)
		case KindDelete:
			out = append(out, -c.N)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the array form produced by MarshalJSON.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	components := make([]Component, 0, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var text string
			if err := json.Unmarshal(r, &text); err != nil {
				return err
			}
			components = append(components, Component{Kind: KindInsert, Text: text})
			continue
		}

		var n int
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("%w: index %d: %v", ErrInvalidComponent, i, err)
		}
		switch {
		case n > 0:
			components = append(components, Component{Kind: KindRetain, N: n})
		case n < 0:
			components = append(components, Component{Kind: KindDelete, N: -n})
		default:
			return fmt.Errorf("%w: zero-length component at index %d", ErrInvalidComponent, i)
		}
	}

	op, err := FromComponents(components...)
	if err != nil {
		return err
	}
	*o = *op
	return nil
}

// iterator walks the components of an operation, allowing partial consumption.
type iterator struct {
	components []Component
	i          int
	offset     int
}

func newIterator(op *Operation) *iterator {
	return &iterator{components: op.components}
}

func (it *iterator) done() bool {
	return it.i >= len(it.components)
}

func (it *iterator) kind() Kind {
	if it.done() {
		return 0
	}
	return it.components[it.i].Kind
}

func (it *iterator) remaining() int {
	if it.done() {
		return 0
	}
	return it.components[it.i].Len() - it.offset
}

// next consumes up to n characters of the current component, or all of it when n <= 0.
func (it *iterator) next(n int) Component {
	c := it.components[it.i]
	start := it.offset
	rem := c.Len() - start

	if n <= 0 || n >= rem {
		n = rem
		it.i++
		it.offset = 0
	} else {
		it.offset += n
	}

	if c.Kind == KindInsert {
		if start == 0 && n == rem {
			return c
		}
		r := []rune(c.Text)
		return Component{Kind: KindInsert, Text: string(r[start : start+n])}
	}
	return Component{Kind: c.Kind, N: n}
}
