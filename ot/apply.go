package ot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Apply walks the operation over doc and returns the resulting document. doc must be valid UTF-8.
func Apply(doc string, op *Operation) (string, error) {
	if !utf8.ValidString(doc) {
		return "", ErrInvalidText
	}
	runes := []rune(doc)
	if len(runes) != op.baseLen {
		return "", fmt.Errorf("%w: base length %d, document length %d", ErrLengthMismatch, op.baseLen, len(runes))
	}

	var b strings.Builder
	pos := 0
	for _, c := range op.components {
		switch c.Kind {
		case KindRetain:
			if c.N < 0 || c.N > len(runes)-pos {
				return "", fmt.Errorf("%w: retain %d at %d", ErrLengthMismatch, c.N, pos)
			}
			b.WriteString(string(runes[pos : pos+c.N]))
			pos += c.N
		case KindInsert:
			b.WriteString(c.Text)
		case KindDelete:
			if c.N < 0 || c.N > len(runes)-pos {
				return "", fmt.Errorf("%w: delete %d at %d", ErrLengthMismatch, c.N, pos)
			}
			pos += c.N
		}
	}
	return b.String(), nil
}

// Compose merges op1 (A -> B) and op2 (B -> C) into a single operation taking A to C.
func Compose(op1, op2 *Operation) (*Operation, error) {
	if op1.targetLen != op2.baseLen {
		return nil, fmt.Errorf("%w: first target length %d, second base length %d", ErrIncompatibleLength, op1.targetLen, op2.baseLen)
	}

	out := New()
	a, b := newIterator(op1), newIterator(op2)

	for !a.done() || !b.done() {
		// Deletes from the first operation never reach the second one.
		if a.kind() == KindDelete {
			out.add(a.next(0))
			continue
		}
		// Inserts from the second operation don't consume anything from the first.
		if b.kind() == KindInsert {
			out.add(b.next(0))
			continue
		}
		if a.done() || b.done() {
			return nil, fmt.Errorf("%w: components exhausted unevenly", ErrIncompatibleLength)
		}

		n := min(a.remaining(), b.remaining())
		ca, cb := a.next(n), b.next(n)

		switch {
		case ca.Kind == KindRetain && cb.Kind == KindRetain:
			out.Retain(n)
		case ca.Kind == KindRetain && cb.Kind == KindDelete:
			out.Delete(n)
		case ca.Kind == KindInsert && cb.Kind == KindRetain:
			out.Insert(ca.Text)
		case ca.Kind == KindInsert && cb.Kind == KindDelete:
			// Text inserted by op1 and removed by op2 never shows up.
		}
	}
	return out, nil
}

// Invert returns the operation that undoes op when applied after it. doc is the document op was applied to.
func Invert(op *Operation, doc string) (*Operation, error) {
	runes := []rune(doc)
	if len(runes) != op.baseLen {
		return nil, fmt.Errorf("%w: base length %d, document length %d", ErrLengthMismatch, op.baseLen, len(runes))
	}

	inverse := New()
	pos := 0
	for _, c := range op.components {
		switch c.Kind {
		case KindRetain:
			inverse.Retain(c.N)
			pos += c.N
		case KindInsert:
			inverse.Delete(c.Len())
		case KindDelete:
			inverse.Insert(string(runes[pos : pos+c.N]))
			pos += c.N
		}
	}
	return inverse, nil
}
