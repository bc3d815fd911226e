package ot

import "fmt"

// Transform takes two operations a and b created against the same document and returns a' and b' such that
// applying a then b' gives the same document as applying b then a'.
//
// When both operations insert at the same position, a's text is placed first.
func Transform(a, b *Operation) (*Operation, *Operation, error) {
	return TransformPriority(a, b, true)
}

// TransformPriority is Transform with an explicit tie-break: when aFirst is false, b's insert is placed
// before a's when both insert at the same position.
func TransformPriority(a, b *Operation, aFirst bool) (*Operation, *Operation, error) {
	if a.baseLen != b.baseLen {
		return nil, nil, fmt.Errorf("%w: %d != %d", ErrBaseLengthMismatch, a.baseLen, b.baseLen)
	}

	aPrime, bPrime := New(), New()
	ia, ib := newIterator(a), newIterator(b)

	for !ia.done() || !ib.done() {
		aInsert := ia.kind() == KindInsert
		bInsert := ib.kind() == KindInsert

		if aInsert && (aFirst || !bInsert) {
			c := ia.next(0)
			aPrime.Insert(c.Text)
			bPrime.Retain(c.Len())
			continue
		}
		if bInsert {
			c := ib.next(0)
			aPrime.Retain(c.Len())
			bPrime.Insert(c.Text)
			continue
		}
		if ia.done() || ib.done() {
			return nil, nil, fmt.Errorf("%w: components exhausted unevenly", ErrBaseLengthMismatch)
		}

		n := min(ia.remaining(), ib.remaining())
		ca, cb := ia.next(n), ib.next(n)

		switch {
		case ca.Kind == KindRetain && cb.Kind == KindRetain:
			aPrime.Retain(n)
			bPrime.Retain(n)
		case ca.Kind == KindDelete && cb.Kind == KindDelete:
			// Both sides removed the same span.
		case ca.Kind == KindDelete && cb.Kind == KindRetain:
			aPrime.Delete(n)
		case ca.Kind == KindRetain && cb.Kind == KindDelete:
			bPrime.Delete(n)
		}
	}
	return aPrime, bPrime, nil
}

// AuthorFirst is the tie-break between operations of two authors: the lower id inserts first.
// Every party transforming operations of different authors must use it so they agree on ordering.
func AuthorFirst(authorA, authorB string) bool {
	return authorA <= authorB
}

// TransformIndex maps a position in op's base document to the matching position in its target document.
// Inserts at or before the position push it right; a delete spanning it moves it to the start of the deleted span.
func TransformIndex(op *Operation, index int) int {
	if index < 0 {
		index = 0
	}
	if index > op.baseLen {
		index = op.baseLen
	}

	pos, out := 0, index
	for _, c := range op.components {
		if pos > index {
			break
		}
		switch c.Kind {
		case KindRetain:
			pos += c.N
		case KindInsert:
			out += c.Len()
		case KindDelete:
			out -= min(c.N, index-pos)
			pos += c.N
		}
	}
	return out
}
