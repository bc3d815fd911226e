package ot

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuilderNormalization(t *testing.T) {
	tests := []struct {
		description string
		op          *Operation
		expected    []Component
		baseLen     int
		targetLen   int
	}{
		{description: "empty", op: New(), expected: []Component{}},
		{description: "zero-length components are dropped", op: New().Retain(0).Insert("").Delete(0), expected: []Component{}},
		{description: "adjacent retains merge", op: New().Retain(2).Retain(3),
			expected: []Component{{Kind: KindRetain, N: 5}}, baseLen: 5, targetLen: 5},
		{description: "adjacent inserts merge", op: New().Insert("ab").Insert("c"),
			expected: []Component{{Kind: KindInsert, Text: "abc"}}, targetLen: 3},
		{description: "adjacent deletes merge", op: New().Delete(1).Delete(2),
			expected: []Component{{Kind: KindDelete, N: 3}}, baseLen: 3},
		{description: "insert after delete moves before it", op: New().Retain(1).Delete(2).Insert("x"),
			expected: []Component{{Kind: KindRetain, N: 1}, {Kind: KindInsert, Text: "x"}, {Kind: KindDelete, N: 2}},
			baseLen: 3, targetLen: 2},
		{description: "insert after insert+delete joins the insert", op: New().Insert("a").Delete(1).Insert("b"),
			expected: []Component{{Kind: KindInsert, Text: "ab"}, {Kind: KindDelete, N: 1}},
			baseLen: 1, targetLen: 2},
		{description: "runes, not bytes", op: New().Retain(1).Insert("日本"),
			expected: []Component{{Kind: KindRetain, N: 1}, {Kind: KindInsert, Text: "日本"}},
			baseLen: 1, targetLen: 3},
	}

	for _, tc := range tests {
		got := tc.op.Components()
		if !cmp.Equal(got, tc.expected) {
			t.Errorf("(%s) got != expected, diff: %v\n", tc.description, cmp.Diff(got, tc.expected))
		}
		if tc.op.BaseLen() != tc.baseLen || tc.op.TargetLen() != tc.targetLen {
			t.Errorf("(%s) lengths = (%d, %d), expected (%d, %d)\n", tc.description,
				tc.op.BaseLen(), tc.op.TargetLen(), tc.baseLen, tc.targetLen)
		}
	}
}

func TestIsNoop(t *testing.T) {
	if !New().Retain(4).IsNoop() {
		t.Errorf("retain-only operation should be a no-op")
	}
	if New().Retain(4).Insert("a").IsNoop() {
		t.Errorf("operation with an insert should not be a no-op")
	}
}

func TestOperationJSON(t *testing.T) {
	op := New().Retain(1).Insert("X").Delete(2).Retain(3)

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[1,"X",-2,3]` {
		t.Errorf("got = %s, expected = %s", data, `[1,"X",-2,3]`)
	}

	var decoded Operation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !cmp.Equal(&decoded, op) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(&decoded, op))
	}
}

func TestOperationJSON_Invalid(t *testing.T) {
	tests := []struct {
		description string
		input       string
	}{
		{description: "zero retain", input: `[0]`},
		{description: "empty insert", input: `[""]`},
		{description: "fractional length", input: `[1.5]`},
		{description: "object component", input: `[{"retain":1}]`},
		{description: "overflowing retains", input: `[9223372036854775807,"x",9223372036854775807,5]`},
		{description: "overflowing deletes", input: `[-9223372036854775807,-9223372036854775807]`},
		{description: "retain past the length limit", input: `[1073741824,1]`},
	}

	for _, tc := range tests {
		var op Operation
		err := json.Unmarshal([]byte(tc.input), &op)
		if err == nil {
			t.Errorf("(%s) expected an error", tc.description)
		}
	}

	var op Operation
	if err := json.Unmarshal([]byte(`[0]`), &op); !errors.Is(err, ErrInvalidComponent) {
		t.Errorf("expected ErrInvalidComponent, got %v", err)
	}
	if err := json.Unmarshal([]byte(`[9223372036854775807,"x",9223372036854775807,5]`), &op); !errors.Is(err, ErrTooLong) {
		t.Errorf("expected ErrTooLong, got %v", err)
	}
}

func TestFromComponents_Limits(t *testing.T) {
	op, err := FromComponents(Component{Kind: KindRetain, N: MaxLength - 1}, Component{Kind: KindInsert, Text: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op.BaseLen() != MaxLength-1 || op.TargetLen() != MaxLength {
		t.Errorf("got lengths (%d, %d), expected (%d, %d)", op.BaseLen(), op.TargetLen(), MaxLength-1, MaxLength)
	}

	_, err = FromComponents(Component{Kind: KindRetain, N: MaxLength}, Component{Kind: KindInsert, Text: "x"})
	if !errors.Is(err, ErrTooLong) {
		t.Errorf("expected ErrTooLong for the target length, got %v", err)
	}

	_, err = FromComponents(Component{Kind: KindInsert, Text: "a\xffb"})
	if !errors.Is(err, ErrInvalidComponent) {
		t.Errorf("expected ErrInvalidComponent for invalid UTF-8, got %v", err)
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		description string
		doc         string
		op          *Operation
		expected    string
	}{
		{description: "insert in the middle", doc: "abc", op: New().Retain(1).Insert("X").Retain(2), expected: "aXbc"},
		{description: "delete prefix", doc: "hello world", op: New().Delete(6).Retain(5), expected: "world"},
		{description: "replace", doc: "cat", op: New().Retain(1).Delete(1).Insert("u").Retain(1), expected: "cut"},
		{description: "empty document", doc: "", op: New().Insert("hi"), expected: "hi"},
		{description: "multi-byte runes", doc: "héllo", op: New().Retain(1).Delete(1).Insert("e").Retain(3), expected: "hello"},
	}

	for _, tc := range tests {
		got, err := Apply(tc.doc, tc.op)
		if err != nil {
			t.Errorf("(%s) error: %v\n", tc.description, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("(%s) got = %q, expected = %q\n", tc.description, got, tc.expected)
		}
	}
}

func TestApply_LengthMismatch(t *testing.T) {
	_, err := Apply("abc", New().Retain(2))
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestApply_OverflowedBuilder(t *testing.T) {
	// The builder wraps around to a base length of 3.
	op := New().Retain(math.MaxInt).Insert("x").Retain(math.MaxInt).Retain(5)

	if _, err := Apply("abc", op); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
	if err := op.Validate(); !errors.Is(err, ErrTooLong) {
		t.Errorf("expected ErrTooLong, got %v", err)
	}
	if err := New().Retain(3).Insert("x").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApply_InvalidUTF8(t *testing.T) {
	_, err := Apply("a\xffb", New().Retain(3))
	if !errors.Is(err, ErrInvalidText) {
		t.Errorf("expected ErrInvalidText, got %v", err)
	}
}

func TestCompose(t *testing.T) {
	op1 := New().Retain(1).Insert("X").Retain(2) // abc -> aXbc
	op2 := New().Retain(2).Delete(1).Retain(1)   // aXbc -> aXc

	got, err := Compose(op1, op2)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	want := New().Retain(1).Insert("X").Delete(1).Retain(1)
	if !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got.String(), want.String()))
	}

	doc, err := Apply("abc", got)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if doc != "aXc" {
		t.Errorf("got = %q, expected = %q", doc, "aXc")
	}
}

func TestCompose_InsertThenDelete(t *testing.T) {
	op1 := New().Retain(3).Insert("typo")
	op2 := New().Retain(3).Delete(4)

	got, err := Compose(op1, op2)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if !got.IsNoop() {
		t.Errorf("expected a no-op, got %v", got)
	}
}

func TestCompose_IncompatibleLength(t *testing.T) {
	_, err := Compose(New().Retain(3), New().Retain(4))
	if !errors.Is(err, ErrIncompatibleLength) {
		t.Errorf("expected ErrIncompatibleLength, got %v", err)
	}
}

func TestInvert(t *testing.T) {
	doc := "hello world"
	op := New().Retain(2).Delete(3).Insert("y").Retain(6)

	inverse, err := Invert(op, doc)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	edited, err := Apply(doc, op)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if edited != "hey world" {
		t.Errorf("got = %q, expected = %q", edited, "hey world")
	}

	restored, err := Apply(edited, inverse)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if restored != doc {
		t.Errorf("got = %q, expected = %q", restored, doc)
	}
}

func TestInvert_LengthMismatch(t *testing.T) {
	_, err := Invert(New().Retain(1), "ab")
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
}
