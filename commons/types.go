package commons

import (
	"fmt"
	"time"

	"github.com/burntcarrot/otpad/ot"
)

// Submission is an operation sent by a replica, based on the revision it last incorporated.
type Submission struct {
	DocumentID   string        `json:"documentId"`
	BaseRevision int           `json:"baseRevision"`
	Operation    *ot.Operation `json:"operation"`
	AuthorID     string        `json:"authorId"`
	SubmissionID string        `json:"submissionId,omitempty"`
}

// Commit is an operation as committed to the document history. It is broadcast verbatim to every replica.
type Commit struct {
	Revision     int           `json:"revision"`
	Operation    *ot.Operation `json:"operation"`
	AuthorID     string        `json:"authorId"`
	SubmissionID string        `json:"submissionId,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Presence is a participant's cursor and selection anchor, expressed against Revision.
type Presence struct {
	ParticipantID   string `json:"participantId"`
	Position        int    `json:"position"`
	SelectionAnchor int    `json:"selectionAnchor"`
	Revision        int    `json:"revision"`
}

// Transform moves the presence through op. The revision is left to the caller.
func (p Presence) Transform(op *ot.Operation) Presence {
	p.Position = ot.TransformIndex(op, p.Position)
	p.SelectionAnchor = ot.TransformIndex(op, p.SelectionAnchor)
	return p
}

// Snapshot is the full state of a document at a revision.
type Snapshot struct {
	DocumentID string     `json:"documentId"`
	Revision   int        `json:"revision"`
	Text       string     `json:"text"`
	Presences  []Presence `json:"presences"`
}

// ErrorKind classifies errors reported to replicas.
type ErrorKind string

const (
	// RevisionNotFound means the replica is based on a revision the session can't rebase from. The replica must resynchronize.
	RevisionNotFound ErrorKind = "RevisionNotFound"

	PermissionDenied  ErrorKind = "PermissionDenied"
	ProtocolViolation ErrorKind = "ProtocolViolation"
)

// Error is an error reply sent over the wire.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
