package commons

import "github.com/burntcarrot/otpad/ot"

// Message represents the message sent over the wire.
// Only the fields relevant to its Type are set.
type Message struct {
	// Type represents the message type.
	Type MessageType `json:"type"`

	// DocumentID is the document the message refers to.
	DocumentID string `json:"documentId,omitempty"`

	// AuthorID identifies the participant that sent the message. The server fills it in for joins that leave it empty.
	AuthorID string `json:"authorId,omitempty"`

	// Username is the display name announced on join.
	Username string `json:"username,omitempty"`

	// Role is the participant role requested on join.
	Role string `json:"role,omitempty"`

	// Revision is the base revision of a submission, or the revision a catch-up starts after.
	Revision int `json:"revision,omitempty"`

	// SubmissionID identifies a submission so that a resent one is committed at most once.
	SubmissionID string `json:"submissionId,omitempty"`

	// Operation is the submitted operation.
	Operation *ot.Operation `json:"operation,omitempty"`

	// Commit is set for commit messages.
	Commit *Commit `json:"commit,omitempty"`

	// Commits is the answer to a catch-up request, in revision order.
	Commits []Commit `json:"commits,omitempty"`

	// Snapshot is the answer to a join. This can be large, and is only sent when joining or resynchronizing.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// Presence is set for presence updates and leave notifications.
	Presence *Presence `json:"presence,omitempty"`

	// Error is set for error replies.
	Error *Error `json:"error,omitempty"`
}

// MessageType represents the type of the message.
type MessageType string

// Client to server:
// - join (join a document, answered with a snapshot)
// - submit (submit an operation, answered with a commit or an error)
// - presence (cursor update, rebroadcast to other participants)
// - catchup (request commits after a revision, answered with history)
// - leave (leave the document)
//
// Server to client:
// - snapshot, commit, presence, history, leave, error
const (
	JoinMessage     MessageType = "join"
	SnapshotMessage MessageType = "snapshot"
	SubmitMessage   MessageType = "submit"
	CommitMessage   MessageType = "commit"
	PresenceMessage MessageType = "presence"
	CatchupMessage  MessageType = "catchup"
	HistoryMessage  MessageType = "history"
	LeaveMessage    MessageType = "leave"
	ErrorMessage    MessageType = "error"
)
