package session

import "errors"

var (
	// ErrRevisionNotFound is returned when a submission, presence update or catch-up refers to a revision
	// the session never produced or no longer retains. The replica must resynchronize.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrUnknownParticipant is returned for requests from participants that have not joined the session.
	ErrUnknownParticipant = errors.New("participant has not joined the document")

	// ErrPermissionDenied is returned when a participant's role lacks the capability a request needs.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidOperation is returned when a submitted operation can't be applied to the document.
	// It indicates a broken replica, not a recoverable condition.
	ErrInvalidOperation = errors.New("invalid operation")

	ErrInvalidRole = errors.New("invalid participant role")
)
