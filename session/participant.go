package session

import (
	"fmt"

	"github.com/burntcarrot/otpad/commons"
)

// Capabilities is what a participant is allowed to do in a session.
type Capabilities interface {
	CanSubmitOperation() bool
	CanObservePresence() bool
}

// Role is one of a closed set of participant roles.
type Role string

const (
	// RoleEditor edits the document and sees other participants' cursors.
	RoleEditor Role = "editor"

	// RoleViewer follows the document and cursors without editing.
	RoleViewer Role = "viewer"

	// RoleAgent edits the document programmatically and doesn't receive presence.
	RoleAgent Role = "agent"
)

// ParseRole parses a role name. The empty name is an editor.
func ParseRole(name string) (Role, error) {
	switch Role(name) {
	case "":
		return RoleEditor, nil
	case RoleEditor, RoleViewer, RoleAgent:
		return Role(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, name)
}

func (r Role) CanSubmitOperation() bool {
	return r == RoleEditor || r == RoleAgent
}

func (r Role) CanObservePresence() bool {
	return r == RoleEditor || r == RoleViewer
}

// Participant is a member of a session.
type Participant struct {
	ID   string
	Name string
	Role Role
}

func (p Participant) CanSubmitOperation() bool { return p.Role.CanSubmitOperation() }
func (p Participant) CanObservePresence() bool { return p.Role.CanObservePresence() }

var (
	_ Capabilities = Role("")
	_ Capabilities = Participant{}
)

// Subscriber receives the messages a session broadcasts. Deliver is called with the session locked,
// so it must not block and must not call back into the session.
type Subscriber interface {
	Deliver(msg commons.Message)
}

// SubscriberFunc adapts a function to a Subscriber.
type SubscriberFunc func(msg commons.Message)

func (f SubscriberFunc) Deliver(msg commons.Message) { f(msg) }
