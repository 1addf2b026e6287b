package group

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/mixsession/engine"
)

// AuthStatus is the local membership state of a group.
type AuthStatus uint8

const (
	// Pending is an invitation that was neither accepted nor declined.
	Pending AuthStatus = iota
	// Participating means the local user is a member.
	Participating
	// Hidden means the user left or declined.
	Hidden
)

func (s AuthStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Participating:
		return "participating"
	case Hidden:
		return "hidden"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound is returned by a Store that has no such group.
	ErrNotFound = errors.New("group not found")
	// ErrNoRequestSent is returned when the engine could not send any member
	// request (status 0). No resend is attempted.
	ErrNoRequestSent = errors.New("no group request could be sent")
)

// PartialFailureError reports a group whose member requests did not all go
// out, even after one resend.
type PartialFailureError struct {
	GroupID []byte
	// Status is the status of the original request.
	Status int
	// ResendStatus is the status reported by the resend, when it returned one.
	ResendStatus int
	// Err is the resend's engine error, if any.
	Err error
}

func (e *PartialFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("group %s: requests failed (status %d), resend failed: %v",
			Key(e.GroupID), e.Status, e.Err)
	}
	return fmt.Sprintf("group %s: requests failed (status %d), resend status %d",
		Key(e.GroupID), e.Status, e.ResendStatus)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Group is a known group.
type Group struct {
	ID         []byte
	Name       []byte
	LeaderID   []byte
	CreatedAt  time.Time
	AuthStatus AuthStatus
	Serialized []byte
}

// Key renders a group id as a map key.
func Key(id []byte) string { return hex.EncodeToString(id) }

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	cp := *g
	cp.ID = append([]byte(nil), g.ID...)
	cp.Name = append([]byte(nil), g.Name...)
	cp.LeaderID = append([]byte(nil), g.LeaderID...)
	cp.Serialized = append([]byte(nil), g.Serialized...)
	return &cp
}

// FromRequest builds a Pending group from an incoming invitation.
func FromRequest(req engine.GroupRequest) *Group {
	created := time.Unix(0, req.Created)
	if req.Created == 0 {
		created = time.Time{}
	}
	return &Group{
		ID:         append([]byte(nil), req.ID...),
		Name:       append([]byte(nil), req.Name...),
		LeaderID:   append([]byte(nil), req.LeaderID...),
		CreatedAt:  created,
		AuthStatus: Pending,
		Serialized: append([]byte(nil), req.Serialized...),
	}
}

// Store persists groups.
type Store interface {
	// Group returns ErrNotFound when id is unknown.
	Group(id []byte) (*Group, error)
	SaveGroup(g *Group) error
}
