// Package contact implements the authenticated-channel protocol between two
// identities.
//
// # States
//
// Outgoing requests move a contact through
//
//	Stranger -> Requesting -> Requested -> Friend
//	                      \-> RequestFailed
//
// where Requested -> Friend happens when the peer's confirmation arrives.
// RequestFailed is distinct from Stranger so a caller can offer a retry;
// Resend is the same transition as the original request and is safe to
// repeat.
//
// Incoming requests start at VerificationInProgress. Ownership is verified
// against User Discovery (Verified or VerificationFailed) and the local user
// confirms (Confirming -> Friend, or ConfirmationFailed). A reset pushed by
// the peer returns a Friend to Stranger.
//
// # Network health
//
// The first request of a session is gated on the node-registration check:
// requests sent while the network is stabilizing almost always fail.
//
// # Thread Safety
//
// Protocol serializes transitions per contact and is safe for concurrent use.
// Contact values returned by the Protocol are copies.
package contact

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/opd-ai/mixsession/engine"
)

// AuthStatus is the state of the contact-request protocol.
type AuthStatus uint8

const (
	Stranger AuthStatus = iota
	Requesting
	Requested
	RequestFailed
	VerificationInProgress
	Verified
	VerificationFailed
	Confirming
	ConfirmationFailed
	Friend
	Hidden
)

var statusNames = [...]string{
	Stranger:               "stranger",
	Requesting:             "requesting",
	Requested:              "requested",
	RequestFailed:          "requestFailed",
	VerificationInProgress: "verificationInProgress",
	Verified:               "verified",
	VerificationFailed:     "verificationFailed",
	Confirming:             "confirming",
	ConfirmationFailed:     "confirmationFailed",
	Friend:                 "friend",
	Hidden:                 "hidden",
}

func (s AuthStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

var (
	// ErrNotFound is returned by a Store that has no such contact.
	ErrNotFound = errors.New("contact not found")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the contact's current state.
	ErrInvalidTransition = errors.New("invalid contact state transition")
	// ErrOwnershipMismatch is returned when UD does not vouch for a request.
	ErrOwnershipMismatch = errors.New("contact ownership could not be verified")
)

// Contact is a known identity.
type Contact struct {
	ID         []byte
	Marshaled  []byte
	Username   string
	Email      string
	Phone      string
	Nickname   string
	AuthStatus AuthStatus
	IsRecent   bool
	IsBlocked  bool
	IsBanned   bool
	CreatedAt  time.Time
}

// Key returns the contact id as a map key.
func (c *Contact) Key() string { return Key(c.ID) }

// Key renders an id as a map key.
func Key(id []byte) string { return hex.EncodeToString(id) }

// Clone returns a deep copy.
func (c *Contact) Clone() *Contact {
	cp := *c
	cp.ID = append([]byte(nil), c.ID...)
	cp.Marshaled = append([]byte(nil), c.Marshaled...)
	return &cp
}

// FromRecord builds a Stranger contact from an engine record.
func FromRecord(rec engine.ContactRecord, now time.Time) *Contact {
	c := &Contact{
		ID:         append([]byte(nil), rec.ID...),
		Marshaled:  append([]byte(nil), rec.Marshaled...),
		AuthStatus: Stranger,
		CreatedAt:  now,
	}
	for _, f := range rec.Facts {
		switch f.Type {
		case engine.FactUsername:
			c.Username = f.Value
		case engine.FactEmail:
			c.Email = f.Value
		case engine.FactPhone:
			c.Phone = f.Value
		case engine.FactNickname:
			c.Nickname = f.Value
		}
	}
	return c
}

// Store persists contacts. It is an external collaborator.
type Store interface {
	// Contact returns ErrNotFound when id is unknown.
	Contact(id []byte) (*Contact, error)
	SaveContact(c *Contact) error
}
