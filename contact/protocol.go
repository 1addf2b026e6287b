package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// Engine is the subset of engine.Engine the protocol drives.
type Engine interface {
	RequestAuthenticatedChannel(partner, myFacts []byte) (int64, error)
	ConfirmAuthenticatedChannel(partner []byte) (int64, error)
	ResetAuthenticatedChannel(partner []byte) (int64, error)
	VerifyOwnership(received, verified []byte) (bool, error)
}

// HealthChecker gates the first request of a session.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Translator maps engine errors to user-facing ones.
type Translator interface {
	Translate(op string, err error) error
}

// LookupFunc resolves a contact through User Discovery.
type LookupFunc func(ctx context.Context, id []byte) (engine.ContactRecord, error)

// Protocol runs contact state transitions.
type Protocol struct {
	engine    Engine
	store     Store
	health    HealthChecker
	translate Translator
	log       logrus.FieldLogger
	now       func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	checked bool
}

// Config holds the Protocol collaborators.
type Config struct {
	Engine     Engine
	Store      Store
	Health     HealthChecker
	Translator Translator
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

type passthrough struct{}

func (passthrough) Translate(_ string, err error) error { return err }

// NewProtocol returns a Protocol. Health may be nil to skip the check.
func NewProtocol(cfg Config) *Protocol {
	if cfg.Translator == nil {
		cfg.Translator = passthrough{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Protocol{
		engine:    cfg.Engine,
		store:     cfg.Store,
		health:    cfg.Health,
		translate: cfg.Translator,
		log:       cfg.Logger,
		now:       cfg.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock serializes transitions for one contact.
func (p *Protocol) lock(id []byte) func() {
	p.mu.Lock()
	l, ok := p.locks[Key(id)]
	if !ok {
		l = &sync.Mutex{}
		p.locks[Key(id)] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// current returns the stored version of c, or a copy of c when unknown.
func (p *Protocol) current(c *Contact) (*Contact, error) {
	stored, err := p.store.Contact(c.ID)
	if errors.Is(err, ErrNotFound) {
		cp := c.Clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = p.now()
		}
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	return stored, nil
}

func (p *Protocol) transition(c *Contact, to AuthStatus, op string) error {
	from := c.AuthStatus
	c.AuthStatus = to
	if err := p.store.SaveContact(c); err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"function":   op,
		"contact_id": shortID(c.ID),
		"from":       from.String(),
		"to":         to.String(),
	}).Info("Contact state changed")
	return nil
}

// ensureHealthy runs the node-registration check until it passes once.
func (p *Protocol) ensureHealthy(ctx context.Context) error {
	if p.health == nil {
		return nil
	}
	p.mu.Lock()
	checked := p.checked
	p.mu.Unlock()
	if checked {
		return nil
	}

	if err := p.health.Check(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.checked = true
	p.mu.Unlock()
	return nil
}

// Request asks c for an authenticated channel, sending ownFacts along. On
// success the contact is Requested; on an engine error it is RequestFailed
// and a translated error is returned.
func (p *Protocol) Request(ctx context.Context, c *Contact, ownFacts []engine.Fact) (*Contact, error) {
	return p.request(ctx, c, ownFacts, "Request")
}

// Resend repeats the request round for a Requested or RequestFailed contact.
// It is the same transition as Request and never produces Friend.
func (p *Protocol) Resend(ctx context.Context, c *Contact, ownFacts []engine.Fact) (*Contact, error) {
	return p.request(ctx, c, ownFacts, "Resend")
}

func (p *Protocol) request(ctx context.Context, c *Contact, ownFacts []engine.Fact, op string) (*Contact, error) {
	unlock := p.lock(c.ID)
	defer unlock()

	cur, err := p.current(c)
	if err != nil {
		return nil, err
	}
	switch cur.AuthStatus {
	case Stranger, Requesting, Requested, RequestFailed:
	default:
		return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, cur.AuthStatus)
	}

	if err := p.ensureHealthy(ctx); err != nil {
		p.log.WithFields(logrus.Fields{
			"function":   op,
			"contact_id": shortID(c.ID),
			"error":      err.Error(),
		}).Warn("Skipping request while the network stabilizes")
		return cur, p.translate.Translate(op, err)
	}

	facts, err := json.Marshal(ownFacts)
	if err != nil {
		return nil, fmt.Errorf("marshal facts: %w", err)
	}

	if err := p.transition(cur, Requesting, op); err != nil {
		return nil, err
	}

	roundID, reqErr := p.engine.RequestAuthenticatedChannel(cur.Marshaled, facts)
	if reqErr != nil {
		if err := p.transition(cur, RequestFailed, op); err != nil {
			return nil, err
		}
		return cur, p.translate.Translate(op, reqErr)
	}

	p.log.WithFields(logrus.Fields{
		"function":   op,
		"contact_id": shortID(cur.ID),
		"round_id":   roundID,
	}).Debug("Authenticated channel requested")

	if err := p.transition(cur, Requested, op); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// HandleRequest records an incoming request. It returns the contact and
// whether the event should be published; blocked contacts and existing
// friends are not.
func (p *Protocol) HandleRequest(ev bridge.AuthEvent) (*Contact, bool, error) {
	incoming := FromRecord(ev.Contact, p.now())
	unlock := p.lock(incoming.ID)
	defer unlock()

	cur, err := p.current(incoming)
	if err != nil {
		return nil, false, err
	}
	if len(cur.Marshaled) == 0 {
		cur.Marshaled = incoming.Marshaled
	}
	if cur.IsBlocked || cur.IsBanned || cur.AuthStatus == Friend {
		p.log.WithFields(logrus.Fields{
			"function":   "HandleRequest",
			"contact_id": shortID(cur.ID),
			"status":     cur.AuthStatus.String(),
			"blocked":    cur.IsBlocked || cur.IsBanned,
		}).Info("Ignoring incoming request")
		return cur, false, nil
	}

	mergeFacts(cur, incoming)
	cur.IsRecent = true
	if err := p.transition(cur, VerificationInProgress, "HandleRequest"); err != nil {
		return nil, false, err
	}
	return cur.Clone(), true, nil
}

// Verify checks that UD vouches for the requesting contact.
func (p *Protocol) Verify(ctx context.Context, c *Contact, lookup LookupFunc) (*Contact, error) {
	unlock := p.lock(c.ID)
	defer unlock()

	cur, err := p.current(c)
	if err != nil {
		return nil, err
	}
	if cur.AuthStatus != VerificationInProgress && cur.AuthStatus != VerificationFailed {
		return cur, fmt.Errorf("%w: verify from %s", ErrInvalidTransition, cur.AuthStatus)
	}
	if cur.AuthStatus == VerificationFailed {
		if err := p.transition(cur, VerificationInProgress, "Verify"); err != nil {
			return nil, err
		}
	}

	verified, err := p.verifyOwnership(ctx, cur, lookup)
	if err != nil || !verified {
		if terr := p.transition(cur, VerificationFailed, "Verify"); terr != nil {
			return nil, terr
		}
		if err == nil {
			err = ErrOwnershipMismatch
		}
		return cur, p.translate.Translate("Verify", err)
	}
	if err := p.transition(cur, Verified, "Verify"); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

func (p *Protocol) verifyOwnership(ctx context.Context, c *Contact, lookup LookupFunc) (bool, error) {
	rec, err := lookup(ctx, c.ID)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rec.ID, c.ID) {
		return false, nil
	}
	return p.engine.VerifyOwnership(c.Marshaled, rec.Marshaled)
}

// Confirm accepts an incoming request.
func (p *Protocol) Confirm(ctx context.Context, c *Contact) (*Contact, error) {
	unlock := p.lock(c.ID)
	defer unlock()

	cur, err := p.current(c)
	if err != nil {
		return nil, err
	}
	switch cur.AuthStatus {
	case VerificationInProgress, Verified, ConfirmationFailed:
	default:
		return cur, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, cur.AuthStatus)
	}

	if err := p.transition(cur, Confirming, "Confirm"); err != nil {
		return nil, err
	}
	if _, confErr := p.engine.ConfirmAuthenticatedChannel(cur.Marshaled); confErr != nil {
		if err := p.transition(cur, ConfirmationFailed, "Confirm"); err != nil {
			return nil, err
		}
		return cur, p.translate.Translate("Confirm", confErr)
	}
	if err := p.transition(cur, Friend, "Confirm"); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// HandleConfirmation completes a pending request. Confirmations for contacts
// that are not Requested are ignored, so a repeated confirmation never
// produces a second Friend transition.
func (p *Protocol) HandleConfirmation(ev bridge.AuthEvent) (*Contact, bool, error) {
	unlock := p.lock(ev.Contact.ID)
	defer unlock()

	cur, err := p.store.Contact(ev.Contact.ID)
	if errors.Is(err, ErrNotFound) {
		p.log.WithFields(logrus.Fields{
			"function":   "HandleConfirmation",
			"contact_id": shortID(ev.Contact.ID),
		}).Warn("Confirmation for unknown contact")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load contact: %w", err)
	}
	if cur.AuthStatus != Requested {
		p.log.WithFields(logrus.Fields{
			"function":   "HandleConfirmation",
			"contact_id": shortID(cur.ID),
			"status":     cur.AuthStatus.String(),
		}).Info("Ignoring confirmation for contact without a pending request")
		return cur, false, nil
	}

	if len(ev.Contact.Marshaled) > 0 {
		cur.Marshaled = append([]byte(nil), ev.Contact.Marshaled...)
	}
	if err := p.transition(cur, Friend, "HandleConfirmation"); err != nil {
		return nil, false, err
	}
	return cur.Clone(), true, nil
}

// HandleReset returns a Friend to Stranger after the peer reset the channel.
func (p *Protocol) HandleReset(ev bridge.AuthEvent) (*Contact, bool, error) {
	unlock := p.lock(ev.Contact.ID)
	defer unlock()

	cur, err := p.store.Contact(ev.Contact.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load contact: %w", err)
	}
	if cur.AuthStatus != Friend {
		return cur, false, nil
	}
	if err := p.transition(cur, Stranger, "HandleReset"); err != nil {
		return nil, false, err
	}
	return cur.Clone(), true, nil
}

// Reset re-keys the channel with a Friend. The contact stays a Friend.
func (p *Protocol) Reset(ctx context.Context, c *Contact) error {
	unlock := p.lock(c.ID)
	defer unlock()

	cur, err := p.current(c)
	if err != nil {
		return err
	}
	if cur.AuthStatus != Friend {
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, cur.AuthStatus)
	}
	if _, err := p.engine.ResetAuthenticatedChannel(cur.Marshaled); err != nil {
		return p.translate.Translate("Reset", err)
	}
	return nil
}

// Upsert stores c as a Friend without running the protocol, for contacts
// restored from a backup.
func (p *Protocol) Upsert(c *Contact) (*Contact, error) {
	unlock := p.lock(c.ID)
	defer unlock()

	cur, err := p.current(c)
	if err != nil {
		return nil, err
	}
	mergeFacts(cur, c)
	if err := p.transition(cur, Friend, "Upsert"); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

func mergeFacts(dst, src *Contact) {
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.Phone != "" {
		dst.Phone = src.Phone
	}
	if src.Nickname != "" {
		dst.Nickname = src.Nickname
	}
	if len(src.Marshaled) > 0 {
		dst.Marshaled = append([]byte(nil), src.Marshaled...)
	}
}

func shortID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return Key(id)
}
