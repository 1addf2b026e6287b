package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// Chat is the subset of engine.GroupChat the protocol drives.
type Chat interface {
	MakeGroup(membership, name, description []byte) ([]byte, error)
	ResendRequest(groupID []byte) ([]byte, error)
	JoinGroup(serialized []byte) error
	LeaveGroup(groupID []byte) error
	Send(groupID, message []byte) ([]byte, error)
}

// Translator maps engine errors to user-facing ones.
type Translator interface {
	Translate(op string, err error) error
}

type passthrough struct{}

func (passthrough) Translate(_ string, err error) error { return err }

// Protocol runs group creation and membership changes.
type Protocol struct {
	chat      Chat
	store     Store
	translate Translator
	log       logrus.FieldLogger
	now       func() time.Time

	mu sync.Mutex
}

// NewProtocol returns a Protocol. tr and log may be nil.
func NewProtocol(chat Chat, store Store, tr Translator, log logrus.FieldLogger) *Protocol {
	if tr == nil {
		tr = passthrough{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Protocol{chat: chat, store: store, translate: tr, log: log, now: time.Now}
}

func decodeReport(raw []byte) (engine.GroupReport, error) {
	var r engine.GroupReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode group report: %w", err)
	}
	return r, nil
}

// Create makes a group led by leaderID and invites members. On status 1 or 2
// the request is resent exactly once; the returned error is a
// *PartialFailureError when the resend does not reach every member, in which
// case the group is still stored and returned.
func (p *Protocol) Create(ctx context.Context, leaderID, name, welcome []byte, members [][]byte) (*Group, error) {
	log := p.log.WithFields(logrus.Fields{
		"function": "Create",
		"members":  len(members),
	})

	membership, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("marshal membership: %w", err)
	}
	raw, err := p.chat.MakeGroup(membership, name, welcome)
	if err != nil {
		log.WithField("error", err.Error()).Error("MakeGroup failed")
		return nil, p.translate.Translate("CreateGroup", err)
	}
	report, err := decodeReport(raw)
	if err != nil {
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"group_id": shortID(report.ID), "status": report.Status})

	var partial *PartialFailureError
	switch report.Status {
	case engine.GroupNotSent:
		log.Warn("No group request was sent")
		return nil, ErrNoRequestSent
	case engine.GroupAllFail, engine.GroupPartialSent:
		log.Info("Resending group request")
		partial = p.resend(ctx, report)
	case engine.GroupAllSucceeded:
	default:
		return nil, fmt.Errorf("unknown group request status %d", report.Status)
	}

	g := &Group{
		ID:         append([]byte(nil), report.ID...),
		Name:       append([]byte(nil), name...),
		LeaderID:   append([]byte(nil), leaderID...),
		CreatedAt:  p.now(),
		AuthStatus: Participating,
		Serialized: append([]byte(nil), report.Serialized...),
	}
	if err := p.save(g); err != nil {
		return nil, err
	}
	if partial != nil {
		log.WithField("error", partial.Error()).Warn("Group created with undelivered requests")
		return g.Clone(), partial
	}
	log.Info("Group created")
	return g.Clone(), nil
}

// resend issues the single ResendRequest and returns nil when it reached
// every member.
func (p *Protocol) resend(ctx context.Context, report engine.GroupReport) *PartialFailureError {
	partial := &PartialFailureError{GroupID: report.ID, Status: report.Status, ResendStatus: report.Status}
	if err := ctx.Err(); err != nil {
		partial.Err = err
		return partial
	}
	raw, err := p.chat.ResendRequest(report.ID)
	if err != nil {
		partial.Err = p.translate.Translate("ResendGroupRequest", err)
		return partial
	}
	again, err := decodeReport(raw)
	if err != nil {
		partial.Err = err
		return partial
	}
	if again.Status != engine.GroupAllSucceeded {
		partial.ResendStatus = again.Status
		return partial
	}
	return nil
}

// Join accepts an invitation.
func (p *Protocol) Join(ctx context.Context, g *Group) (*Group, error) {
	if err := p.chat.JoinGroup(g.Serialized); err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "Join",
			"group_id": shortID(g.ID),
			"error":    err.Error(),
		}).Error("JoinGroup failed")
		return nil, p.translate.Translate("JoinGroup", err)
	}
	return p.mark(g, Participating)
}

// Leave leaves a group and hides it.
func (p *Protocol) Leave(ctx context.Context, groupID []byte) error {
	if err := p.chat.LeaveGroup(groupID); err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "Leave",
			"group_id": shortID(groupID),
			"error":    err.Error(),
		}).Error("LeaveGroup failed")
		return p.translate.Translate("LeaveGroup", err)
	}
	g, err := p.store.Group(groupID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	_, err = p.mark(g, Hidden)
	return err
}

// Send posts a message to a group and returns the engine's report.
func (p *Protocol) Send(ctx context.Context, groupID, payload []byte) (engine.GroupReport, error) {
	raw, err := p.chat.Send(groupID, payload)
	if err != nil {
		return engine.GroupReport{}, p.translate.Translate("SendGroup", err)
	}
	return decodeReport(raw)
}

// HandleRequest stores an incoming invitation as Pending. It reports false
// for groups already joined or left.
func (p *Protocol) HandleRequest(req engine.GroupRequest) (*Group, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.store.Group(req.ID)
	switch {
	case err == nil && existing.AuthStatus != Pending:
		p.log.WithFields(logrus.Fields{
			"function": "HandleRequest",
			"group_id": shortID(req.ID),
			"status":   existing.AuthStatus.String(),
		}).Info("Ignoring invitation for known group")
		return existing, false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("load group: %w", err)
	}

	g := FromRequest(req)
	if g.CreatedAt.IsZero() {
		g.CreatedAt = p.now()
	}
	if err := p.store.SaveGroup(g); err != nil {
		return nil, false, fmt.Errorf("save group: %w", err)
	}
	return g.Clone(), true, nil
}

func (p *Protocol) mark(g *Group, status AuthStatus) (*Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.store.Group(g.ID)
	if errors.Is(err, ErrNotFound) {
		cur = g.Clone()
	} else if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	cur.AuthStatus = status
	if err := p.store.SaveGroup(cur); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"function": "mark",
		"group_id": shortID(cur.ID),
		"status":   status.String(),
	}).Info("Group status changed")
	return cur.Clone(), nil
}

func (p *Protocol) save(g *Group) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.SaveGroup(g); err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

func shortID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return Key(id)
}
