package mixsession

import (
	"context"

	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/group"
)

// CreateGroup makes a group led by the local user and invites members. When
// only some invitations went out the request is resent once; if members are
// still missing the group is returned together with a
// *group.PartialFailureError.
func (s *Session) CreateGroup(ctx context.Context, name, welcome []byte, members [][]byte) (*group.Group, error) {
	groups, err := s.groupProtocol()
	if err != nil {
		return nil, err
	}
	return call(ctx, s, func() (*group.Group, error) {
		return groups.Create(ctx, s.eng.ReceptionID(), name, welcome, members)
	})
}

// JoinGroup accepts a group invitation.
func (s *Session) JoinGroup(ctx context.Context, g *group.Group) (*group.Group, error) {
	groups, err := s.groupProtocol()
	if err != nil {
		return nil, err
	}
	return call(ctx, s, func() (*group.Group, error) {
		return groups.Join(ctx, g)
	})
}

// LeaveGroup leaves a group and hides it.
func (s *Session) LeaveGroup(ctx context.Context, groupID []byte) error {
	groups, err := s.groupProtocol()
	if err != nil {
		return err
	}
	_, err = call(ctx, s, func() (struct{}, error) {
		return struct{}{}, groups.Leave(ctx, groupID)
	})
	return err
}

// SendGroup sends text to every member of a group.
func (s *Session) SendGroup(ctx context.Context, groupID []byte, text string, replyTo []byte) (engine.GroupReport, error) {
	groups, err := s.groupProtocol()
	if err != nil {
		return engine.GroupReport{}, err
	}
	body, err := encodePayload(text, replyTo)
	if err != nil {
		return engine.GroupReport{}, err
	}
	return call(ctx, s, func() (engine.GroupReport, error) {
		return groups.Send(ctx, groupID, body)
	})
}
