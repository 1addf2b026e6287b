// Package group implements group formation on top of the engine's group chat
// manager.
//
// # Creating Groups
//
// Create posts a single multi-recipient request. The engine reports how many
// of the member requests went out:
//
//	g, err := proto.Create(ctx, leaderID, []byte("Ops"), []byte("welcome"), members)
//	var partial *group.PartialFailureError
//	switch {
//	case errors.Is(err, group.ErrNoRequestSent):
//	    // nothing was sent; nothing was stored
//	case errors.As(err, &partial):
//	    // g is stored; some members never received the request
//	case err != nil:
//	    // engine error, already translated
//	}
//
// When some or all requests failed, Create resends once. A successful resend
// takes the normal path; otherwise the group is still returned together with
// a *PartialFailureError.
//
// # Invitations
//
// HandleRequest stores an incoming invitation as Pending. Join accepts it and
// marks the group Participating; Leave marks it Hidden. Invitations for groups
// the user already joined or left are not republished.
//
// # Thread Safety
//
// Protocol is safe for concurrent use. Group values it returns are copies.
package group
