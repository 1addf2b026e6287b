package engine

import (
	"errors"
	"time"
)

// ErrNotReady is returned by StartNetworkFollower while the engine cannot
// start following the network yet. The engine has no readiness event, so
// callers poll.
var ErrNotReady = errors.New("network follower not ready")

// MessageType values understood by SendE2E.
const (
	MessageTypeText     = 2
	MessageTypeTransfer = 3
)

// Engine is the handle to one logged-in engine instance.
type Engine interface {
	// ReceptionID returns the marshaled local reception identity.
	ReceptionID() []byte

	StartNetworkFollower(timeoutMS int) error
	// StopNetworkFollower blocks until the engine threads have unwound.
	StopNetworkFollower() error
	NetworkFollowerStatus() int
	IsNetworkHealthy() bool
	// NodeRegistrationStatus returns a JSON-encoded NodeRegistrationReport.
	NodeRegistrationStatus() ([]byte, error)

	RegisterNetworkHealthCallback(cb NetworkHealthCallback) int64
	RegisterListener(senderID []byte, messageType int, l Listener) error
	RegisterAuthCallbacks(req AuthRequestCallback, conf AuthConfirmCallback, reset AuthResetCallback) error
	RegisterClientErrorCallback(cb ClientErrorCallback)
	TrackServices(cb PreimageCallback)

	// SendE2E returns a JSON-encoded SendReport.
	SendE2E(messageType int, recipientID, payload []byte) ([]byte, error)
	// WaitForMessageDelivery reports through cb exactly once, bounded by timeoutMS.
	WaitForMessageDelivery(sendReport []byte, cb MessageDeliveryCallback, timeoutMS int) error
	// WaitForRoundResult reports through cb exactly once, bounded by timeoutMS.
	WaitForRoundResult(roundList []byte, cb RoundCompletionCallback, timeoutMS int) error

	// RequestAuthenticatedChannel returns the id of the round carrying the request.
	RequestAuthenticatedChannel(partner, myFacts []byte) (int64, error)
	ConfirmAuthenticatedChannel(partner []byte) (int64, error)
	ResetAuthenticatedChannel(partner []byte) (int64, error)
	VerifyOwnership(received, verified []byte) (bool, error)

	NewUserDiscovery(username string) (UserDiscovery, error)
	NewGroupChat(requests GroupRequestCallback, processor GroupMessageProcessor) (GroupChat, error)
	NewFileTransfer(receive ReceiveFileCallback) (FileTransfer, error)
	NewDummyTraffic(maxMessages int, avgSendDelta, randomRange time.Duration) (DummyTraffic, error)
	InitializeBackup(key, salt []byte, cb BackupUpdateCallback) (Backup, error)
	ResumeBackup(cb BackupUpdateCallback) (Backup, error)
}

// UserDiscovery is the engine's UD client.
type UserDiscovery interface {
	// SendRegisterFact returns the confirmation id for email and phone facts.
	SendRegisterFact(fact []byte) (string, error)
	ConfirmFact(confirmationID, code string) error
	RemoveFact(fact []byte) error
	Search(factList []byte, cb UdSearchCallback, timeoutMS int) error
	Lookup(userID []byte, cb UdLookupCallback, timeoutMS int) error
	MultiLookup(idList []byte, cb UdMultiLookupCallback, timeoutMS int) error
	GetContact() ([]byte, error)
}

// GroupChat is the engine's group manager.
type GroupChat interface {
	// MakeGroup returns a JSON-encoded GroupReport.
	MakeGroup(membership []byte, name, description []byte) ([]byte, error)
	// ResendRequest returns a JSON-encoded GroupReport.
	ResendRequest(groupID []byte) ([]byte, error)
	JoinGroup(serializedGroup []byte) error
	LeaveGroup(groupID []byte) error
	// Send returns a JSON-encoded GroupReport.
	Send(groupID, message []byte) ([]byte, error)
}

// FileTransfer is the engine's file transfer manager.
type FileTransfer interface {
	// Send returns the transfer id.
	Send(file []byte, recipientID []byte, retry float32, cb FileSentProgressCallback, periodMS int) ([]byte, error)
	Receive(transferID []byte) ([]byte, error)
	RegisterReceivedProgressCallback(transferID []byte, cb FileReceiveProgressCallback, periodMS int) error
	CloseSend(transferID []byte) error
}

// DummyTraffic controls cover traffic generation.
type DummyTraffic interface {
	SetStatus(enabled bool) error
	GetStatus() bool
}

// Backup is a running backup registration.
type Backup interface {
	Stop() error
	IsRunning() bool
}
