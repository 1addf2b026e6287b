package engine

// NetworkHealthCallback receives network health changes.
type NetworkHealthCallback interface {
	Callback(healthy bool)
}

// Listener receives inbound E2E messages as JSON-encoded ReceivedMessage.
type Listener interface {
	Hear(item []byte)
}

// AuthRequestCallback is invoked when a remote party requests an
// authenticated channel. contact is a JSON-encoded ContactRecord.
type AuthRequestCallback interface {
	Request(contact, receptionID []byte, ephemeralID, roundID int64)
}

// AuthConfirmCallback is invoked when a remote party confirms a channel we
// requested.
type AuthConfirmCallback interface {
	Confirm(contact, receptionID []byte, ephemeralID, roundID int64)
}

// AuthResetCallback is invoked when a remote party resets an existing channel.
type AuthResetCallback interface {
	Reset(contact, receptionID []byte, ephemeralID, roundID int64)
}

// RoundCompletionCallback reports the outcome of waiting on a set of rounds.
type RoundCompletionCallback interface {
	EventCallback(roundID int64, succeeded, timedOut bool)
}

// MessageDeliveryCallback reports the outcome of waiting on a sent message.
// roundResults is the engine's raw per-round result map.
type MessageDeliveryCallback interface {
	EventCallback(delivered, timedOut bool, roundResults []byte)
}

// GroupRequestCallback receives a JSON-encoded GroupRequest invitation.
type GroupRequestCallback interface {
	Callback(request []byte)
}

// GroupMessageProcessor receives JSON-encoded GroupMessage payloads.
type GroupMessageProcessor interface {
	Process(decrypted []byte, err error)
}

// UdSearchCallback receives a JSON list of ContactRecord.
type UdSearchCallback interface {
	Callback(contactList []byte, err error)
}

// UdLookupCallback receives one JSON-encoded ContactRecord.
type UdLookupCallback interface {
	Callback(contact []byte, err error)
}

// UdMultiLookupCallback receives the found contacts as a JSON list of
// ContactRecord and the ids that could not be resolved as a JSON list of
// FailedLookupRecord.
type UdMultiLookupCallback interface {
	Callback(contactList, failedIDs []byte, err error)
}

// PreimageCallback receives the refreshed notification preimages as a JSON
// list of Preimage.
type PreimageCallback interface {
	Callback(preimages []byte, err error)
}

// FileSentProgressCallback receives JSON-encoded SentProgress updates.
type FileSentProgressCallback interface {
	Callback(progress []byte, err error)
}

// FileReceiveProgressCallback receives JSON-encoded ReceivedProgress updates.
type FileReceiveProgressCallback interface {
	Callback(progress []byte, err error)
}

// ReceiveFileCallback receives JSON-encoded FileOffer announcements.
type ReceiveFileCallback interface {
	Callback(offer []byte, err error)
}

// BackupUpdateCallback receives the encrypted backup blob after every
// internal state change.
type BackupUpdateCallback interface {
	UpdateBackup(encryptedBackup []byte)
}

// RestoreProgressCallback receives restore progress from the engine.
type RestoreProgressCallback interface {
	Callback(numFound, numRestored, total int, err string)
}

// ClientErrorCallback receives errors raised inside engine threads.
type ClientErrorCallback interface {
	Report(source, message, trace string)
}
