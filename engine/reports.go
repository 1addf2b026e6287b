package engine

// SendReport is returned by SendE2E and group sends.
type SendReport struct {
	RoundList []int64 `json:"Rounds"`
	RoundURL  string  `json:"RoundURL,omitempty"`
	MessageID []byte  `json:"MessageID"`
	Timestamp int64   `json:"Timestamp"`
}

// NodeRegistrationReport is returned by NodeRegistrationStatus.
type NodeRegistrationReport struct {
	Registered int `json:"NumberOfNodesRegistered"`
	Total      int `json:"NumberOfNodes"`
}

// ReceivedMessage is the payload delivered to a Listener.
type ReceivedMessage struct {
	MessageType int    `json:"MessageType"`
	ID          []byte `json:"ID"`
	Payload     []byte `json:"Payload"`
	Sender      []byte `json:"Sender"`
	RecipientID []byte `json:"RecipientID"`
	Timestamp   int64  `json:"Timestamp"`
	RoundID     int64  `json:"RoundId"`
	RoundURL    string `json:"RoundURL,omitempty"`
}

// ContactRecord is a contact as the engine marshals it.
type ContactRecord struct {
	ID        []byte `json:"ID"`
	Marshaled []byte `json:"Marshaled"`
	Facts     []Fact `json:"Facts,omitempty"`
}

// FailedLookupRecord names an id a multi-lookup could not resolve.
type FailedLookupRecord struct {
	ID    []byte `json:"ID"`
	Error string `json:"Error"`
}

// FactType enumerates the UD fact kinds.
type FactType int

const (
	FactUsername FactType = 0
	FactEmail    FactType = 1
	FactPhone    FactType = 2
	FactNickname FactType = 3
)

// Fact is a typed UD fact as the engine marshals it.
type Fact struct {
	Type  FactType `json:"T"`
	Value string   `json:"Fact"`
}

// GroupReport is returned by MakeGroup and ResendRequest.
type GroupReport struct {
	ID        []byte  `json:"Id"`
	RoundList []int64 `json:"Rounds"`
	Status    int     `json:"Status"`
	// Serialized is the group as JoinGroup expects it.
	Serialized []byte `json:"Serialized,omitempty"`
}

// Group request status codes reported by MakeGroup and ResendRequest.
const (
	GroupNotSent      = 0
	GroupAllFail      = 1
	GroupPartialSent  = 2
	GroupAllSucceeded = 3
)

// GroupRequest is an incoming group invitation.
type GroupRequest struct {
	ID         []byte   `json:"Id"`
	Name       []byte   `json:"Name"`
	LeaderID   []byte   `json:"LeaderId"`
	Members    [][]byte `json:"Members,omitempty"`
	Welcome    []byte   `json:"InitMessage,omitempty"`
	Created    int64    `json:"Created"`
	Serialized []byte   `json:"Serialized"`
}

// GroupMessage is a decrypted group message.
type GroupMessage struct {
	GroupID   []byte `json:"GroupId"`
	MessageID []byte `json:"MessageId"`
	SenderID  []byte `json:"SenderId"`
	Payload   []byte `json:"Payload"`
	Timestamp int64  `json:"Timestamp"`
	RoundID   int64  `json:"RoundId"`
	RoundURL  string `json:"RoundURL,omitempty"`
}

// Preimage is one notification preimage.
type Preimage struct {
	Data   []byte `json:"Data"`
	Type   string `json:"Type"`
	Source []byte `json:"Source"`
}

// FileOffer announces an incoming transfer.
type FileOffer struct {
	TransferID []byte `json:"TransferID"`
	SenderID   []byte `json:"SenderID"`
	Preview    []byte `json:"Preview,omitempty"`
	Name       string `json:"Name"`
	Type       string `json:"Type"`
	Size       int    `json:"Size"`
}

// SentProgress is reported periodically for outgoing transfers.
type SentProgress struct {
	TransferID []byte `json:"TransferID"`
	Completed  bool   `json:"Completed"`
	Sent       int    `json:"Sent"`
	Arrived    int    `json:"Arrived"`
	Total      int    `json:"Total"`
}

// ReceivedProgress is reported periodically for incoming transfers.
type ReceivedProgress struct {
	TransferID []byte `json:"TransferID"`
	Completed  bool   `json:"Completed"`
	Received   int    `json:"Received"`
	Total      int    `json:"Total"`
}

// FileSpec describes a file handed to FileTransfer.Send.
type FileSpec struct {
	Name     string `json:"Name"`
	Type     string `json:"Type"`
	Preview  []byte `json:"Preview,omitempty"`
	Contents []byte `json:"Contents"`
}
