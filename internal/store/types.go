package store

// Status is the delivery status of a message. It advances monotonically
// along sending → sent → delivered → read. The exception is failed, which is
// reachable from sending or sent and is terminal until an explicit retry
// re-enters sending with the same client token.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Message is one entry in a conversation ledger. ID is server-assigned and
// empty until the send is acknowledged; ClientToken is always present and is
// the correlation key between an optimistic entry and its server echo.
type Message struct {
	ID             string
	ClientToken    string
	ConversationID string
	SenderID       string
	Content        string
	AttachmentRef  string
	CreatedAt      int64 // unix ms; client-estimated until confirmed
	Status         Status
}

// Event is the server's representation of a message, arriving either as a
// live push frame, a send acknowledgment, or a history page entry. All three
// merge through the same reconciliation path.
type Event struct {
	ID             string
	ClientToken    string
	ConversationID string
	SenderID       string
	Content        string
	AttachmentRef  string
	CreatedAt      int64
	Status         Status
}

// Conversation is the metadata snapshot for one conversation.
type Conversation struct {
	ID              string
	PeerID          string
	PeerDisplayName string
	UnreadCount     int
	LastReadAt      int64
	Page            int
	HasMore         bool
}
