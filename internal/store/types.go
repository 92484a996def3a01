package store

// Origin distinguishes a locally-originated message that has not been
// confirmed yet from one carrying a server-issued identity.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginConfirmed  Origin = "confirmed"
)

// Provenance records how a confirmed row got its server identity. Only
// live-appended rows are candidates for the duplicate sweep: a promoted row
// consumed its own pending entry, and a paged row carries an id the history
// endpoint vouches for, so two of those with equal content are distinct
// messages, not transport doubles.
const (
	ProvenanceAppended = "appended"
	ProvenancePromoted = "promoted"
	ProvenancePaged    = "paged"
)

// Message is a single timeline entry.
//
// Seq is the arrival sequence number assigned at insertion (the sqlite
// autoincrement rowid). It is stable across reconciliation: an optimistic row
// promoted to confirmed keeps its Seq, which is what preserves row identity
// for the renderer. Ordering authority for a snapshot is (CreatedAt, Seq).
type Message struct {
	Seq            int64
	ServerID       string // empty until confirmed
	TempID         string // empty for remote messages
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      int64 // unix ms
	IsPinned       bool
	Status         string // "", "sent", "delivered", "seen"; local-authored only
	Origin         Origin
	Provenance     string
}

// Conversation is the denormalized conversation-list row.
type Conversation struct {
	ID                 string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Participant is one member of a conversation. PresenceKey is the stable
// external identity presence events are keyed by.
type Participant struct {
	ConversationID string
	UserID         string
	PresenceKey    string
	DisplayName    string
	Position       int
}

// PendingSend is an in-flight optimistic send awaiting confirmation.
// BufferedStatus parks a status update that arrived keyed by temp id before
// reconciliation; it is applied when the message is promoted.
type PendingSend struct {
	TempID         string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64 // unix ms
	Deadline       int64 // unix ms
	BufferedStatus string
}
