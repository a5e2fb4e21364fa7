package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Product struct {
	ID          string
	SellerID    string
	Title       string
	Description string
	Price       float64
	ImageURL    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	ProductActive   = "ACTIVE"
	ProductInactive = "INACTIVE"
)

// Chat is the single negotiation thread between one buyer and one seller
// for one product, unique per (product, buyer) pair.
type Chat struct {
	ID        string
	ProductID string
	BuyerID   string
	SellerID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatSummary is a chat annotated with its latest message preview and the
// viewing user's unread count, for inbox listings.
type ChatSummary struct {
	Chat
	ProductTitle   string
	LastMessage    *Message
	UnreadMessages int
}

type Message struct {
	ID         string
	ChatID     string
	SenderID   string
	ReceiverID string
	Content    string
	IsRead     bool
	CreatedAt  time.Time
}

// Offer is a directional price proposal inside a chat. PENDING is the only
// non-terminal status; a sender holds at most one PENDING offer per chat.
type Offer struct {
	ID         string
	ChatID     string
	SenderID   string
	ReceiverID string
	Amount     float64
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	OfferPending   = "PENDING"
	OfferAccepted  = "ACCEPTED"
	OfferRejected  = "REJECTED"
	OfferCancelled = "CANCELLED"
)

type Review struct {
	ID        string
	OfferID   string
	ChatID    string
	AuthorID  string
	Rating    int
	Comment   string
	CreatedAt time.Time
}
