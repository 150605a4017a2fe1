package chat

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one content fragment of a message turn.
type Part struct {
	Text string `json:"text"`
}

// Message is one turn in a conversation. Rows are append-only; the
// auto-increment id gives the history its order.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ConversationID string    `gorm:"type:varchar(26);not null;index" json:"-"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Parts          []Part    `gorm:"serializer:json;type:text;not null" json:"parts"`
	Img            *string   `gorm:"type:varchar(512)" json:"img,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// Conversation owns an append-only message history. Owner is an opaque,
// unverified identifier; it never changes after creation.
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"_id"`
	Owner     string    `gorm:"type:varchar(64);index;not null" json:"userId"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// History is assembled on reads, it is not a gorm relation.
	History []Message `gorm:"-" json:"history"`
}

func (Conversation) TableName() string { return "chat_conversations" }

// IndexEntry is one row of an owner's conversation listing. The title is
// derived once at creation time and never recomputed.
type IndexEntry struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	Owner          string    `gorm:"type:varchar(64);not null;index" json:"-"`
	ConversationID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"_id"`
	Title          string    `gorm:"type:varchar(40);not null" json:"title"`
	CreatedAt      time.Time `json:"created_at"`
}

func (IndexEntry) TableName() string { return "chat_index_entries" }
