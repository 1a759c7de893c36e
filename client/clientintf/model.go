package clientintf

import "time"

// Conversation is the summary record of a chat with a contact or group.
type Conversation struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	IsGroup           bool      `json:"isGroup"`
	LastPreview       string    `json:"lastPreview"`
	LastActivity      time.Time `json:"lastActivity"`
	LastActivityLabel string    `json:"lastActivityLabel"`

	// The following are the naming hints received from the server, kept
	// so the display name can be re-derived when the contact name cache
	// changes.
	Subject     string `json:"subject,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
}

// Message is a single message of a conversation. The ID is unique within its
// conversation.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsOutbound bool      `json:"isOutbound"`
	SenderID   string    `json:"senderID,omitempty"`
	SenderName string    `json:"senderName"`
}
