package clientintf

import (
	"time"

	"github.com/companyzero/mdlink/jid"
)

// MessageKey identifies a message inside a conversation.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// ExtendedTextMessage is a text message with extra metadata (link previews,
// quotes).
type ExtendedTextMessage struct {
	Text string `json:"text"`
}

// MediaMessage is an image, video, audio, document or sticker message.
type MediaMessage struct {
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

// ContactMessage is a shared contact card.
type ContactMessage struct {
	DisplayName string `json:"displayName,omitempty"`
	VCard       string `json:"vcard,omitempty"`
}

// LocationMessage is a shared location.
type LocationMessage struct {
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"degreesLatitude,omitempty"`
	Longitude float64 `json:"degreesLongitude,omitempty"`
}

// MessageContent is the decrypted content of a message. At most one field is
// expected to be set.
type MessageContent struct {
	Conversation string               `json:"conversation,omitempty"`
	ExtendedText *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
	Image        *MediaMessage        `json:"imageMessage,omitempty"`
	Video        *MediaMessage        `json:"videoMessage,omitempty"`
	Audio        *MediaMessage        `json:"audioMessage,omitempty"`
	Document     *MediaMessage        `json:"documentMessage,omitempty"`
	Sticker      *MediaMessage        `json:"stickerMessage,omitempty"`
	Contact      *ContactMessage      `json:"contactMessage,omitempty"`
	Location     *LocationMessage     `json:"locationMessage,omitempty"`
}

// HistorySyncMessage is a message inside a history sync conversation.
type HistorySyncMessage struct {
	Key       MessageKey      `json:"key"`
	Timestamp int64           `json:"messageTimestamp"`
	PushName  string          `json:"pushName,omitempty"`
	Message   *MessageContent `json:"message,omitempty"`
}

// HistoryConversation is one conversation entry of a history sync batch.
type HistoryConversation struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	DisplayName string               `json:"displayName,omitempty"`
	Username    string               `json:"username,omitempty"`
	Messages    []HistorySyncMessage `json:"messages,omitempty"`
}

// Pushname is a self-declared display name of a contact.
type Pushname struct {
	ID       string `json:"id"`
	Pushname string `json:"pushname"`
}

// LIDMapping associates a phone-number identity with its anonymized
// linked-device identity.
type LIDMapping struct {
	PN  string `json:"pnJid"`
	LID string `json:"lidJid"`
}

// HistorySync is a single bulk history transfer batch.
type HistorySync struct {
	SyncType                 string                `json:"syncType"`
	ChunkOrder               uint32                `json:"chunkOrder,omitempty"`
	Progress                 uint32                `json:"progress,omitempty"`
	Conversations            []HistoryConversation `json:"conversations,omitempty"`
	Pushnames                []Pushname            `json:"pushnames,omitempty"`
	PhoneNumberToLIDMappings []LIDMapping          `json:"phoneNumberToLidMappings,omitempty"`
}

// MessageInfo is the metadata of a live message, taken from the wire node.
type MessageInfo struct {
	Chat      jid.JID
	Sender    jid.JID
	IsFromMe  bool
	IsGroup   bool
	ID        string
	Timestamp time.Time
	PushName  string
}

// LiveMessage is a decrypted message received while online.
type LiveMessage struct {
	Info    MessageInfo
	Message *MessageContent
}

// Envelope is the decrypted payload of a message node. It carries either a
// regular message or an inline history sync batch.
type Envelope struct {
	Message     *MessageContent `json:"message,omitempty"`
	HistorySync *HistorySync    `json:"historySync,omitempty"`
}
