// Package message defines the inbound event handed over by channel adapters
// and the normalized payload forwarded to publishers.
package message

import (
	"encoding/json"
)

// TypeMessage is the fixed discriminator carried by every payload.
const TypeMessage = "message"

// Event is one incoming chat message as seen by a channel adapter. Pointer
// fields are nil when the source message does not carry them.
type Event struct {
	Text         *string
	Photo        *Photo
	Date         int64
	ChatID       *int64
	ReplyToMsgID *int64
}

// Photo is a photo attachment. Raw keeps the attachment exactly as the
// transport delivered it.
type Photo struct {
	ID         string
	AccessHash *string
	Raw        json.RawMessage
}

// Payload is the canonical forwarding unit. Field names are part of the
// outbound wire contract.
type Payload struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Image     *Image          `json:"image"`
	Timestamp int64           `json:"timestamp"`
	ChatID    *string         `json:"chatId"`
	IsReply   bool            `json:"isReply"`
	Photo     json.RawMessage `json:"photo"`
}

// Image identifies a photo attachment.
type Image struct {
	ID         string  `json:"id"`
	AccessHash *string `json:"accessHash"`
}

// HasImage reports whether the payload carries a photo attachment.
func (p Payload) HasImage() bool {
	return p.Image != nil
}

// ChatIDOrEmpty returns the chat identifier, or "" when unknown.
func (p Payload) ChatIDOrEmpty() string {
	if p.ChatID == nil {
		return ""
	}
	return *p.ChatID
}
