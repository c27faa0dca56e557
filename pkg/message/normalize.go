package message

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Normalize converts an inbound event into a Payload. It never panics: a
// field that cannot be extracted degrades to its zero or null value and is
// reported at debug level.
func Normalize(event Event, log *slog.Logger) Payload {
	if log == nil {
		log = slog.Default()
	}

	payload := Payload{
		Type:      TypeMessage,
		Timestamp: event.Date,
		IsReply:   event.ReplyToMsgID != nil && *event.ReplyToMsgID != 0,
	}

	if event.Text != nil {
		payload.Text = *event.Text
	}

	if event.ChatID != nil {
		chatID := strconv.FormatInt(*event.ChatID, 10)
		payload.ChatID = &chatID
	}

	if event.Photo != nil {
		payload.Image = imageFromPhoto(event.Photo, log)
		payload.Photo = rawPhoto(event.Photo, log)
	}

	return payload
}

func imageFromPhoto(photo *Photo, log *slog.Logger) *Image {
	if strings.TrimSpace(photo.ID) == "" {
		log.Debug("Photo attachment without id; image omitted", "field", "image.id")
		return nil
	}

	image := &Image{ID: photo.ID}
	if photo.AccessHash != nil {
		hash := *photo.AccessHash
		image.AccessHash = &hash
	}

	return image
}

func rawPhoto(photo *Photo, log *slog.Logger) json.RawMessage {
	if len(photo.Raw) == 0 {
		log.Debug("Photo attachment without raw form; photo omitted", "field", "photo")
		return nil
	}
	if !json.Valid(photo.Raw) {
		log.Debug("Photo attachment raw form is not valid JSON; photo omitted", "field", "photo", "size", len(photo.Raw))
		return nil
	}

	raw := make(json.RawMessage, len(photo.Raw))
	copy(raw, photo.Raw)
	return raw
}

// Summary renders a short human-readable line for chat-style sinks.
func Summary(p Payload) string {
	var b strings.Builder
	if chatID := p.ChatIDOrEmpty(); chatID != "" {
		fmt.Fprintf(&b, "[chat %s] ", chatID)
	}
	if p.IsReply {
		b.WriteString("(reply) ")
	}
	if p.Text != "" {
		b.WriteString(p.Text)
	} else if p.HasImage() {
		b.WriteString("<photo>")
	} else {
		b.WriteString("<empty message>")
	}

	return b.String()
}
