// Package chat manages event channels and the bridged message log.
package chat

import (
	"errors"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// Channel types. Internal and announcements channels are system channels
// created with the event; external channels carry a mapping to an outside
// conversation.
const (
	TypeInternal      = "internal"
	TypeAnnouncements = "announcements"
	TypeExternal      = "external"
	TypePosition      = "position"
	TypeCustom        = "custom"
)

var (
	// ErrChannelNotFound indicates the channel id resolves to nothing.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrSystemChannel indicates an archive/delete attempt on a system channel.
	ErrSystemChannel = errors.New("system channels cannot be archived or deleted")
	// ErrDuplicateMessage indicates an inbound external message was already
	// recorded; the idempotent replay should be dropped silently.
	ErrDuplicateMessage = errors.New("duplicate inbound message")
)

// Channel is one conversation stream within an event.
type Channel struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	Name         string    `json:"name"`
	ChannelType  string    `json:"channel_type"`
	IsSystem     bool      `json:"is_system"`
	IsActive     bool      `json:"is_active"`
	PositionRole string    `json:"position_role,omitempty"`
	MappingID    string    `json:"mapping_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// External reports whether the channel bridges to an outside platform.
func (c Channel) External() bool {
	return c.ChannelType == TypeExternal && c.MappingID != ""
}

// Message is one entry in a channel's log. Messages that arrived from an
// external platform carry the source platform and external identifiers;
// internally authored messages leave them empty.
type Message struct {
	ID                string            `json:"id"`
	ChannelID         string            `json:"channel_id"`
	Body              string            `json:"body"`
	SenderName        string            `json:"sender_name"`
	SourcePlatform    platform.Platform `json:"source_platform,omitempty"`
	ExternalMessageID string            `json:"external_message_id,omitempty"`
	ExternalSenderID  string            `json:"external_sender_id,omitempty"`
	SentAt            time.Time         `json:"sent_at"`
	AttachmentURL     string            `json:"attachment_url,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// CreateChannelInput describes a new channel.
type CreateChannelInput struct {
	EventID      string
	Name         string
	ChannelType  string
	IsSystem     bool
	PositionRole string
	MappingID    string
}

// InsertMessageInput describes a message to record. SourcePlatform and
// ExternalMessageID together form the idempotency key for inbound
// messages.
type InsertMessageInput struct {
	ChannelID         string
	Body              string
	SenderName        string
	SourcePlatform    platform.Platform
	ExternalMessageID string
	ExternalSenderID  string
	SentAt            time.Time
	AttachmentURL     string
}
