// Package platform defines the abstraction over external messaging
// platforms. It holds the normalized inbound/outbound message types, the
// capability interfaces concrete clients implement, and a registry for
// dispatching on the platform identifier.
package platform

import (
	"strings"
	"time"
)

// Platform identifies an external messaging platform (e.g. "groupme", "lark").
type Platform string

const (
	// GroupMe is the group-messaging service: discoverable group ids,
	// direct bot posting, one-time callback registration.
	GroupMe Platform = "groupme"
	// Lark is the enterprise-collaboration-suite bot channel: outbound
	// delivery requires a session reference captured from prior inbound
	// contact.
	Lark Platform = "lark"
)

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

// InboundMessage is a message received from a platform webhook, normalized
// into platform-independent form. SentAt carries the originating
// platform's timestamp, never the ingestion time.
type InboundMessage struct {
	Platform          Platform
	ExternalMessageID string
	ConversationID    string
	SenderID          string
	SenderName        string
	Text              string
	SentAt            time.Time
	AttachmentURL     string
	// FromBot marks messages authored by a bot, including our own relay
	// bot; these must never be re-bridged.
	FromBot bool
	// System marks platform housekeeping events (joins, renames).
	System bool
	// SessionRef, when non-nil, is a fresh session reference derived from
	// this contact; stores always prefer it over previously cached values.
	SessionRef []byte
}

// OutboundMessage is a message bound for a platform. SenderName is already
// attribution-formatted by the dispatcher.
type OutboundMessage struct {
	Text          string
	SenderName    string
	AttachmentURL string
}

// Body renders the attributed text sent to the platform.
func (m OutboundMessage) Body() string {
	sender := strings.TrimSpace(m.SenderName)
	if sender == "" {
		return m.Text
	}
	return sender + ": " + m.Text
}

// Target identifies where an outbound message is delivered. SessionRef is
// the opaque platform-issued session blob, nil when the platform does not
// need one (or none has been captured yet).
type Target struct {
	ExternalID string
	SessionRef []byte
}

// Group describes a group-like entity created on a platform.
type Group struct {
	ExternalID string
	Name       string
	ShareURL   string
}

// Descriptor holds read-only metadata for a registered platform client.
type Descriptor struct {
	Platform    Platform
	DisplayName string
	// RequiresSession is true when PostMessage cannot be called until an
	// inbound contact has supplied a session reference.
	RequiresSession bool
}

// RemovalNotice reports that the platform uninstalled our bot/app from a
// conversation; the stored session reference is no longer valid.
type RemovalNotice struct {
	Platform       Platform
	ConversationID string
	RemovedBy      string
}
