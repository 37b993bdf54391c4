// Package mapping persists channel mappings: the binding between one
// external platform conversation and one internal event, together with its
// session state and activity metadata.
package mapping

import (
	"errors"
	"strings"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// ErrNotFound indicates the requested mapping does not exist.
var ErrNotFound = errors.New("channel mapping not found")

// ErrAlreadyLinked indicates the mapping is bound to an event and must be
// unlinked before it can be bound to another.
var ErrAlreadyLinked = errors.New("channel mapping already linked")

// Mapping binds one external platform conversation to one internal event.
// EventID empty means the mapping is registered but dormant (unlinked);
// only linked, active mappings participate in bridging.
type Mapping struct {
	ID             string            `json:"id"`
	EventID        string            `json:"event_id,omitempty"`
	Platform       platform.Platform `json:"platform"`
	ExternalID     string            `json:"external_id"`
	DisplayName    string            `json:"display_name"`
	SessionRef     []byte            `json:"-"`
	WebhookSecret  string            `json:"-"`
	IsActive       bool              `json:"is_active"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Linked reports whether the mapping is bound to an event.
func (m Mapping) Linked() bool {
	return strings.TrimSpace(m.EventID) != ""
}

// HasSession reports whether a session reference has been captured.
func (m Mapping) HasSession() bool {
	return len(m.SessionRef) > 0
}

// UpsertInput is the input for UpsertByExternalIdentity.
type UpsertInput struct {
	Platform    platform.Platform
	ExternalID  string
	DisplayName string
	SessionRef  []byte
}

// CreateInput is the input for explicitly provisioning a linked mapping.
type CreateInput struct {
	EventID       string
	Platform      platform.Platform
	ExternalID    string
	DisplayName   string
	SessionRef    []byte
	WebhookSecret string
}
