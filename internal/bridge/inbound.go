package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
)

type mappingStore interface {
	GetByID(ctx context.Context, id string) (mapping.Mapping, error)
	RefreshSession(ctx context.Context, id string, sessionRef []byte) error
	ListActiveByEvent(ctx context.Context, eventID string) ([]mapping.Mapping, error)
	DeactivateOnRemovalNotice(ctx context.Context, p platform.Platform, externalID string) (mapping.Mapping, error)
}

type channelStore interface {
	GetByMapping(ctx context.Context, mappingID string) (chat.Channel, error)
}

type messageStore interface {
	Insert(ctx context.Context, in chat.InsertMessageInput) (chat.Message, error)
}

type sessionStore interface {
	Save(ctx context.Context, sess session.Session) error
	Clear(ctx context.Context, conversationKey string) error
}

type broadcaster interface {
	Broadcast(eventID, eventType string, payload any)
}

// Mirrors hub.EventMessageReceived; kept local so the processor depends
// only on the broadcaster interface.
const hubEventMessageReceived = "message_received"

// Processor turns normalized inbound messages into internal channel
// entries and relays them onward. All failures are logged and absorbed;
// processing runs detached from the webhook response.
type Processor struct {
	logger     *slog.Logger
	registry   *platform.Registry
	mappings   mappingStore
	channels   channelStore
	messages   messageStore
	sessions   sessionStore
	hub        broadcaster
	dispatcher *Dispatcher
}

func NewProcessor(
	log *slog.Logger,
	registry *platform.Registry,
	mappings mappingStore,
	channels channelStore,
	messages messageStore,
	sessions sessionStore,
	hub broadcaster,
	dispatcher *Dispatcher,
) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		logger:     log.With(slog.String("service", "inbound")),
		registry:   registry,
		mappings:   mappings,
		channels:   channels,
		messages:   messages,
		sessions:   sessions,
		hub:        hub,
		dispatcher: dispatcher,
	}
}

// Parse normalizes a raw webhook body for the platform. Returns a wrapped
// platform.ErrMalformedPayload when the body does not match the platform's
// shape; callers map that to a client error before handing off to Process.
func (p *Processor) Parse(pf platform.Platform, payload []byte) (platform.InboundMessage, error) {
	parser, ok := p.registry.GetInboundParser(pf)
	if !ok {
		return platform.InboundMessage{}, platform.ErrMalformedPayload
	}
	return parser.ParseInbound(payload)
}

// Process handles one normalized inbound message addressed to a mapping.
// It never returns an error: every failure mode is a logged drop, since
// the webhook has already been acknowledged.
func (p *Processor) Process(ctx context.Context, mappingID, secret string, msg platform.InboundMessage) {
	log := p.logger.With("platform", msg.Platform, "mapping_id", mappingID)

	m, err := p.mappings.GetByID(ctx, mappingID)
	if err != nil {
		log.Warn("dropping inbound, mapping unknown", "error", err)
		return
	}
	if m.WebhookSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(m.WebhookSecret)) != 1 {
		log.Warn("dropping inbound, webhook secret mismatch")
		return
	}
	if !m.IsActive {
		log.Info("dropping inbound, mapping inactive")
		return
	}
	if msg.FromBot {
		// Our own relay posts come back through the webhook; bridging them
		// again would loop.
		return
	}
	if msg.System {
		log.Debug("ignoring system message")
		return
	}
	if msg.Text == "" && msg.AttachmentURL == "" {
		return
	}

	p.refreshSession(ctx, m, msg)

	if !m.Linked() {
		log.Info("dropping inbound, mapping not linked to an event")
		return
	}

	channel, err := p.channels.GetByMapping(ctx, m.ID)
	if err != nil {
		log.Warn("dropping inbound, no channel bound to mapping", "error", err)
		return
	}

	stored, err := p.messages.Insert(ctx, chat.InsertMessageInput{
		ChannelID:         channel.ID,
		Body:              msg.Text,
		SenderName:        msg.SenderName,
		SourcePlatform:    msg.Platform,
		ExternalMessageID: msg.ExternalMessageID,
		ExternalSenderID:  msg.SenderID,
		SentAt:            msg.SentAt,
		AttachmentURL:     msg.AttachmentURL,
	})
	if err != nil {
		if errors.Is(err, chat.ErrDuplicateMessage) {
			log.Debug("dropping inbound replay", "external_message_id", msg.ExternalMessageID)
			return
		}
		log.Error("persist inbound message", "error", err)
		return
	}

	p.hub.Broadcast(m.EventID, hubEventMessageReceived, stored)

	siblings, err := p.mappings.ListActiveByEvent(ctx, m.EventID)
	if err != nil {
		log.Error("list event mappings for relay", "error", err)
		return
	}
	p.dispatcher.FanOut(ctx, siblings, m.ID, Outbound{
		Text:          msg.Text,
		SenderName:    msg.SenderName,
		AttachmentURL: msg.AttachmentURL,
	})
}

// ProcessRemoval handles the platform reporting our bot was removed from a
// conversation: the mapping is deactivated and its session state cleared.
func (p *Processor) ProcessRemoval(ctx context.Context, notice platform.RemovalNotice) {
	log := p.logger.With("platform", notice.Platform, "conversation_id", notice.ConversationID)

	m, err := p.mappings.DeactivateOnRemovalNotice(ctx, notice.Platform, notice.ConversationID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			log.Info("removal notice for unknown conversation")
			return
		}
		log.Error("deactivate mapping on removal", "error", err)
		return
	}
	if err := p.sessions.Clear(ctx, session.Key(notice.Platform, notice.ConversationID)); err != nil {
		log.Error("clear conversation session", "error", err)
	}
	log.Info("mapping deactivated after removal notice", "mapping_id", m.ID, "removed_by", notice.RemovedBy)
}

// refreshSession records activity and stores any fresher session reference
// carried by the inbound contact. Best effort.
func (p *Processor) refreshSession(ctx context.Context, m mapping.Mapping, msg platform.InboundMessage) {
	if err := p.mappings.RefreshSession(ctx, m.ID, msg.SessionRef); err != nil {
		p.logger.Error("refresh mapping session", "mapping_id", m.ID, "error", err)
	}
	if len(msg.SessionRef) == 0 {
		return
	}
	err := p.sessions.Save(ctx, session.Session{
		ConversationKey: session.Key(msg.Platform, msg.ConversationID),
		Platform:        msg.Platform,
		Blob:            msg.SessionRef,
		DisplayName:     m.DisplayName,
	})
	if err != nil {
		p.logger.Error("save conversation session", "mapping_id", m.ID, "error", err)
	}
}
