package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Client is the base interface every platform client must implement.
// Behavior beyond identity is expressed through the optional capability
// interfaces below; the registry surfaces them per platform.
type Client interface {
	Platform() Platform
	Descriptor() Descriptor
}

// Sender posts a message into an external conversation.
type Sender interface {
	PostMessage(ctx context.Context, target Target, msg OutboundMessage) error
}

// GroupProvisioner creates and destroys group-like entities on platforms
// that expose them.
type GroupProvisioner interface {
	CreateGroup(ctx context.Context, name string) (Group, error)
	DestroyGroup(ctx context.Context, externalID string) error
}

// Registration is the outcome of a callback registration: an optional
// session blob to persist on the mapping (e.g. the posting handle the
// platform issued) and an optional shared secret echoed on callbacks.
type Registration struct {
	SessionRef []byte
	Secret     string
}

// CallbackRegistrar performs the one-time registration of an inbound
// callback URL for a conversation, done at mapping-creation time.
type CallbackRegistrar interface {
	RegisterCallback(ctx context.Context, externalID, callbackURL string) (Registration, error)
}

// SessionBuilder derives a session reference from conversation identifiers
// supplied out of band (an operator, or the platform's install flow).
// Implemented only by platforms whose delivery requires a session.
type SessionBuilder interface {
	BuildSessionRef(conversationID, tenantKey string) ([]byte, error)
}

// InboundParser normalizes a platform-specific webhook payload.
// Implementations return ErrMalformedPayload (wrapped) for bodies that do
// not match the platform's shape.
type InboundParser interface {
	ParseInbound(payload []byte) (InboundMessage, error)
}

// Registry holds registered platform clients and provides capability
// dispatch. Create via NewRegistry and pass explicitly.
type Registry struct {
	mu      sync.RWMutex
	clients map[Platform]Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: map[Platform]Client{}}
}

// Register adds a client to the registry.
func (r *Registry) Register(client Client) error {
	if client == nil {
		return fmt.Errorf("client is nil")
	}
	p := normalizePlatform(client.Platform().String())
	if p == "" {
		return fmt.Errorf("platform is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[p]; exists {
		return fmt.Errorf("platform already registered: %s", p)
	}
	r.clients[p] = client
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(client Client) {
	if err := r.Register(client); err != nil {
		panic(err)
	}
}

// Get returns the client for the given platform.
func (r *Registry) Get(p Platform) (Client, bool) {
	key := normalizePlatform(p.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[key]
	return client, ok
}

// Platforms returns all registered platform identifiers.
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Platform, 0, len(r.clients))
	for p := range r.clients {
		items = append(items, p)
	}
	return items
}

// ParsePlatform validates a raw platform string against the registry.
func (r *Registry) ParsePlatform(raw string) (Platform, error) {
	p := normalizePlatform(raw)
	if p == "" {
		return "", fmt.Errorf("platform is required")
	}
	if _, ok := r.Get(p); !ok {
		return "", fmt.Errorf("unsupported platform: %s", p)
	}
	return p, nil
}

// GetDescriptor returns the descriptor for the given platform.
func (r *Registry) GetDescriptor(p Platform) (Descriptor, bool) {
	client, ok := r.Get(p)
	if !ok {
		return Descriptor{}, false
	}
	return client.Descriptor(), true
}

// GetSender returns the platform's Sender capability if implemented.
func (r *Registry) GetSender(p Platform) (Sender, bool) {
	client, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	sender, ok := client.(Sender)
	return sender, ok
}

// GetGroupProvisioner returns the platform's GroupProvisioner capability if implemented.
func (r *Registry) GetGroupProvisioner(p Platform) (GroupProvisioner, bool) {
	client, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	prov, ok := client.(GroupProvisioner)
	return prov, ok
}

// GetCallbackRegistrar returns the platform's CallbackRegistrar capability if implemented.
func (r *Registry) GetCallbackRegistrar(p Platform) (CallbackRegistrar, bool) {
	client, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	reg, ok := client.(CallbackRegistrar)
	return reg, ok
}

// GetSessionBuilder returns the platform's SessionBuilder capability if implemented.
func (r *Registry) GetSessionBuilder(p Platform) (SessionBuilder, bool) {
	client, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	builder, ok := client.(SessionBuilder)
	return builder, ok
}

// GetInboundParser returns the platform's InboundParser capability if implemented.
func (r *Registry) GetInboundParser(p Platform) (InboundParser, bool) {
	client, ok := r.Get(p)
	if !ok {
		return nil, false
	}
	parser, ok := client.(InboundParser)
	return parser, ok
}

func normalizePlatform(raw string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(raw)))
}
