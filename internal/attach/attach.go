// Package attach resolves the %attach% vocabulary of notify
// instructions. Each attachment kind maps to a resolver that produces
// either a file path, a forwardable text body, or nothing-available;
// kinds the hosting process never registered resolve to nothing.
package attach

import (
	"context"
	"sync"

	"github.com/elissabot/elissa/internal/models"
)

// Resolution is the outcome of resolving one attachment kind. The
// zero value means nothing was available.
type Resolution struct {
	// Path is a file to attach, when non-empty.
	Path string

	// Text is a message body to forward, when non-empty.
	Text string
}

// Empty reports whether the resolution produced nothing.
func (r Resolution) Empty() bool { return r.Path == "" && r.Text == "" }

// Resolver produces the payload for one attachment kind in the
// context of the originating conversation.
type Resolver interface {
	Resolve(ctx context.Context, key models.ConversationKey) (Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, key models.ConversationKey) (Resolution, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, key models.ConversationKey) (Resolution, error) {
	return f(ctx, key)
}

// Registry maps attachment kinds to resolvers.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register binds a resolver to an attachment kind, replacing any
// previous binding.
func (g *Registry) Register(kind string, r Resolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolvers[kind] = r
}

// Resolve runs the resolver for kind. Unregistered kinds resolve to
// the empty Resolution without error.
func (g *Registry) Resolve(ctx context.Context, kind string, key models.ConversationKey) (Resolution, error) {
	g.mu.RLock()
	r, ok := g.resolvers[kind]
	g.mu.RUnlock()
	if !ok {
		return Resolution{}, nil
	}
	return r.Resolve(ctx, key)
}
