// Package router implements the request router (spec.md §4.C): a map
// from request-type string to handler, converting handler errors into
// the Response's `error` field instead of propagating them as
// transport failures. Handlers are resolved at request time under a
// read lock so registration order never matters and handlers can be
// added after the router starts serving (mirrors the teacher's
// message-type dispatch in internal/server, generalized from a type
// switch to a registered map since this spec's handler set is built up
// by daemon wiring code rather than known at compile time).
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/transport"
)

// HandlerFunc answers one request type.
type HandlerFunc func(ctx context.Context, data json.RawMessage, conn *transport.Connection) (any, error)

// Router dispatches by request type. It satisfies transport.Handler.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New builds an empty Router.
func New() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register binds reqType to h. Registering the same type twice
// replaces the previous handler.
func (r *Router) Register(reqType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reqType] = h
}

// Handle implements transport.Handler.
func (r *Router) Handle(ctx context.Context, reqType string, data json.RawMessage, conn *transport.Connection) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[reqType]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.NewUnknownRequestType(reqType)
	}
	return h(ctx, data, conn)
}
