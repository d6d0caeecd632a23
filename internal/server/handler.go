package server

import (
	"fmt"
	"sync"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/http1"
	"example.com/httpfs/internal/logger"
)

// HandlerFactory creates a handler for one configured route.
type HandlerFactory func(route config.Route, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps the handler_type of a route to the factory that builds it.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register fails if handlerType already has a factory.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler builds the handler for route using the factory registered for
// route.HandlerType.
func (r *HandlerRegistry) CreateHandler(route config.Route, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(route.HandlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", route.HandlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", route.HandlerType)
	}
	return factory(route, lg)
}

// Handler turns one parsed request into a response. Implementations convert
// every failure into an error response themselves.
type Handler interface {
	Handle(req *http1.Request) *http1.Response
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(req *http1.Request) *http1.Response

// Handle calls f(req).
func (f HandlerFunc) Handle(req *http1.Request) *http1.Response { return f(req) }

// RouterInterface finds the handler for a request and returns its response,
// or a 404 response when no route matches.
type RouterInterface interface {
	Route(req *http1.Request) *http1.Response
}
