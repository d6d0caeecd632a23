package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/http1"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/server"
)

// boundRoute pairs a route with the handler built for it.
type boundRoute struct {
	route   config.Route
	handler server.Handler
}

// Router holds the routing table and dispatches requests.
// Exact matches take precedence over prefix matches; among prefix matches
// the longest pattern wins.
type Router struct {
	exactRoutes map[string]boundRoute
	// prefixRoutes is sorted by pattern length, longest first.
	prefixRoutes []boundRoute
	log          *logger.Logger
}

// NewRouter builds a handler for every route through registry. Any handler
// construction failure aborts router creation.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{exactRoutes: make(map[string]boundRoute), log: lg}
	for _, route := range routes {
		h, err := registry.CreateHandler(route, lg)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", route.PathPattern, err)
		}
		br := boundRoute{route: route, handler: h}
		switch route.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[route.PathPattern] = br
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, br)
		default:
			return nil, fmt.Errorf("route %q: unknown match type %q", route.PathPattern, route.MatchType)
		}
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].route.PathPattern) > len(r.prefixRoutes[j].route.PathPattern)
	})
	return r, nil
}

// FindRoute matches path against the routing table. ok is false when no route matches.
func (r *Router) FindRoute(path string) (route config.Route, h server.Handler, ok bool) {
	if br, found := r.exactRoutes[path]; found {
		return br.route, br.handler, true
	}
	for _, br := range r.prefixRoutes {
		if strings.HasPrefix(path, br.route.PathPattern) {
			return br.route, br.handler, true
		}
	}
	return config.Route{}, nil, false
}

// Route dispatches req to the matching handler, or answers 404.
func (r *Router) Route(req *http1.Request) *http1.Response {
	_, h, ok := r.FindRoute(req.Path)
	if !ok {
		r.log.Debug("No route matched for request", logger.LogFields{
			"method": req.Method,
			"path":   req.Path,
		})
		return http1.ErrorResponse(http.StatusNotFound, "")
	}
	return h.Handle(req)
}
