package redirect

import (
	"fmt"
	"net/http"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/http1"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/server"
)

// Redirect answers every request on its route with 302 Found and a Location header.
type Redirect struct {
	target string
	log    *logger.Logger
}

// New creates a Redirect handler pointing at route.Target.
// It conforms to server.HandlerFactory.
func New(route config.Route, lg *logger.Logger) (server.Handler, error) {
	if route.Target == "" {
		return nil, fmt.Errorf("redirect: route %q has no target", route.PathPattern)
	}
	return &Redirect{target: route.Target, log: lg}, nil
}

func (h *Redirect) Handle(req *http1.Request) *http1.Response {
	h.log.Debug("Redirecting", logger.LogFields{"from": req.Path, "to": h.target})
	resp := http1.TextResponse(http.StatusFound, fmt.Sprintf("Moved to %s\n", h.target))
	resp.Headers = append(resp.Headers, http1.HeaderField{Name: "Location", Value: h.target})
	return resp
}
