package api

import (
	"net/http"
	"strings"

	"anchorwatch/pkg/logger"
)

// Router holds the API routes
type Router struct {
	handler     *Handler
	mux         *http.ServeMux
	basePath    string
	middlewares []Middleware
}

// NewRouter creates a router for handler under basePath
func NewRouter(handler *Handler, basePath string, allowedOrigins []string) *Router {
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")

	return &Router{
		handler:  handler,
		mux:      http.NewServeMux(),
		basePath: basePath,
		middlewares: []Middleware{
			LoggingMiddleware,
			RecoveryMiddleware,
			CorsMiddleware(allowedOrigins),
		},
	}
}

// Setup registers every route
func (r *Router) Setup() {
	routes := map[string]http.HandlerFunc{
		"/status": r.handler.GetStatus,

		"/watch":        r.handler.GetWatch,
		"/watch/anchor": r.handler.SetAnchor,
		"/watch/stop":   r.handler.StopWatch,
		"/watch/ack":    r.handler.AcknowledgeAlarm,
		"/watch/track":  r.handler.GetTrack,

		"/sync":           r.handler.GetSync,
		"/sync/session":   r.handler.CreateSession,
		"/sync/join":      r.handler.JoinSession,
		"/sync/leave":     r.handler.LeaveSession,
		"/sync/broadcast": r.handler.GetLastBroadcast,
		"/sync/qr":        r.handler.GetSessionQR,
	}
	for route, fn := range routes {
		r.mux.Handle(r.path(route), fn)
	}

	logger.Infof("API configured under %s", r.basePath)
}

// Handler returns the routes wrapped in the middlewares
func (r *Router) Handler() http.Handler {
	return r.applyMiddleware(r.mux)
}

// AddMiddleware appends a middleware; call before Handler
func (r *Router) AddMiddleware(middleware Middleware) {
	r.middlewares = append(r.middlewares, middleware)
}

func (r *Router) path(route string) string {
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return r.basePath + route
}

func (r *Router) applyMiddleware(handler http.Handler) http.Handler {
	if len(r.middlewares) == 0 {
		return handler
	}
	return Chain(r.middlewares...)(handler)
}
