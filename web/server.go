package web

import (
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// NewServer creates and configures the RWeb server
func NewServer() *rweb.Server {
	s := rweb.NewServer(rweb.ServerOptions{
		Address: ":8000",
		Verbose: true,
	})

	applyMiddleware(s)
	setupRoutes(s)

	return s
}

// NewTestServer creates a server with caller-supplied options, used by API
// tests that need a dynamic port and a ready channel.
func NewTestServer(opts rweb.ServerOptions) *rweb.Server {
	s := rweb.NewServer(opts)

	applyMiddleware(s)
	setupRoutes(s)

	return s
}

func applyMiddleware(s *rweb.Server) {
	s.Use(rweb.RequestInfo)          // Logs request info
	s.Use(CorsMiddleware)            // CORS headers
	s.Use(SecurityHeadersMiddleware) // Security headers
	s.Use(JWTAuthMiddleware)         // Populates user context from Bearer tokens
	s.Use(LoggingMiddleware)         // Request logging
}

// Run starts the server
func Run(s *rweb.Server) error {
	logger.Info("TaskHub server starting", "address", ":8000")
	return s.Run()
}
