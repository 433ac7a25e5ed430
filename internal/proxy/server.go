package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"apiary/pkg/logging"
)

// ServerConfig holds configuration for the facing MCP server.
type ServerConfig struct {
	Name    string // Server name advertised during initialize
	Version string // Server version advertised during initialize
	Host    string // Host to bind to
	Port    int    // Port to listen on for the SSE endpoint
}

// Server is the facing MCP server. It mirrors the container's aggregated
// catalogs onto an mcp-go server, dispatches list/call requests through
// the routing table and propagates progress tokens so upstream progress
// notifications reach the session that made the request.
type Server struct {
	config    ServerConfig
	container *Container

	mcpServer  *mcpserver.MCPServer
	sseServer  *mcpserver.SSEServer
	httpServer *http.Server

	// Active capability tracking for the mirrored catalogs
	toolManager     *activeItemManager
	promptManager   *activeItemManager
	resourceManager *activeItemManager

	// Broadcast subscriptions per facing session
	sessionMu   sync.Mutex
	sessionSubs map[string]*Subscription

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// NewServer creates the facing server over a container. Call Start to
// begin serving.
func NewServer(config ServerConfig, container *Container) *Server {
	return &Server{
		config:          config,
		container:       container,
		toolManager:     newActiveItemManager(itemTypeTool),
		promptManager:   newActiveItemManager(itemTypePrompt),
		resourceManager: newActiveItemManager(itemTypeResource),
		sessionSubs:     make(map[string]*Subscription),
	}
}

// Start creates the MCP server, mirrors the current catalogs and begins
// listening on the SSE transport.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancelFunc = context.WithCancel(ctx)

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(s.onSessionRegistered)
	hooks.AddOnUnregisterSession(s.onSessionUnregistered)

	s.mcpServer = mcpserver.NewMCPServer(
		s.config.Name,
		s.config.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
	)

	// The agent surface is exposed as built-in tools; they are always
	// available regardless of the mirrored catalogs.
	s.mcpServer.AddTools(s.agentTools()...)

	s.syncCapabilities()

	s.wg.Add(1)
	go s.monitorContainerUpdates()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	baseURL := fmt.Sprintf("http://%s", addr)
	s.sseServer = mcpserver.NewSSEServer(
		s.mcpServer,
		mcpserver.WithBaseURL(baseURL),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
		mcpserver.WithKeepAliveInterval(30*time.Second),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logging.Info("Proxy", "Serving MCP over SSE on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Proxy", err, "SSE server error")
		}
	}()

	return nil
}

// Stop shuts down the transport and releases all facing-session
// subscriptions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancelFunc
	httpServer := s.httpServer
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("Proxy", "Error shutting down HTTP server: %v", err)
		}
	}

	s.sessionMu.Lock()
	for id, sub := range s.sessionSubs {
		sub.Close()
		delete(s.sessionSubs, id)
	}
	s.sessionMu.Unlock()

	s.wg.Wait()
	logging.Info("Proxy", "Stopped facing MCP server")
	return nil
}

// Endpoint returns the SSE endpoint URL of the facing server.
func (s *Server) Endpoint() string {
	return fmt.Sprintf("http://%s:%d/sse", s.config.Host, s.config.Port)
}

// onSessionRegistered installs the Broadcast subscription for a new
// facing session. It lives exactly as long as the session.
func (s *Server) onSessionRegistered(ctx context.Context, session mcpserver.ClientSession) {
	sessionID := session.SessionID()
	sub, err := s.container.ForwardNotifications(StreamBroadcast, nil, s.sessionSender(sessionID))
	if err != nil {
		logging.Warn("Proxy", "Failed to install broadcast stream for session %s: %v", logging.TruncateSessionID(sessionID), err)
		return
	}

	s.sessionMu.Lock()
	s.sessionSubs[sessionID] = sub
	s.sessionMu.Unlock()

	logging.Debug("Proxy", "Session %s connected", logging.TruncateSessionID(sessionID))
}

// onSessionUnregistered tears the session's Broadcast subscription down.
func (s *Server) onSessionUnregistered(ctx context.Context, session mcpserver.ClientSession) {
	sessionID := session.SessionID()

	s.sessionMu.Lock()
	sub, exists := s.sessionSubs[sessionID]
	delete(s.sessionSubs, sessionID)
	s.sessionMu.Unlock()

	if exists {
		sub.Close()
	}
	logging.Debug("Proxy", "Session %s disconnected", logging.TruncateSessionID(sessionID))
}

// sessionSender delivers hub notifications to one facing session.
func (s *Server) sessionSender(sessionID string) SendFunc {
	return func(method string, params map[string]any) error {
		return s.mcpServer.SendNotificationToSpecificClient(sessionID, method, params)
	}
}

// monitorContainerUpdates re-mirrors the catalogs whenever the loaded
// provider set changes.
func (s *Server) monitorContainerUpdates() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.container.Updates():
			s.syncCapabilities()
		}
	}
}

// ensureProgressToken returns the progress token for an outgoing request:
// the incoming token when the facing client supplied one, a freshly
// minted one otherwise. Upstream progress cannot be correlated without
// it.
func ensureProgressToken(meta *mcp.Meta) any {
	if meta != nil && meta.ProgressToken != nil {
		return meta.ProgressToken
	}
	return uuid.NewString()
}

// forwardProgress opens the Progress subscription for one in-flight
// request. The returned close func must run on scope exit.
func (s *Server) forwardProgress(ctx context.Context, token any) func() {
	session := mcpserver.ClientSessionFromContext(ctx)
	if session == nil {
		return func() {}
	}
	sub, err := s.container.ForwardNotifications(StreamProgress, token, s.sessionSender(session.SessionID()))
	if err != nil {
		logging.Warn("Proxy", "Could not subscribe progress stream: %v", err)
		return func() {}
	}
	return sub.Close
}
