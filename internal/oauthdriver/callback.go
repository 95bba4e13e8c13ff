package oauthdriver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

// callbackServer is the loopback-only HTTP server the social PKCE flow
// redirects to (spec §4.C "Social", §6 "OAuth callback"). It is started
// once, lazily, on the first free port in [portStart, portEnd].
type callbackServer struct {
	portStart, portEnd int
	onCallback         func(code, state, oauthErr string) error
	logger             *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	port     int

	states sync.Map // state -> sessionID
}

func newCallbackServer(portStart, portEnd int, logger *slog.Logger) *callbackServer {
	return &callbackServer{portStart: portStart, portEnd: portEnd, logger: logger}
}

func (c *callbackServer) ensureStarted() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener != nil {
		return c.port, nil
	}

	for port := c.portStart; port <= c.portEnd; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/oauth/callback", c.handleCallback)
		srv := &http.Server{Handler: mux}

		c.listener, c.srv, c.port = ln, srv, port
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				c.logger.Error("oauth callback server stopped", "error", err)
			}
		}()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d] for oauth callback", c.portStart, c.portEnd)
}

func (c *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state, oauthErr := q.Get("code"), q.Get("state"), q.Get("error")

	if c.onCallback != nil {
		if err := c.onCallback(code, state, oauthErr); err != nil {
			c.logger.Warn("oauth callback failed", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Authentication failed: %v. You may close this window.", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Authentication complete. You may close this window.")
}

func (c *callbackServer) registerState(state, sessionID string) { c.states.Store(state, sessionID) }
func (c *callbackServer) forgetState(state string)              { c.states.Delete(state) }
func (c *callbackServer) lookupState(state string) (string, bool) {
	v, ok := c.states.Load(state)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *callbackServer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srv == nil {
		return nil
	}
	return c.srv.Shutdown(ctx)
}
