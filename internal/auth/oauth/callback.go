package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// callbackTimeout bounds how long a login flow waits for the browser
// redirect.
const callbackTimeout = 120 * time.Second

const callbackSuccessHTML = `<html><body><h1>Login successful!</h1><p>You may close this tab.</p></body></html>`

// callbackResult carries the authorization code delivered by the redirect.
type callbackResult struct {
	code string
	err  error
}

// callbackServer is a one-shot loopback HTTP listener for OAuth redirects.
// The port is bound before the browser opens so the redirect cannot race the
// listener, and only the first matching callback is accepted.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	results  chan callbackResult
	once     sync.Once
}

// newCallbackServer binds 127.0.0.1:port and begins serving the callback
// path. wantState must match the state query parameter exactly; any mismatch
// is rejected without completing the flow.
func newCallbackServer(port int, path, wantState string) (*callbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("cannot bind callback port %d (another login flow or proxy may be running): %w", port, err)
	}

	s := &callbackServer{
		listener: listener,
		results:  make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errParam := query.Get("error"); errParam != "" {
			s.deliver(callbackResult{err: fmt.Errorf("authorization denied: %s", errParam)})
			http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
			return
		}
		if query.Get("state") != wantState {
			s.deliver(callbackResult{err: errors.New("state mismatch in OAuth callback, possible CSRF")})
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		code := query.Get("code")
		if code == "" {
			s.deliver(callbackResult{err: errors.New("missing code parameter in OAuth callback")})
			http.Error(w, "No authorization code received", http.StatusBadRequest)
			return
		}
		s.deliver(callbackResult{code: code})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, callbackSuccessHTML)
	})
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.deliver(callbackResult{err: fmt.Errorf("callback server failed: %w", errServe)})
		}
	}()
	return s, nil
}

// deliver publishes the first result; later callbacks are dropped.
func (s *callbackServer) deliver(result callbackResult) {
	s.once.Do(func() { s.results <- result })
	if result.err == nil {
		return
	}
	log.Debugf("oauth callback rejected: %v", result.err)
}

// Wait blocks until the callback arrives, the context is cancelled, or the
// timeout elapses, and returns the authorization code.
func (s *callbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case result := <-s.results:
		return result.code, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(callbackTimeout):
		return "", errors.New("timed out waiting for OAuth callback")
	}
}

// Close shuts the listener down.
func (s *callbackServer) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}
