package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// DefaultCallbackAddr is tried first for the loopback redirect.
const DefaultCallbackAddr = "127.0.0.1:8080"

// CallbackServer receives the OAuth redirect on a loopback address.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	codes    chan string
	errs     chan error
}

// ListenCallback starts listening on addr. If addr is busy a random
// loopback port is used instead; register RedirectURL with the provider.
func ListenCallback(addr string) (*CallbackServer, error) {
	if addr == "" {
		addr = DefaultCallbackAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	return &CallbackServer{
		listener: listener,
		server: &http.Server{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  10 * time.Second,
		},
		codes: make(chan string, 1),
		errs:  make(chan error, 1),
	}, nil
}

// RedirectURL is the callback address to hand to the provider.
func (s *CallbackServer) RedirectURL() string {
	return fmt.Sprintf("http://%s", s.listener.Addr().String())
}

// Wait serves the callback until a request carrying state arrives and
// returns its authorization code. Requests with a different state are
// rejected and ignored.
func (s *CallbackServer) Wait(ctx context.Context, state string) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", html.EscapeString(errMsg))
			s.report(model.NewError(model.ErrAuth, "authorize", fmt.Errorf("authorization error: %s", errMsg)))
			return
		}
		code := q.Get("code")
		if code == "" {
			fmt.Fprintf(w, "<html><body><h1>No authorization code received</h1></body></html>")
			s.report(model.NewError(model.ErrAuth, "authorize", errors.New("no authorization code received")))
			return
		}
		fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
		select {
		case s.codes <- code:
		default:
		}
	})
	s.server.Handler = mux

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.report(fmt.Errorf("server error: %w", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: failed to stop callback server: %v", err)
		}
	}()

	select {
	case code := <-s.codes:
		return code, nil
	case err := <-s.errs:
		return "", err
	case <-ctx.Done():
		return "", model.NewError(model.ErrAuth, "authorize", fmt.Errorf("no response received: %w", ctx.Err()))
	}
}

func (s *CallbackServer) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
