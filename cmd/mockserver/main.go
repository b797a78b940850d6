// Command mockserver is a local stand-in for the messaging backend, used to
// exercise the courier CLI and transport against real WebSocket traffic. It
// answers every request frame with 200, acknowledges keepalives, and can
// push periodic fake messages to authenticated clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courier-im/courier/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type server struct {
	login        string
	password     string
	pushInterval time.Duration
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	login := flag.String("login", "alice.1", "accepted login")
	password := flag.String("password", "hunter2", "accepted password")
	pushEvery := flag.Duration("push-every", 0, "push a fake message to authenticated clients at this interval (0 disables)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	s := &server{login: *login, password: *password, pushInterval: *pushEvery}

	r := mux.NewRouter()
	r.HandleFunc("/v1/websocket/", s.handleSocket)
	r.HandleFunc("/v1/websocket/provisioning/", s.handleProvisioning)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "mockserver"})
	})

	srv := &http.Server{
		Addr:        *addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", *addr).Msg("mock backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server failed")
	case <-sig:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	log.Info().Msg("mock backend stopped")
}

func (s *server) handleSocket(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("login")
	authenticated := login != ""
	if authenticated {
		if login != s.login || r.URL.Query().Get("password") != s.password {
			log.Warn().Str("login", login).Msg("rejecting bad credentials")
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Bool("authenticated", authenticated).
		Msg("socket connected")
	s.serve(ws, authenticated)
}

func (s *server) handleProvisioning(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("provisioning socket connected")

	// A real backend opens the ritual by assigning a provisioning address.
	addr, _ := wire.NewRequest(1, http.MethodPut, "/v1/address", nil,
		[]byte(fmt.Sprintf("mock-provisioning-%d", time.Now().UnixNano()))).Encode()
	ws.WriteMessage(websocket.BinaryMessage, addr)

	s.serve(ws, false)
}

// serve answers client frames until the connection drops.
func (s *server) serve(ws *websocket.Conn, authenticated bool) {
	defer ws.Close()

	writes := make(chan []byte, 64)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case data := <-writes:
				if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	if authenticated && s.pushInterval > 0 {
		go s.pushLoop(writes, done)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Msg("socket disconnected")
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable frame")
			continue
		}
		switch frame.Type {
		case wire.FrameRequest:
			log.Debug().Str("verb", frame.Verb).Str("path", frame.Path).
				Uint64("id", frame.ID).Msg("request")
			resp, _ := wire.NewResponse(frame.ID, http.StatusOK, "OK", nil, frame.Body).Encode()
			writes <- resp
		case wire.FrameResponse:
			log.Debug().Uint64("id", frame.ID).Int("status", frame.Status).
				Msg("client acknowledged push")
		}
	}
}

var pushSeq atomic.Uint64

func (s *server) pushLoop(writes chan<- []byte, done <-chan struct{}) {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			id := pushSeq.Add(1)
			body := fmt.Sprintf(`{"seq":%d,"sent_at":%q}`, id, time.Now().Format(time.RFC3339))
			frame, _ := wire.NewRequest(1_000_000+id, http.MethodPut, "/api/v1/message", nil, []byte(body)).Encode()
			select {
			case writes <- frame:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}
