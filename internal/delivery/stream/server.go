package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/smartcity/crowdnav/internal/broadcast"
	"github.com/smartcity/crowdnav/internal/domain"
)

// Config configures the diff stream listener
type Config struct {
	Addr         string        `env:"STREAM_ADDR" envDefault:":8081"`
	WriteTimeout time.Duration `env:"STREAM_WRITE_TIMEOUT" envDefault:"5s"`
	// ClientAck leaves acknowledgement to the client's ack frames instead
	// of acking every message once it is written
	ClientAck bool `env:"STREAM_CLIENT_ACK" envDefault:"false"`
}

const maxDecodeErrorsPerConn = 5

// Subscriber opens broadcast subscriptions
type Subscriber interface {
	Subscribe(topics []domain.Topic) *broadcast.Subscription
}

// Frame is one websocket frame in either direction
type Frame struct {
	Type    string             `json:"type"`
	Seq     uint64             `json:"seq,omitempty"`
	Message *broadcast.Message `json:"message,omitempty"`
	Code    domain.Code        `json:"code,omitempty"`
	Error   string             `json:"error,omitempty"`
}

const (
	FrameMessage = "stream.message"
	FrameAck     = "stream.ack"
	FrameError   = "error"
)

type peer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
	timeout time.Duration
}

func (p *peer) write(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	}
	return p.encoder.Encode(f)
}

// Server pushes occupancy, emergency and weather diffs over websockets
type Server struct {
	cfg  Config
	subs Subscriber
}

// NewServer creates a new stream server
func NewServer(cfg Config, subs Subscriber) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, subs: subs}
}

// Handler returns the stream routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(s.handleConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := topicsFromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func topicsFromRequest(r *http.Request) ([]domain.Topic, error) {
	var names []string
	for _, n := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return domain.ParseTopics(names)
}

func (s *Server) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	topics, err := topicsFromRequest(conn.Request())
	if err != nil {
		return
	}
	sub := s.subs.Subscribe(topics)
	defer sub.Close()
	log.Printf("stream: subscriber %s connected from %s (topics %v)", sub.ID, conn.Request().RemoteAddr, topics)

	p := &peer{conn: conn, encoder: json.NewEncoder(conn), timeout: s.cfg.WriteTimeout}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(conn, p, sub)
	}()

	for {
		select {
		case <-readDone:
			log.Printf("stream: subscriber %s disconnected", sub.ID)
			return
		case m, ok := <-sub.C():
			if !ok {
				return
			}
			if err := p.write(Frame{Type: FrameMessage, Message: &m}); err != nil {
				log.Printf("stream: write to %s failed: %v", sub.ID, err)
				return
			}
			if !s.cfg.ClientAck {
				sub.Ack(m.Seq)
			}
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, p *peer, sub *broadcast.Subscription) {
	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var f Frame
		if err := decoder.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				return
			}
			decodeErrors++
			_ = p.write(Frame{Type: FrameError, Code: domain.CodeInvalidInput, Error: "invalid frame payload"})
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		switch f.Type {
		case FrameAck:
			sub.Ack(f.Seq)
		default:
			_ = p.write(Frame{Type: FrameError, Code: domain.CodeInvalidInput, Error: "unsupported frame type"})
		}
	}
}

// Run serves the stream until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("stream: listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; they end
	// when the broadcaster closes their subscriptions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("stream: forced shutdown: %v", err)
	}
	log.Println("stream: stopped")
	return nil
}
