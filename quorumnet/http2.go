package quorumnet

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
)

// Config configures an HTTP2Peers transport.
type Config struct {
	NodeID uint64

	// Listen is the address the inter-node RPC and public submission
	// endpoints are served on.
	Listen string

	// TLSConfig configures both the server and the client connection
	// pool, grounded on the teacher's bastion package requiring TLS 1.3
	// for backend connections; quorum peers use it the same way to
	// mutually authenticate.
	TLSConfig *tls.Config

	// Members maps a known peer id to its reachable address.
	Members map[uint64]ContactInfo

	Log *slog.Logger
}

// wireEnvelope is EncryptedMessage's JSON wire form; the specification
// treats serialization framing as out of scope, so a plain JSON body is
// the simplest idiomatic choice over this package's own HTTP/2 POSTs.
type wireEnvelope struct {
	To         uint64 `json:"to"`
	From       uint64 `json:"from"`
	Ciphertext []byte `json:"ciphertext"`
}

func toWire(m EncryptedMessage) wireEnvelope {
	return wireEnvelope{To: m.To, From: m.From, Ciphertext: m.CiphertextWithNonce}
}

func fromWire(w wireEnvelope) EncryptedMessage {
	return EncryptedMessage{To: w.To, From: w.From, CiphertextWithNonce: w.Ciphertext}
}

type pendingInterNode struct {
	msg   EncryptedMessage
	reply chan EncryptedMessage
}

// HTTP2Peers is the concrete Transport: inter-node RPC over HTTP/2
// (grounded on the teacher's bastion.go connection-pool-over-HTTP/2
// pattern, simplified from bastion's many-anonymous-backends design to
// a small, statically-known peer set addressed by contact info rather
// than by a dynamically authenticated key hash) plus a WebSocket
// endpoint (grounded on CatsMeow492-nochat.io's use of
// gorilla/websocket) for the externally facing public submission
// channel.
type HTTP2Peers struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client
	server *http.Server

	interNode chan pendingInterNode
	public    chan PublicNodeMessage

	upgrader websocket.Upgrader

	listenAddr string
}

var _ Transport = (*HTTP2Peers)(nil)

// NewHTTP2Peers constructs a transport; call Start to begin serving.
func NewHTTP2Peers(cfg Config) (*HTTP2Peers, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{TLSClientConfig: cfg.TLSConfig}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("quorumnet: configuring HTTP/2 client transport: %w", err)
	}

	p := &HTTP2Peers{
		cfg:       cfg,
		log:       log,
		client:    &http.Client{Transport: transport},
		interNode: make(chan pendingInterNode, 25),
		public:    make(chan PublicNodeMessage, 25),
	}
	return p, nil
}

// Start begins serving the inter-node RPC and public WebSocket endpoints
// on cfg.Listen. It returns once the listener is accepting connections;
// the server itself runs until ctx is cancelled.
func (p *HTTP2Peers) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/quorum/internode", p.handleInterNode)
	mux.HandleFunc("/quorum/public", p.handlePublic)

	p.server = &http.Server{Addr: p.cfg.Listen, Handler: mux, TLSConfig: p.cfg.TLSConfig}
	if err := http2.ConfigureServer(p.server, &http2.Server{}); err != nil {
		return fmt.Errorf("quorumnet: configuring HTTP/2 server: %w", err)
	}

	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("quorumnet: listening on %s: %w", p.cfg.Listen, err)
	}
	p.listenAddr = ln.Addr().String()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.server.Shutdown(shutdownCtx)
	}()

	go func() {
		var serveErr error
		if p.cfg.TLSConfig != nil {
			serveErr = p.server.ServeTLS(ln, "", "")
		} else {
			serveErr = p.server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			p.log.Error("quorumnet: server exited", "err", serveErr)
		}
	}()
	return nil
}

// LocalAddr returns the address the server actually bound to, useful
// when Config.Listen requests an ephemeral port (":0").
func (p *HTTP2Peers) LocalAddr() string {
	return p.listenAddr
}

func (p *HTTP2Peers) handleInterNode(w http.ResponseWriter, r *http.Request) {
	var env wireEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	pending := pendingInterNode{msg: fromWire(env), reply: make(chan EncryptedMessage, 1)}
	select {
	case p.interNode <- pending:
	case <-r.Context().Done():
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	select {
	case reply := <-pending.reply:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toWire(reply))
	case <-r.Context().Done():
		// The nonce the sender consumed is not replayable regardless of
		// whether this reply ever arrives (§5).
	}
}

func (p *HTTP2Peers) handlePublic(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debug("quorumnet: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("quorumnet: public read failed", "err", err)
			}
			return
		}
		msg := PublicNodeMessage{Payload: append([]byte(nil), payload...)}
		select {
		case p.public <- msg:
		default:
			p.log.Warn("quorumnet: public message channel full, dropping message")
		}
	}
}

func (p *HTTP2Peers) ReceivePublic(ctx context.Context, timeout time.Duration) (PublicNodeMessage, error) {
	select {
	case msg := <-p.public:
		return msg, nil
	case <-time.After(timeout):
		return PublicNodeMessage{}, ErrTimeout
	case <-ctx.Done():
		return PublicNodeMessage{}, ctx.Err()
	}
}

func (p *HTTP2Peers) ReceiveInterNode(ctx context.Context, timeout time.Duration) (EncryptedMessage, ReplyFunc, error) {
	select {
	case pending := <-p.interNode:
		var once sync.Once
		reply := func(m EncryptedMessage) {
			once.Do(func() { pending.reply <- m })
		}
		return pending.msg, reply, nil
	case <-time.After(timeout):
		return EncryptedMessage{}, nil, ErrTimeout
	case <-ctx.Done():
		return EncryptedMessage{}, nil, ctx.Err()
	}
}

func (p *HTTP2Peers) SendToContactInfo(ctx context.Context, contact ContactInfo, msg EncryptedMessage, timeout time.Duration) (EncryptedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(toWire(msg))
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("quorumnet: encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contact.Address+"/quorum/internode", bytes.NewReader(body))
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("quorumnet: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return EncryptedMessage{}, ErrTimeout
		}
		return EncryptedMessage{}, fmt.Errorf("quorumnet: request failed: %w", err)
	}
	defer resp.Body.Close()

	var env wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return EncryptedMessage{}, fmt.Errorf("quorumnet: decoding reply: %w", err)
	}
	return fromWire(env), nil
}

func (p *HTTP2Peers) RPC(ctx context.Context, msg EncryptedMessage, timeout *time.Duration) (*EncryptedMessage, error) {
	contact, ok := p.cfg.Members[msg.To]
	if !ok {
		return nil, fmt.Errorf("quorumnet: no contact info for peer %d", msg.To)
	}

	effective := 30 * time.Second
	if timeout != nil {
		effective = *timeout
	}
	reply, err := p.SendToContactInfo(ctx, contact, msg, effective)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return &reply, nil
}
