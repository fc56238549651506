package dht

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxRPCMessageSize bounds a single DHT RPC frame. RPC payloads are
// contact lists and tokens, never blob bytes, so 1 MiB is generous.
const maxRPCMessageSize = 1 << 20

// peerConn wraps a websocket connection with a write mutex.
// gorilla/websocket connections do not support concurrent writers, so
// every write is serialized per connection.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex // guards writes
}

// Transport manages WebSocket connections to DHT peers, with automatic
// Ed25519 signing of outbound messages. Each connection runs a read-loop
// goroutine that deserializes messages and dispatches them, together
// with the remote network address, to the registered handler. A peer
// that sends a frame that fails to parse is a protocol violation: its
// connection is dropped and the handler is told so it can demote the
// contact.
type Transport struct {
	mu       sync.RWMutex
	self     NodeID
	privKey  ed25519.PrivateKey
	conns    map[NodeID]*peerConn
	handler  func(msg *Message, from NodeID, remoteAddr string)
	onBadMsg func(remoteAddr string)
	listener net.Listener
	server   *http.Server
}

// upgrader allows any origin; there is no browser same-origin policy to
// enforce between mesh peers.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewTransport creates a Transport for the given local node identity.
func NewTransport(self NodeID, privKey ed25519.PrivateKey) *Transport {
	return &Transport{
		self:    self,
		privKey: privKey,
		conns:   make(map[NodeID]*peerConn),
	}
}

// Listen starts the RPC server on host:port. Port 0 selects a random
// port. Inbound connections on /dht are upgraded to WebSocket and
// registered once the remote peer identifies itself.
func (t *Transport) Listen(host string, port int) error {
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/dht", t.handleWS)

	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

// handleWS upgrades an inbound connection and starts its read loop. The
// remote peer's NodeID is learned from the first message received.
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxRPCMessageSize)

	pc := &peerConn{conn: conn}
	go t.readLoop(pc, NodeID{}, true)
}

// Connect establishes an outbound connection to a peer and sends an
// identification message so the remote side can register this
// connection under our NodeID.
func (t *Transport) Connect(address string, peerID NodeID) error {
	url := fmt.Sprintf("ws://%s/dht", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(maxRPCMessageSize)

	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = pc
	t.mu.Unlock()

	hello := &Message{
		Type:    MsgPing,
		ID:      "hello",
		Payload: json.RawMessage(`{}`),
	}
	hello.Sender.NodeID = t.self
	hello.Timestamp = time.Now().Unix()
	hello.Sign(t.privKey)

	pc.wmu.Lock()
	writeErr := conn.WriteJSON(hello)
	pc.wmu.Unlock()
	if writeErr != nil {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, peerID)
		t.mu.Unlock()
		return fmt.Errorf("write hello: %w", writeErr)
	}

	go t.readLoop(pc, peerID, false)
	return nil
}

// readLoop reads messages from a connection until it errors or closes.
// For inbound connections the first message determines the remote peer's
// NodeID and registers the connection.
func (t *Transport) readLoop(pc *peerConn, peerID NodeID, inbound bool) {
	identified := !inbound // outbound connections already know the peer ID
	remoteAddr := pc.conn.RemoteAddr().String()
	defer func() {
		pc.conn.Close()
		if identified {
			t.mu.Lock()
			// Only remove if the stored conn is this object, so a
			// replacement connection is not torn down by accident.
			if existing, ok := t.conns[peerID]; ok && existing == pc {
				delete(t.conns, peerID)
			}
			t.mu.Unlock()
		}
	}()

	for {
		msgType, data, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			t.reportBadMessage(remoteAddr)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed wire message: drop the connection, tell the
			// node so the sender can be demoted.
			t.reportBadMessage(remoteAddr)
			return
		}

		if !identified {
			peerID = msg.Sender.NodeID
			t.mu.Lock()
			t.conns[peerID] = pc
			t.mu.Unlock()
			identified = true
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(&msg, peerID, remoteAddr)
		}
	}
}

func (t *Transport) reportBadMessage(remoteAddr string) {
	t.mu.RLock()
	cb := t.onBadMsg
	t.mu.RUnlock()
	if cb != nil {
		cb(remoteAddr)
	}
}

// Send signs and sends a message to the peer identified by target. The
// Sender.NodeID, Timestamp, and Signature fields are filled in here; the
// caller sets Sender addressing. Safe for concurrent use.
func (t *Transport) Send(target NodeID, msg *Message) error {
	t.mu.RLock()
	pc, ok := t.conns[target]
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("not connected to peer %x", target[:4])
	}

	msg.Sender.NodeID = t.self
	msg.Timestamp = time.Now().Unix()
	msg.Sign(t.privKey)

	pc.wmu.Lock()
	err := pc.conn.WriteJSON(msg)
	pc.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// OnMessage registers the callback invoked for every incoming message.
func (t *Transport) OnMessage(handler func(msg *Message, from NodeID, remoteAddr string)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// OnProtocolViolation registers the callback invoked when a peer sends
// an unparseable frame.
func (t *Transport) OnProtocolViolation(cb func(remoteAddr string)) {
	t.mu.Lock()
	t.onBadMsg = cb
	t.mu.Unlock()
}

// ReregisterConn changes the NodeID associated with an existing
// connection. Used during Ping, which connects under a placeholder ID
// and learns the real peer ID from the PONG.
func (t *Transport) ReregisterConn(oldID, newID NodeID) {
	if oldID == newID {
		return
	}
	t.mu.Lock()
	pc, ok := t.conns[oldID]
	var displaced *peerConn
	if ok {
		delete(t.conns, oldID)
		if prev, exists := t.conns[newID]; exists && prev != pc {
			displaced = prev
		}
		t.conns[newID] = pc
	}
	t.mu.Unlock()

	if displaced != nil {
		displaced.conn.Close()
	}
}

// IsConnected reports whether a live connection to the peer exists.
func (t *Transport) IsConnected(id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[id]
	return ok
}

// Disconnect closes and forgets the connection to a specific peer.
func (t *Transport) Disconnect(id NodeID) {
	t.mu.Lock()
	pc, ok := t.conns[id]
	if ok {
		delete(t.conns, id)
	}
	t.mu.Unlock()

	if ok {
		pc.conn.Close()
	}
}

// Close shuts down the listener and all peer connections.
func (t *Transport) Close() {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.server.Shutdown(ctx) //nolint:errcheck
	}

	t.mu.Lock()
	for id, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

// Addr returns the listener's address (e.g. "127.0.0.1:12345").
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}
