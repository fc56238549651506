package dht

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNoPeersFound is returned when an iterative lookup exhausts its
// candidates (or its deadline) without locating any storing peer.
var ErrNoPeersFound = errors.New("no peers found for key")

// Config holds DHT node configuration. Zero values select defaults; the
// demotion threshold, expiry intervals, and concurrency are deliberately
// tunable rather than hardcoded.
type Config struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	Host     string // RPC listen host (default 127.0.0.1)
	Port     int    // RPC listen port (0 = random)
	BlobAddr string // advertised blob exchange TCP address

	BootstrapPeers []string // initial peer RPC addresses

	K                int           // bucket size (default 8)
	Alpha            int           // lookup concurrency (default 3)
	MaxFailures      int           // consecutive failures before Bad (default 2)
	RPCTimeout       time.Duration // per-RPC round-trip budget (default 5s)
	RefreshWindow    time.Duration // recency bound for Good (default 1h)
	BucketRefresh    time.Duration // idle-bucket re-search interval (default 1h)
	TokenInterval    time.Duration // write-token secret rotation (default 5m)
	DataExpiry       time.Duration // stored announcement TTL (default 24h)
	BootstrapRetry   time.Duration // rejoin attempt interval while table empty (default 30s)
	MaintenanceEvery time.Duration // maintenance loop tick (default 1m)
}

func (cfg *Config) applyDefaults() {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.K == 0 {
		cfg.K = 8
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 3
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 2
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 5 * time.Second
	}
	if cfg.RefreshWindow == 0 {
		cfg.RefreshWindow = time.Hour
	}
	if cfg.BucketRefresh == 0 {
		cfg.BucketRefresh = time.Hour
	}
	if cfg.TokenInterval == 0 {
		cfg.TokenInterval = 5 * time.Minute
	}
	if cfg.DataExpiry == 0 {
		cfg.DataExpiry = 24 * time.Hour
	}
	if cfg.BootstrapRetry == 0 {
		cfg.BootstrapRetry = 30 * time.Second
	}
	if cfg.MaintenanceEvery == 0 {
		cfg.MaintenanceEvery = time.Minute
	}
}

// Node is a Kademlia DHT peer. It ties together the routing table,
// transport, token manager, and announcement datastore, and implements
// the four RPCs: ping, find_node, find_value, and token-gated store.
type Node struct {
	id        NodeID
	config    Config
	table     *RoutingTable
	transport *Transport
	tokens    *TokenManager
	data      *Datastore

	// Pending RPC tracking: request ID -> response channel. Bookkeeping
	// holds IDs only, never contact pointers.
	mu      sync.Mutex
	pending map[string]chan *Message

	done chan struct{}
	wg   sync.WaitGroup
}

// NewNode creates a DHT node with the given configuration.
func NewNode(cfg Config) *Node {
	cfg.applyDefaults()
	id := NodeIDFromPublicKey(cfg.PublicKey)

	n := &Node{
		id:        id,
		config:    cfg,
		table:     NewRoutingTable(id, cfg.K, cfg.MaxFailures, cfg.RefreshWindow),
		transport: NewTransport(id, cfg.PrivateKey),
		tokens:    NewTokenManager(),
		data:      NewDatastore(cfg.DataExpiry),
		pending:   make(map[string]chan *Message),
		done:      make(chan struct{}),
	}
	n.transport.OnMessage(n.handleMessage)
	n.transport.OnProtocolViolation(func(remoteAddr string) {
		log.Printf("[dht] protocol violation from %s, connection dropped", remoteAddr)
	})
	return n
}

// Start listens for RPCs and launches the bootstrap and maintenance
// loops.
func (n *Node) Start() error {
	if err := n.transport.Listen(n.config.Host, n.config.Port); err != nil {
		return err
	}
	n.wg.Add(2)
	go n.bootstrapLoop()
	go n.maintenanceLoop()
	return nil
}

// ID returns this node's identifier.
func (n *Node) ID() NodeID { return n.id }

// Addr returns the RPC listening address.
func (n *Node) Addr() string { return n.transport.Addr() }

// Table returns the routing table (for inspection and tests).
func (n *Node) Table() *RoutingTable { return n.table }

// StoredKeys returns the number of blob keys with live announcements in
// the local datastore.
func (n *Node) StoredKeys() int { return n.data.Len() }

// Close shuts down the node, its loops, and its transport.
func (n *Node) Close() error {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	n.transport.Close()
	n.wg.Wait()
	return nil
}

// bootstrapLoop joins the network via the seed list, retrying on a timer
// for as long as the routing table remains empty.
func (n *Node) bootstrapLoop() {
	defer n.wg.Done()
	if len(n.config.BootstrapPeers) == 0 {
		return
	}
	for {
		n.bootstrapOnce()
		if n.table.Size() > 0 {
			return
		}
		select {
		case <-n.done:
			return
		case <-time.After(n.config.BootstrapRetry):
		}
	}
}

func (n *Node) bootstrapOnce() {
	for _, addr := range n.config.BootstrapPeers {
		if _, err := n.Ping(addr); err != nil {
			log.Printf("[dht] bootstrap ping %s: %v", addr, err)
		}
	}
	// Self-lookup populates buckets near our own ID.
	ctx, cancel := context.WithTimeout(context.Background(), 2*n.config.RPCTimeout)
	n.FindNode(ctx, n.id)
	cancel()
}

// maintenanceLoop rotates token secrets, prunes expired announcements,
// and refreshes idle buckets.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	tokenTick := time.NewTicker(n.config.TokenInterval)
	tick := time.NewTicker(n.config.MaintenanceEvery)
	defer tokenTick.Stop()
	defer tick.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-tokenTick.C:
			n.tokens.Rotate()
		case <-tick.C:
			if removed := n.data.Prune(); removed > 0 {
				log.Printf("[dht] pruned %d expired announcements", removed)
			}
			for _, idx := range n.table.StaleBuckets(n.config.BucketRefresh) {
				target := n.table.MidpointForBucket(idx)
				ctx, cancel := context.WithTimeout(context.Background(), 2*n.config.RPCTimeout)
				n.FindNode(ctx, target)
				cancel()
			}
		}
	}
}

// randomMsgID generates a random 16-byte hex-encoded request ID.
func randomMsgID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// senderInfo returns the addressing block attached to outbound RPCs.
func (n *Node) senderInfo() SenderInfo {
	return SenderInfo{
		NodeID:   n.id,
		Address:  n.Addr(),
		BlobAddr: n.config.BlobAddr,
	}
}

// Ping sends a PING to the given RPC address. On PONG the peer is added
// to the routing table and its contact returned.
//
// The remote NodeID is unknown beforehand, so the connection is opened
// under a temporary placeholder ID, the PONG reveals the real identity,
// and the connection is re-registered under it.
func (n *Node) Ping(address string) (*Contact, error) {
	var tempID NodeID
	rand.Read(tempID[:])

	if err := n.transport.Connect(address, tempID); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	msg := &Message{
		Type:    MsgPing,
		ID:      randomMsgID(),
		Payload: json.RawMessage(`{}`),
		Sender:  n.senderInfo(),
	}
	resp, err := n.sendRPC(context.Background(), tempID, msg)
	if err != nil {
		n.transport.Disconnect(tempID)
		return nil, fmt.Errorf("ping %s: %w", address, err)
	}

	realID := resp.Sender.NodeID
	peerAddr := resp.Sender.Address
	if peerAddr == "" {
		peerAddr = address
	}
	n.transport.ReregisterConn(tempID, realID)

	contact := Contact{ID: realID, Address: peerAddr, BlobAddr: resp.Sender.BlobAddr}
	n.table.RecordSuccess(contact)
	return &contact, nil
}

// FindNode performs an iterative lookup for the target ID and returns
// the k closest contacts found across the network.
func (n *Node) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	contacts, _, err := n.iterativeLookup(ctx, target, false)
	return contacts, err
}

// FindPeersForBlob performs an iterative find_value lookup for a blob
// key. It terminates early as soon as any peer returns a storing-peer
// list; write tokens from every queried node are retained for later
// store RPCs. Returns ErrNoPeersFound if the lookup exhausts without a
// value.
func (n *Node) FindPeersForBlob(ctx context.Context, key NodeID) ([]BlobPeer, error) {
	// Announcements stored with us count as found; remote nodes would
	// answer a find_value for this key with the same records.
	if peers := n.data.Get(key); len(peers) > 0 {
		return peers, nil
	}
	_, peers, err := n.iterativeLookup(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, ErrNoPeersFound
	}
	return peers, nil
}

// iterativeLookup is the shared Kademlia iteration: maintain a
// shortlist, query the alpha closest unqueried contacts per round, merge
// replies, stop when a full round yields nothing closer or the shortlist
// is exhausted. Contacts classified Bad are never added mid-lookup, so a
// dead contact cannot be amplified into other nodes' results.
func (n *Node) iterativeLookup(ctx context.Context, target NodeID, findValue bool) ([]Contact, []BlobPeer, error) {
	shortlist := n.table.ClosestN(target, n.config.K)
	if len(shortlist) == 0 {
		if findValue {
			return nil, nil, ErrNoPeersFound
		}
		return nil, nil, nil
	}

	queried := map[NodeID]bool{n.id: true}
	known := make(map[NodeID]Contact, len(shortlist))
	for _, c := range shortlist {
		known[c.ID] = c
	}

	var closestSeen NodeID
	haveClosest := false

	for {
		select {
		case <-ctx.Done():
			if findValue {
				return nil, nil, fmt.Errorf("%w: %v", ErrNoPeersFound, ctx.Err())
			}
			return topK(shortlist, target, n.config.K), nil, nil
		default:
		}

		candidates := closestUnqueried(shortlist, target, queried, n.config.Alpha)
		if len(candidates) == 0 {
			break
		}

		type result struct {
			from     Contact
			contacts []Contact
			peers    []BlobPeer
			found    bool
			err      error
		}
		results := make([]result, len(candidates))
		var wg sync.WaitGroup
		for i, candidate := range candidates {
			queried[candidate.ID] = true
			wg.Add(1)
			go func(idx int, c Contact) {
				defer wg.Done()
				if findValue {
					fvr, err := n.findValueRPC(ctx, c, target)
					if err != nil {
						results[idx] = result{from: c, err: err}
						return
					}
					results[idx] = result{from: c, contacts: fvr.Contacts, peers: fvr.Peers, found: fvr.Found}
					return
				}
				contacts, err := n.findNodeRPC(ctx, c, target)
				results[idx] = result{from: c, contacts: contacts, err: err}
			}(i, candidate)
		}
		wg.Wait()

		improved := false
		for _, r := range results {
			if r.err != nil {
				continue
			}
			if findValue && r.found {
				return nil, r.peers, nil
			}
			for _, c := range r.contacts {
				if c.ID == n.id {
					continue
				}
				if _, exists := known[c.ID]; exists {
					continue
				}
				if n.table.Classify(c.ID) == Bad {
					continue
				}
				known[c.ID] = c
				shortlist = append(shortlist, c)
				n.table.Seen(c)
				if !haveClosest || DistanceLess(target, c.ID, closestSeen) {
					closestSeen = c.ID
					haveClosest = true
					improved = true
				}
			}
		}
		if !improved && len(closestUnqueried(shortlist, target, queried, 1)) == 0 {
			break
		}
	}

	if findValue {
		return nil, nil, ErrNoPeersFound
	}
	return topK(shortlist, target, n.config.K), nil, nil
}

// AnnounceBlob advertises that this node holds the blob at key. It runs
// a find_value lookup toward the key (which also collects fresh write
// tokens), then issues store RPCs to the k closest contacts. Returns the
// number of nodes that accepted the store.
func (n *Node) AnnounceBlob(ctx context.Context, key NodeID) (int, error) {
	// The lookup result itself is unused; it warms tokens and the table.
	n.iterativeLookup(ctx, key, true)

	closest := n.table.ClosestN(key, n.config.K)
	if len(closest) == 0 {
		return 0, ErrNoPeersFound
	}

	stored := 0
	for _, c := range closest {
		token, ok := n.table.TokenFor(c.ID, n.config.TokenInterval)
		if !ok {
			// Fetch a fresh token directly from this contact.
			fvr, err := n.findValueRPC(ctx, c, key)
			if err != nil {
				continue
			}
			token = fvr.Token
		}
		if err := n.storeRPC(ctx, c, key, token); err != nil {
			log.Printf("[dht] store %s to %s: %v", hex.EncodeToString(key[:4]), c.Address, err)
			continue
		}
		stored++
	}
	if stored == 0 {
		return 0, fmt.Errorf("announce %s: no peer accepted the store", hex.EncodeToString(key[:8]))
	}
	return stored, nil
}

// findNodeRPC queries one contact for its closest contacts to target.
func (n *Node) findNodeRPC(ctx context.Context, c Contact, target NodeID) ([]Contact, error) {
	if err := n.ensureConnected(c); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(FindNodePayload{Target: target})
	if err != nil {
		return nil, err
	}
	resp, err := n.sendRPC(ctx, c.ID, &Message{
		Type:    MsgFindNode,
		ID:      randomMsgID(),
		Payload: payload,
		Sender:  n.senderInfo(),
	})
	if err != nil {
		return nil, err
	}
	var fnr FindNodeResponse
	if err := json.Unmarshal(resp.Payload, &fnr); err != nil {
		return nil, fmt.Errorf("unmarshal find_node response: %w", err)
	}
	return fnr.Contacts, nil
}

// findValueRPC queries one contact for the value at key. The response
// token is retained for later stores to that contact.
func (n *Node) findValueRPC(ctx context.Context, c Contact, key NodeID) (*FindValueResponse, error) {
	if err := n.ensureConnected(c); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(FindValuePayload{Key: key})
	if err != nil {
		return nil, err
	}
	resp, err := n.sendRPC(ctx, c.ID, &Message{
		Type:    MsgFindValue,
		ID:      randomMsgID(),
		Payload: payload,
		Sender:  n.senderInfo(),
	})
	if err != nil {
		return nil, err
	}
	var fvr FindValueResponse
	if err := json.Unmarshal(resp.Payload, &fvr); err != nil {
		return nil, fmt.Errorf("unmarshal find_value response: %w", err)
	}
	if fvr.Token != "" {
		n.table.SetToken(c.ID, fvr.Token)
	}
	return &fvr, nil
}

// storeRPC asks one contact to record that we hold the blob at key.
func (n *Node) storeRPC(ctx context.Context, c Contact, key NodeID, token string) error {
	if err := n.ensureConnected(c); err != nil {
		return err
	}
	payload, err := json.Marshal(StorePayload{
		Key:      key,
		Token:    token,
		BlobAddr: n.config.BlobAddr,
	})
	if err != nil {
		return err
	}
	resp, err := n.sendRPC(ctx, c.ID, &Message{
		Type:    MsgStore,
		ID:      randomMsgID(),
		Payload: payload,
		Sender:  n.senderInfo(),
	})
	if err != nil {
		return err
	}
	var sr StoreResponse
	if err := json.Unmarshal(resp.Payload, &sr); err != nil {
		return fmt.Errorf("unmarshal store response: %w", err)
	}
	if !sr.Stored {
		return fmt.Errorf("store refused (stale token?)")
	}
	return nil
}

func (n *Node) ensureConnected(c Contact) error {
	if n.transport.IsConnected(c.ID) {
		return nil
	}
	if err := n.transport.Connect(c.Address, c.ID); err != nil {
		n.table.RecordFailure(c.ID)
		return fmt.Errorf("connect to %s: %w", c.Address, err)
	}
	return nil
}

// handleMessage processes every incoming message: requests update the
// sender's arena record and get a reply; responses are routed to the
// waiting RPC caller.
func (n *Node) handleMessage(msg *Message, from NodeID, remoteAddr string) {
	sender := Contact{
		ID:       msg.Sender.NodeID,
		Address:  msg.Sender.Address,
		BlobAddr: msg.Sender.BlobAddr,
	}

	switch msg.Type {
	case MsgPing:
		n.table.Seen(sender)
		n.sendResponse(from, msg.ID, MsgPong, json.RawMessage(`{}`))

	case MsgFindNode:
		n.table.Seen(sender)
		var payload FindNodePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			n.sendError(from, msg.ID, "bad find_node payload")
			return
		}
		resp, err := json.Marshal(FindNodeResponse{Contacts: n.table.ClosestN(payload.Target, n.config.K)})
		if err != nil {
			return
		}
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgFindValue:
		n.table.Seen(sender)
		var payload FindValuePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			n.sendError(from, msg.ID, "bad find_value payload")
			return
		}
		fvr := FindValueResponse{Token: n.tokens.Issue(remoteAddr)}
		if peers := n.data.Get(payload.Key); len(peers) > 0 {
			fvr.Found = true
			fvr.Peers = peers
		} else {
			fvr.Contacts = n.table.ClosestN(payload.Key, n.config.K)
		}
		resp, err := json.Marshal(fvr)
		if err != nil {
			return
		}
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgStore:
		n.table.Seen(sender)
		var payload StorePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			n.sendError(from, msg.ID, "bad store payload")
			return
		}
		stored := false
		if n.tokens.Verify(remoteAddr, payload.Token) && payload.BlobAddr != "" {
			n.data.Add(payload.Key, BlobPeer{ID: msg.Sender.NodeID, BlobAddr: payload.BlobAddr})
			stored = true
		}
		resp, err := json.Marshal(StoreResponse{Stored: stored})
		if err != nil {
			return
		}
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgPong, MsgResponse, MsgError:
		// A reply to one of our requests is the only path that promotes
		// a contact to Good.
		n.table.RecordSuccess(sender)
		n.deliverResponse(msg)
	}
}

// sendResponse replies to a peer, reusing the request ID for
// correlation.
func (n *Node) sendResponse(target NodeID, replyTo, msgType string, payload json.RawMessage) {
	n.transport.Send(target, &Message{
		Type:    msgType,
		ID:      replyTo,
		Payload: payload,
		Sender:  n.senderInfo(),
	})
}

func (n *Node) sendError(target NodeID, replyTo, errMsg string) {
	payload, err := json.Marshal(ErrorPayload{Error: errMsg})
	if err != nil {
		return
	}
	n.sendResponse(target, replyTo, MsgError, payload)
}

// sendRPC sends a message and waits for the response with the same
// request ID, bounded by the RPC timeout and the caller's context. A
// timeout or send failure is recorded against the contact's credibility.
func (n *Node) sendRPC(ctx context.Context, target NodeID, msg *Message) (*Message, error) {
	ch := make(chan *Message, 1)
	n.mu.Lock()
	n.pending[msg.ID] = ch
	n.mu.Unlock()

	clearPending := func() {
		n.mu.Lock()
		delete(n.pending, msg.ID)
		n.mu.Unlock()
	}

	if err := n.transport.Send(target, msg); err != nil {
		clearPending()
		n.table.RecordFailure(target)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		clearPending()
		return nil, ctx.Err()
	case <-time.After(n.config.RPCTimeout):
		clearPending()
		n.table.RecordFailure(target)
		return nil, fmt.Errorf("rpc %s to %x: timeout", msg.Type, target[:4])
	}
}

// deliverResponse routes an incoming response to the waiting caller by
// request ID.
func (n *Node) deliverResponse(msg *Message) {
	n.mu.Lock()
	ch, ok := n.pending[msg.ID]
	if ok {
		delete(n.pending, msg.ID)
	}
	n.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// closestUnqueried returns up to limit shortlist contacts that have not
// been queried, sorted by distance to target.
func closestUnqueried(contacts []Contact, target NodeID, queried map[NodeID]bool, limit int) []Contact {
	var unqueried []Contact
	for _, c := range contacts {
		if !queried[c.ID] {
			unqueried = append(unqueried, c)
		}
	}
	return topK(unqueried, target, limit)
}

// topK returns the k contacts closest to target, sorted by distance.
func topK(contacts []Contact, target NodeID, k int) []Contact {
	if len(contacts) == 0 {
		return nil
	}
	sorted := make([]Contact, len(contacts))
	copy(sorted, contacts)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if DistanceLess(target, sorted[j].ID, sorted[i].ID) {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
