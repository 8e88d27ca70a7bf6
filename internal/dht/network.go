package dht

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RPC message types. Records inside STORE / FIND_VALUE_OK / LOOKUP_OK are
// canonical wire envelopes (base64 in the JSON framing); the JSON layer
// only routes them.
type rpcType string

const (
	rpcPing        rpcType = "PING"
	rpcPong        rpcType = "PONG"
	rpcFindNode    rpcType = "FIND_NODE"
	rpcFindNodeOK  rpcType = "FIND_NODE_OK"
	rpcFindValue   rpcType = "FIND_VALUE"
	rpcFindValueOK rpcType = "FIND_VALUE_OK"
	rpcStore       rpcType = "STORE"
	rpcStoreOK     rpcType = "STORE_OK"
	rpcLookup      rpcType = "KEYWORD_LOOKUP"
	rpcLookupOK    rpcType = "KEYWORD_LOOKUP_OK"
)

// maxDatagram bounds a single RPC message on the wire.
const maxDatagram = 60 * 1024

// defaultRPCTimeout is the per-RPC deadline when the caller's context has
// no earlier one.
const defaultRPCTimeout = 2 * time.Second

// outgoingRPCLimit bounds the concurrent outgoing RPC pool.
const outgoingRPCLimit = 64

type wireContact struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
	PubKey      string `json:"pubkey"`
	PowNonce    uint64 `json:"pow_nonce"`
}

func fromContact(c Contact) wireContact {
	return wireContact{
		ID:          c.ID.String(),
		Address:     c.Address,
		Fingerprint: c.Fingerprint.String(),
		PubKey:      base64.StdEncoding.EncodeToString(c.PubKey),
		PowNonce:    c.PowNonce,
	}
}

func (w wireContact) toContact() (Contact, error) {
	id, err := NewID(w.ID)
	if err != nil {
		return Contact{}, err
	}
	fpBytes, err := hex.DecodeString(w.Fingerprint)
	if err != nil || len(fpBytes) != 32 {
		return Contact{}, fmt.Errorf("bad fingerprint %q", w.Fingerprint)
	}
	pub, err := base64.StdEncoding.DecodeString(w.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Contact{}, fmt.Errorf("bad pubkey")
	}
	c := Contact{ID: id, Address: w.Address, PubKey: ed25519.PublicKey(pub), PowNonce: w.PowNonce}
	copy(c.Fingerprint[:], fpBytes)
	if NodeID(c.Fingerprint) != c.ID {
		return Contact{}, fmt.Errorf("contact id does not match fingerprint")
	}
	return c, nil
}

type rpcMessage struct {
	Type     rpcType       `json:"type"`
	MsgID    string        `json:"msg_id"`
	From     wireContact   `json:"from"`
	Target   string        `json:"target,omitempty"`   // hex key / node ID
	Keys     []string      `json:"keys,omitempty"`     // keyword lookup: hex key list
	Limit    int           `json:"limit,omitempty"`    // keyword lookup result cap
	Records  [][]byte      `json:"records,omitempty"`  // canonical envelopes
	Contacts []wireContact `json:"contacts,omitempty"` // FIND_NODE_OK
	Accepted bool          `json:"accepted,omitempty"` // STORE_OK
	Busy     bool          `json:"busy,omitempty"`     // polite rejection
}

// UploadLimiter charges sent bytes against the node's bandwidth budget,
// blocking until the tokens are available.
type UploadLimiter interface {
	AcquireUpload(ctx context.Context, n int) error
}

// network is the UDP request/response layer. Responses are matched to
// requests by MsgID; unsolicited messages are dispatched to the node's
// handlers.
type network struct {
	conn    *net.UDPConn
	node    *Node
	log     *zap.Logger
	limiter UploadLimiter

	mu       sync.Mutex
	inflight map[string]chan *rpcMessage

	out *semaphore.Weighted

	readStopped chan struct{}
}

func newNetwork(node *Node, bindAddr string, log *zap.Logger) (*network, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	n := &network{
		conn:        conn,
		node:        node,
		log:         log,
		inflight:    make(map[string]chan *rpcMessage),
		out:         semaphore.NewWeighted(outgoingRPCLimit),
		readStopped: make(chan struct{}),
	}
	go n.readLoop()
	return n, nil
}

func (n *network) close() error {
	err := n.conn.Close()
	select {
	case <-n.readStopped:
	case <-time.After(200 * time.Millisecond):
	}
	return err
}

func (n *network) localAddr() string { return n.conn.LocalAddr().String() }

func (n *network) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		size, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			close(n.readStopped)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(buf[:size], &msg); err != nil {
			continue // malformed input is dropped, never crashes
		}

		switch msg.Type {
		case rpcPong, rpcFindNodeOK, rpcFindValueOK, rpcStoreOK, rpcLookupOK:
			n.mu.Lock()
			ch := n.inflight[msg.MsgID]
			n.mu.Unlock()
			if ch != nil {
				m := msg
				select {
				case ch <- &m:
				default:
				}
			}
		case rpcPing, rpcFindNode, rpcFindValue, rpcStore, rpcLookup:
			go n.node.handleRequest(&msg, src)
		default:
			// unknown type: ignore
		}
	}
}

func (n *network) send(to *net.UDPAddr, msg *rpcMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(b) > maxDatagram {
		return fmt.Errorf("rpc message %d bytes exceeds datagram cap", len(b))
	}
	if n.limiter != nil {
		if err := n.limiter.AcquireUpload(context.Background(), len(b)); err != nil {
			return err
		}
	}
	_, err = n.conn.WriteToUDP(b, to)
	return err
}

func (n *network) sendToAddr(addr string, msg *rpcMessage) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	return n.send(udpAddr, msg)
}

// request sends msg and waits for the matching response or the context
// deadline. The outgoing pool bounds concurrency; when full the request
// blocks cooperatively.
func (n *network) request(ctx context.Context, addr string, msg *rpcMessage) (*rpcMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRPCTimeout)
		defer cancel()
	}
	if err := n.out.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer n.out.Release(1)

	msg.MsgID = uuid.NewString()
	ch := make(chan *rpcMessage, 1)
	n.mu.Lock()
	n.inflight[msg.MsgID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.inflight, msg.MsgID)
		n.mu.Unlock()
	}()

	if err := n.sendToAddr(addr, msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
