package consensus

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zipcode-subnet/validator-core/internal/storage"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// gossipMessage is the wire shape exchanged between validator peers: one
// validator's consensus hash for one epoch.
type gossipMessage struct {
	EpochID     string `json:"epoch_id"`
	ValidatorID string `json:"validator_id"`
	Hash        string `json:"hash"`
}

// GossipServer broadcasts this validator's consensus hash to its
// configured peers and records whatever peers broadcast back, so
// Reconcile has a full hash set to work from without every validator
// having to poll the storage layer. Redis (storage.Client.PutConsensusHash)
// remains the durable record; gossip is the low-latency push on top of it.
type GossipServer struct {
	validatorID string
	bind        string
	peerAddrs   []string
	store       *storage.Client

	server *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn // peer address -> live outbound conn

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewGossipServer builds a gossip server for one validator. bind is the
// local listen address for inbound peer connections; peerAddrs are the
// ws:// (or wss://) addresses of every other validator's gossip endpoint.
func NewGossipServer(validatorID, bind string, peerAddrs []string, store *storage.Client) *GossipServer {
	return &GossipServer{
		validatorID: validatorID,
		bind:        bind,
		peerAddrs:   peerAddrs,
		store:       store,
		conns:       map[string]*websocket.Conn{},
		stopCh:      make(chan struct{}),
	}
}

// Start begins accepting inbound peer connections and dialing out to every
// configured peer. A peer that is unreachable at startup is retried in the
// background rather than failing the whole server.
func (g *GossipServer) Start() error {
	if g.bind == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", g.handleInbound)
	g.server = &http.Server{Addr: g.bind, Handler: mux}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("Consensus gossip server error: %v", err)
		}
	}()
	util.Infof("Consensus gossip server listening on %s", g.bind)

	for _, addr := range g.peerAddrs {
		g.wg.Add(1)
		go g.maintainPeer(addr)
	}
	return nil
}

// Stop shuts the server and every outbound peer connection down.
func (g *GossipServer) Stop() {
	close(g.stopCh)
	if g.server != nil {
		g.server.Close()
	}
	g.mu.Lock()
	for _, c := range g.conns {
		c.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// Broadcast records the local validator's hash for an epoch, both durably
// via storage.Client and live to every connected peer.
func (g *GossipServer) Broadcast(epochID, hashHex string) error {
	if err := g.store.PutConsensusHash(epochID, g.validatorID, hashHex); err != nil {
		return err
	}

	msg := gossipMessage{EpochID: epochID, ValidatorID: g.validatorID, Hash: hashHex}

	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, conn := range g.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			util.Warnf("Gossip broadcast to %s failed: %v", addr, err)
		}
	}
	return nil
}

// PeerHashes returns every hash recorded for an epoch, gossiped or not —
// it defers entirely to storage.Client, which both the gossip handler and
// Broadcast write through, so it is the single merged view regardless of
// whether a given peer's hash arrived over the socket or was only ever
// written directly.
func (g *GossipServer) PeerHashes(epochID string) (map[string]string, error) {
	return g.store.PeerConsensusHashes(epochID)
}

func (g *GossipServer) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("Gossip upgrade error: %v", err)
		return
	}
	defer conn.Close()

	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		var msg gossipMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.ValidatorID == "" || msg.ValidatorID == g.validatorID {
			continue
		}
		if err := g.store.PutConsensusHash(msg.EpochID, msg.ValidatorID, msg.Hash); err != nil {
			util.Warnf("Gossip: recording peer hash from %s failed: %v", msg.ValidatorID, err)
		}
	}
}

// maintainPeer keeps one outbound connection to a peer alive, reconnecting
// with a fixed backoff on disconnect.
func (g *GossipServer) maintainPeer(addr string) {
	defer g.wg.Done()

	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err != nil {
			util.Debugf("Gossip: dial %s failed: %v", addr, err)
			select {
			case <-time.After(5 * time.Second):
			case <-g.stopCh:
				return
			}
			continue
		}

		g.mu.Lock()
		g.conns[addr] = conn
		g.mu.Unlock()

		// Drain any peer-initiated pushes on the outbound connection too,
		// since gossip is symmetric: either side may write first.
		for {
			var msg gossipMessage
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			if msg.ValidatorID != "" && msg.ValidatorID != g.validatorID {
				g.store.PutConsensusHash(msg.EpochID, msg.ValidatorID, msg.Hash)
			}
		}

		g.mu.Lock()
		delete(g.conns, addr)
		g.mu.Unlock()
		conn.Close()

		select {
		case <-time.After(5 * time.Second):
		case <-g.stopCh:
			return
		}
	}
}
