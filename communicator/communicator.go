// Package communicator implements ReplicaCommunicator, spec §4.B: a
// fan-out layer over a persistent-connection pool of transport.Channel
// values, one per peer, with a single shared batch queue that a
// background drain task packs into BroadcastData envelopes to amortize
// per-frame TCP overhead.
//
// The single-drain-thread/per-peer-FIFO design mirrors the teacher's
// go/shuffle ring: one coordinator goroutine decides what work exists,
// and per-destination worker goroutines (fed by buffered channels)
// perform the actual I/O so a slow peer never blocks the others.
package communicator

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/errkind"
	"github.com/riverstone/quorum/transport"
	"github.com/riverstone/quorum/verifier"
	"github.com/riverstone/quorum/wire"
)

const drainInterval = 10 * time.Millisecond

// peer is one outgoing connection plus its FIFO send queue. A single
// goroutine (its sender loop) owns peer.channel, so writes to the same
// peer are always issued in the order they were queued.
type peer struct {
	id      uint32
	addr    string
	queue   chan *wire.BroadcastData
	channel *transport.TCPChannel
}

// Communicator is the ReplicaCommunicator of spec §4.B.
type Communicator struct {
	cfg      *config.Config
	verifier verifier.Verifier

	mu      sync.RWMutex
	peers   map[uint32]*peer
	clients map[uint32]string // node id -> "ip:port", for send_message_to_node

	batchQueue chan *wire.Request

	runCtx context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Communicator wired to the replica roster in cfg. It
// does not dial until Start is called.
func New(cfg *config.Config, v verifier.Verifier) *Communicator {
	return &Communicator{
		cfg:        cfg,
		verifier:   v,
		peers:      make(map[uint32]*peer),
		clients:    make(map[uint32]string),
		batchQueue: make(chan *wire.Request, cfg.TCPBatchNum*8),
	}
}

// Start dials every replica in the roster and launches the drain task
// plus one sender goroutine per peer.
func (c *Communicator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runCtx = ctx

	c.mu.Lock()
	for _, r := range c.cfg.Replicas {
		addr := addrOf(r.IP, r.Port)
		ch, err := transport.Dial(ctx, addr, c.cfg.Self.ID, c.verifier)
		if err != nil {
			c.mu.Unlock()
			return errkind.Wrap(errkind.TransportFailure, "communicator.Start.dial", err)
		}
		p := &peer{id: r.ID, addr: addr, queue: make(chan *wire.BroadcastData, 256), channel: ch}
		c.peers[r.ID] = p
		c.wg.Add(1)
		go c.senderLoop(ctx, p)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.drainLoop(ctx)
	return nil
}

// Stop cancels the drain and sender goroutines and waits for them to exit.
func (c *Communicator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func addrOf(ip string, port uint32) string {
	return net.JoinHostPort(ip, strconv.FormatUint(uint64(port), 10))
}

// Broadcast enqueues req on the shared batch queue; it returns as soon
// as the item is queued, matching spec §4.B's "asynchronous from the
// caller's point of view" scheduling contract.
func (c *Communicator) Broadcast(req *wire.Request) error {
	select {
	case c.batchQueue <- req:
		return nil
	default:
		return errkind.New(errkind.TransportFailure, "communicator.Broadcast: batch queue full")
	}
}

// SendMessage sends msg to one replica, bypassing the shared batch
// queue but still going through that peer's own FIFO sender.
func (c *Communicator) SendMessage(req *wire.Request, replicaID uint32) error {
	c.mu.RLock()
	p, ok := c.peers[replicaID]
	c.mu.RUnlock()
	if !ok {
		return errkind.New(errkind.TransportFailure, "communicator.SendMessage: unknown replica")
	}
	return c.enqueue(p, &wire.BroadcastData{Requests: []*wire.Request{req}})
}

// SendMessageToNode resolves nodeID over replicas ∪ clients and sends
// msg there; it silently drops the message if nodeID is unknown,
// per spec §4.B. A replica destination reuses that peer's persistent
// FIFO connection; a client destination has no standing connection
// (clients come and go far more often than replicas), so this dials a
// short-lived one, sends, and tears it down.
func (c *Communicator) SendMessageToNode(req *wire.Request, nodeID uint32) error {
	c.mu.RLock()
	p, isReplica := c.peers[nodeID]
	addr, isClient := c.clients[nodeID]
	c.mu.RUnlock()

	if isReplica {
		return c.enqueue(p, &wire.BroadcastData{Requests: []*wire.Request{req}})
	}
	if !isClient {
		log.WithField("node_id", nodeID).Warn("communicator.SendMessageToNode: unknown node, dropping")
		return nil
	}

	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := transport.Dial(ctx, addr, c.cfg.Self.ID, c.verifier)
	if err != nil {
		return errkind.Wrap(errkind.TransportFailure, "communicator.SendMessageToNode.dial", err)
	}
	defer ch.Close()
	if err := ch.SendRequest(req.Data, req.Type, false); err != nil {
		return errkind.Wrap(errkind.TransportFailure, "communicator.SendMessageToNode.send", err)
	}
	return nil
}

// SendHeartbeat sends req directly (non-batched, never signed) to
// every replica, returning the count of successful sends so the
// membership layer can observe partitions.
func (c *Communicator) SendHeartbeat(ctx context.Context, req *wire.Request) int {
	c.mu.RLock()
	addrs := make([]string, 0, len(c.peers))
	for _, p := range c.peers {
		addrs = append(addrs, p.addr)
	}
	c.mu.RUnlock()

	successes := 0
	for _, addr := range addrs {
		ch, err := transport.Dial(ctx, addr, c.cfg.Self.ID, nil)
		if err != nil {
			continue
		}
		if err := ch.SendRequest(req.Data, wire.Type_HeartBeat, false); err != nil {
			ch.Close()
			continue
		}
		ch.Close()
		successes++
	}
	return successes
}

// UpdateClientReplicas replaces the known clients roster used by
// SendMessageToNode.
func (c *Communicator) UpdateClientReplicas(nodeIDToAddr map[uint32]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = nodeIDToAddr
}

func (c *Communicator) enqueue(p *peer, batch *wire.BroadcastData) error {
	select {
	case p.queue <- batch:
		return nil
	default:
		return errkind.New(errkind.TransportFailure, "communicator.enqueue: peer queue full")
	}
}

// drainLoop is the single background task that pops queued broadcasts,
// packs up to TCPBatchNum of them into one BroadcastData, and hands
// that batch to every peer's own FIFO queue.
func (c *Communicator) drainLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(drainInterval)
	defer t.Stop()

	var pending []*wire.Request
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := &wire.BroadcastData{Requests: pending}
		pending = nil

		c.mu.RLock()
		peers := make([]*peer, 0, len(c.peers))
		for _, p := range c.peers {
			peers = append(peers, p)
		}
		c.mu.RUnlock()

		for _, p := range peers {
			_ = c.enqueue(p, batch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.batchQueue:
			pending = append(pending, req)
			if len(pending) >= c.cfg.TCPBatchNum {
				flush()
			}
		case <-t.C:
			flush()
		}
	}
}

// senderLoop is the single writer for one peer: it owns p.channel, so
// every BroadcastData queued for this peer is written in FIFO order.
func (c *Communicator) senderLoop(ctx context.Context, p *peer) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-p.queue:
			data, err := wire.Marshal(batch)
			if err != nil {
				log.WithError(err).WithField("peer", p.id).Warn("communicator: failed to marshal batch")
				continue
			}
			if err := p.channel.SendRequest(data, wire.Type_CustomConsensus, false); err != nil {
				log.WithError(err).WithField("peer", p.id).Warn("communicator: send failed, reiniting channel")
				if rerr := p.channel.Reinit(ctx); rerr != nil {
					log.WithError(rerr).WithField("peer", p.id).Warn("communicator: reinit failed")
				}
			}
		}
	}
}
