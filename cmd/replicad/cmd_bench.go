package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/perf"
	"github.com/riverstone/quorum/transport"
	"github.com/riverstone/quorum/verifier"
	"github.com/riverstone/quorum/wire"
)

// cmdBench drives PerformanceManager (spec §4.I's client-side
// counterpart to ResponseManager) against an already-running cluster:
// it broadcasts NewTxns batches to every replica in the roster,
// listens for the routed-back responses, and reports quorum latency.
type cmdBench struct {
	config.Config
	NumOps  int           `long:"num-ops" default:"1000" description:"number of single-operation batches to generate"`
	OpSize  int           `long:"op-size" default:"32" description:"size in bytes of each generated operation"`
	Timeout time.Duration `long:"timeout" default:"5s" description:"per-batch quorum timeout before re-broadcast"`
}

func (c *cmdBench) Execute(_ []string) error {
	cfg := &c.Config
	cfg.SetDefaults()
	if cfg.N() == 0 {
		return fmt.Errorf("replicad bench: at least one --replicas entry is required")
	}
	if cfg.Self.Port == 0 {
		return fmt.Errorf("replicad bench: --self.port is required so replicas can route responses back")
	}

	v, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Self.IP, strconv.FormatUint(uint64(cfg.Self.Port), 10))
	ln, err := transport.Listen(addr, cfg.Self.ID, v)
	if err != nil {
		return fmt.Errorf("replicad bench: binding listener: %w", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	bcast, err := newBenchBroadcaster(ctx, cfg, v)
	if err != nil {
		return err
	}
	defer bcast.close()

	var done atomic.Int64
	var latencySumMs atomic.Int64
	perfMgr := perf.New(cfg, c.Timeout, bcast, opGenerator(c.NumOps, c.OpSize), func(ms float64) {
		latencySumMs.Add(int64(ms))
		if done.Add(1) == int64(c.NumOps) {
			cancel()
		}
	})

	go acceptBenchResponses(ctx, ln, perfMgr)
	go announceAsClient(ctx, cfg, v, bcast)

	green := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("%s client %d sending %d ops to %d replicas\n", green("quorum-bench"), cfg.Self.ID, c.NumOps, cfg.N())

	perfMgr.Run(ctx)
	<-ctx.Done()

	completed := done.Load()
	if completed > 0 {
		fmt.Printf("completed %d/%d ops, mean quorum latency %.2fms\n", completed, c.NumOps, float64(latencySumMs.Load())/float64(completed))
	} else {
		fmt.Println("no ops reached quorum before exit")
	}
	return nil
}

// acceptBenchResponses accepts connections that replicas open back to
// this client to deliver routed Response frames, feeding each one to
// perfMgr.OnResponse.
func acceptBenchResponses(ctx context.Context, ln *transport.Listener, perfMgr *perf.Manager) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		ch, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		go func() {
			defer ch.Close()
			for {
				frame, err := ch.RecvFrame()
				if err != nil {
					return
				}
				var env wire.Envelope
				if err := wire.Unmarshal(frame, &env); err != nil {
					continue
				}
				var req wire.Request
				if err := wire.Unmarshal(env.Data, &req); err != nil || req.Type != wire.Type_Response {
					continue
				}
				var resp wire.BatchUserResponse
				if err := wire.Unmarshal(req.Data, &resp); err != nil {
					continue
				}
				perfMgr.OnResponse(&resp)
			}
		}()
	}
}

// announceAsClient periodically gossips this process's address to
// every replica as a NodeType_Client heartbeat, so each replica's
// consensus.Manager learns where to route this client's responses
// (see communicator.Communicator.UpdateClientReplicas).
func announceAsClient(ctx context.Context, cfg *config.Config, v verifier.Verifier, bcast *benchBroadcaster) {
	announce := func() {
		info := &wire.HeartBeatInfo{
			Sender: cfg.Self.ID,
			PublicKeys: []*wire.PublicKeyInfo{{
				NodeId:   cfg.Self.ID,
				NodeType: wire.NodeType_Client,
				Ip:       cfg.Self.IP,
				Port:     cfg.Self.Port,
			}},
		}
		data, err := wire.Marshal(info)
		if err != nil {
			return
		}
		bcast.sendToAll(wire.Type_HeartBeat, data)
	}

	announce()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			announce()
		}
	}
}

// opGenerator returns a dataFunc producing n single-operation batches
// of size bytes each, then nil once exhausted.
func opGenerator(n, size int) func() [][]byte {
	if size <= 0 {
		size = 32
	}
	var emitted int
	return func() [][]byte {
		if emitted >= n {
			return nil
		}
		emitted++
		op := make([]byte, size)
		rand.Read(op)
		return [][]byte{op}
	}
}

// benchBroadcaster implements perf.Broadcaster by sending each
// generated batch, wrapped as a NewTxns Request, to every replica in
// the roster over its own persistent connection.
type benchBroadcaster struct {
	selfID uint32
	chans  []*transport.TCPChannel
}

func newBenchBroadcaster(ctx context.Context, cfg *config.Config, v verifier.Verifier) (*benchBroadcaster, error) {
	b := &benchBroadcaster{selfID: cfg.Self.ID}
	for _, r := range cfg.Replicas {
		addr := net.JoinHostPort(r.IP, strconv.FormatUint(uint64(r.Port), 10))
		ch, err := transport.Dial(ctx, addr, cfg.Self.ID, v)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("replicad bench: dialing replica %d: %w", r.ID, err)
		}
		b.chans = append(b.chans, ch)
	}
	return b, nil
}

func (b *benchBroadcaster) BroadcastNewTxns(batch *wire.BatchUserRequest) error {
	batch.ProxyId = b.selfID
	data, err := wire.Marshal(batch)
	if err != nil {
		return err
	}
	return b.sendToAll(wire.Type_NewTxns, data)
}

func (b *benchBroadcaster) sendToAll(typ wire.Type, data []byte) error {
	var lastErr error
	for _, ch := range b.chans {
		if err := ch.SendRequest(data, typ, false); err != nil {
			log.WithError(err).Debug("replicad bench: send failed")
			lastErr = err
		}
	}
	return lastErr
}

func (b *benchBroadcaster) close() {
	for _, ch := range b.chans {
		ch.Close()
	}
}
