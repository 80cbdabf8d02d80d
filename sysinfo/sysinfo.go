// Package sysinfo implements SystemInfo, spec §4.C: a process-wide
// atomic holder of the current primary id, view number, and replica
// roster. It is the trivial shared-state component other subsystems
// (commitment, consensus) consult to answer "who is primary" and "who
// is in the cluster" without taking a lock on the hot path.
package sysinfo

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/config"
)

// Replica is one roster entry.
type Replica struct {
	ID   uint32
	IP   string
	Port uint32
}

// RequestKind tags a SystemInfoRequest. Only AddReplica is handled
// today; the variant is intentionally open for future additions.
type RequestKind int

const (
	AddReplica RequestKind = iota
)

// Request is the tagged request SystemInfo.ProcessRequest accepts.
type Request struct {
	Kind    RequestKind
	Replica Replica
}

// Info is the SystemInfo component. The zero value is not usable;
// construct with New.
type Info struct {
	primaryID atomic.Uint32
	view      atomic.Uint64

	mu       sync.RWMutex
	replicas map[uint32]Replica
}

// New constructs an Info from the initial cluster config. The primary
// for view 0 is the replica with the lowest id, matching the teacher's
// convention of deterministic primary assignment at startup.
func New(cfg *config.Config) *Info {
	info := &Info{replicas: make(map[uint32]Replica, len(cfg.Replicas))}
	var lowest uint32
	first := true
	for _, r := range cfg.Replicas {
		info.replicas[r.ID] = Replica{ID: r.ID, IP: r.IP, Port: r.Port}
		if first || r.ID < lowest {
			lowest = r.ID
			first = false
		}
	}
	info.primaryID.Store(lowest)
	return info
}

// PrimaryID returns the current primary replica id.
func (i *Info) PrimaryID() uint32 { return i.primaryID.Load() }

// SetPrimaryID updates the current primary replica id.
func (i *Info) SetPrimaryID(id uint32) { i.primaryID.Store(id) }

// View returns the current view number.
func (i *Info) View() uint64 { return i.view.Load() }

// SetView updates the current view number.
func (i *Info) SetView(v uint64) { i.view.Store(v) }

// Replicas returns a snapshot of the replica roster.
func (i *Info) Replicas() []Replica {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Replica, 0, len(i.replicas))
	for _, r := range i.replicas {
		out = append(out, r)
	}
	return out
}

// ReplicaCount reports the current roster size.
func (i *Info) ReplicaCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.replicas)
}

// AddReplica idempotently adds r to the roster. Duplicate ids, an
// empty ip, or a zero port are all silently ignored per spec §4.C.
func (i *Info) AddReplica(r Replica) bool {
	if r.IP == "" || r.Port == 0 {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.replicas[r.ID]; exists {
		return false
	}
	i.replicas[r.ID] = r
	log.WithFields(log.Fields{"id": r.ID, "ip": r.IP, "port": r.Port}).Info("sysinfo: replica added")
	return true
}

// ProcessRequest dispatches a tagged SystemInfoRequest. Only
// AddReplica is currently handled; unknown kinds are no-ops so future
// variants can be added without breaking callers.
func (i *Info) ProcessRequest(req Request) bool {
	switch req.Kind {
	case AddReplica:
		return i.AddReplica(req.Replica)
	default:
		log.WithField("kind", req.Kind).Warn("sysinfo: unhandled request kind")
		return false
	}
}
