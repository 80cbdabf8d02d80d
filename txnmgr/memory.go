package txnmgr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/riverstone/quorum/wire"
)

// MemoryKV is a minimal in-memory TransactionManager reference
// implementation used by tests and examples. Each user request is either
// "SET key value" or "GET key", newline-free ASCII.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]string

	outOfOrder   bool
	needResponse bool
}

var _ TransactionManager = (*MemoryKV)(nil)

// NewMemoryKV returns an empty MemoryKV. By default it requires in-order
// execution and always responds; use the With* options to change that.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string), needResponse: true}
}

// WithOutOfOrder marks the store as safe for speculative execution.
func (m *MemoryKV) WithOutOfOrder(v bool) *MemoryKV { m.outOfOrder = v; return m }

// WithNeedResponse toggles whether ExecuteBatch results are shipped back.
func (m *MemoryKV) WithNeedResponse(v bool) *MemoryKV { m.needResponse = v; return m }

func (m *MemoryKV) IsOutOfOrder() bool { return m.outOfOrder }
func (m *MemoryKV) NeedResponse() bool { return m.needResponse }

// Get returns the current value of key, for test assertions.
func (m *MemoryKV) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryKV) ExecuteBatch(req *wire.BatchUserRequest) (*wire.BatchUserResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resp = &wire.BatchUserResponse{
		CreateTime: req.CreateTime,
		LocalId:    req.LocalId,
		ProxyId:    req.ProxyId,
		Seq:        req.Seq,
	}
	for _, raw := range req.Requests {
		out, err := m.apply(string(raw))
		if err != nil {
			out = []byte(fmt.Sprintf("ERR %v", err))
		}
		resp.Responses = append(resp.Responses, out)
	}
	return resp, nil
}

// apply is not safe for concurrent use; callers hold m.mu.
func (m *MemoryKV) apply(op string) ([]byte, error) {
	var cmd, rest, _ = strings.Cut(op, " ")
	switch cmd {
	case "SET":
		key, val, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("malformed SET: %q", op)
		}
		m.data[key] = val
		return []byte("OK"), nil
	case "GET":
		v, ok := m.data[rest]
		if !ok {
			return []byte(""), nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unknown command: %q", cmd)
	}
}
