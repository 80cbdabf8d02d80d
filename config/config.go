// Package config holds the recognized configuration knobs of spec §6.2
// and the quorum arithmetic derived from the replica roster (component K).
// Struct tags follow the jessevdk/go-flags convention used throughout the
// teacher (see go/flow-consumer/main.go's config struct), so the same
// struct doubles as a flag/env parser target for a CLI entry point without
// this package depending on any particular CLI framework itself.
package config

import "fmt"

// ReplicaInfo identifies one cluster member.
type ReplicaInfo struct {
	ID   uint32 `long:"id" description:"replica id"`
	IP   string `long:"ip" description:"replica ip address"`
	Port uint32 `long:"port" description:"replica port"`
}

// SelfInfo identifies this process within the cluster.
type SelfInfo struct {
	ID   uint32 `long:"self-id" env:"SELF_ID" description:"this node's replica id"`
	IP   string `long:"self-ip" env:"SELF_IP" description:"this node's ip address"`
	Port uint32 `long:"self-port" env:"SELF_PORT" description:"this node's port"`
}

// Config is the full set of recognized configuration keys of spec §6.2.
type Config struct {
	Replicas []ReplicaInfo `group:"replicas" description:"cluster replica roster; required, at least 3f+1 entries"`
	Self     SelfInfo      `group:"self" namespace:"self" env-namespace:"SELF"`

	PrivateKey        []byte `long:"private-key" env:"PRIVATE_KEY" description:"this node's private key material"`
	PublicKeyCertInfo []byte `long:"public-key-cert-info" env:"PUBLIC_KEY_CERT_INFO" description:"this node's public key / cert material"`

	ClientBatchNum          int `long:"client-batch-num" env:"CLIENT_BATCH_NUM" default:"100" description:"max user requests batched per local_id"`
	ClientBatchWaitTimeMs   int `long:"client-batch-wait-time-ms" env:"CLIENT_BATCH_WAIT_TIME_MS" default:"100" description:"max time to wait before flushing a partial batch"`
	MaxProcessTxn           int `long:"max-process-txn" env:"MAX_PROCESS_TXN" default:"2048" description:"window size W: max in-flight sequence numbers"`
	WorkerNum               int `long:"worker-num" env:"WORKER_NUM" default:"64" description:"general worker pool size"`
	InputWorkerNum          int `long:"input-worker-num" env:"INPUT_WORKER_NUM" default:"1" description:"dispatcher input worker threads"`
	OutputWorkerNum         int `long:"output-worker-num" env:"OUTPUT_WORKER_NUM" default:"1" description:"response output worker threads"`
	TCPBatchNum             int `long:"tcp-batch-num" env:"TCP_BATCH_NUM" default:"100" description:"max messages packed into one BroadcastData envelope"`
	ViewChangeTimeoutMs     int `long:"view-change-timeout-ms" env:"VIEW_CHANGE_TIMEOUT_MS" default:"60000" description:"client-side retry timer"`
	CheckpointWaterMark     int `long:"checkpoint-water-mark" env:"CHECKPOINT_WATER_MARK" default:"0" description:"placeholder for a future checkpoint layer"`
	EnableCheckpoint        bool `long:"enable-checkpoint" env:"ENABLE_CHECKPOINT" description:"placeholder for a future checkpoint layer"`
	SignatureVerifierEnabled bool `long:"signature-verifier-enabled" env:"SIGNATURE_VERIFIER_ENABLED" default:"true" description:"enable envelope/data signature verification"`
	HeartBeatEnabled        bool `long:"hb-enabled" env:"HB_ENABLED" default:"true" description:"enable the heartbeat/membership loop"`
	StatsdAddr              string `long:"statsd-addr" env:"STATSD_ADDR" description:"optional StatsD host:port for the secondary metrics sink; empty disables it"`
	DuplicateCheckFrequencyUseconds int64 `long:"duplicate-check-frequency-useconds" env:"DUPLICATE_CHECK_FREQUENCY_USECONDS" default:"5000000" description:"DuplicateManager eviction tick period"`
	DuplicateWindowUseconds         int64 `long:"duplicate-window-useconds" env:"DUPLICATE_WINDOW_USECONDS" default:"20000000" description:"DuplicateManager sliding window size"`
	ExecuteThreadNum        int `long:"execute-thread-num" env:"EXECUTE_THREAD_NUM" default:"1" description:"parallel executor thread count"`
	ExecuteBucketNum        int `long:"execute-bucket-num" env:"EXECUTE_BUCKET_NUM" default:"1024" description:"bucket count for the parallel execution slot scheme"`
}

// SetDefaults fills zero-valued numeric fields with the defaults
// documented in spec §6.2, for callers constructing a Config directly
// (e.g. in tests) rather than through a flag parser.
func (c *Config) SetDefaults() {
	if c.ClientBatchNum == 0 {
		c.ClientBatchNum = 100
	}
	if c.ClientBatchWaitTimeMs == 0 {
		c.ClientBatchWaitTimeMs = 100
	}
	if c.MaxProcessTxn == 0 {
		c.MaxProcessTxn = 2048
	}
	if c.WorkerNum == 0 {
		c.WorkerNum = 64
	}
	if c.InputWorkerNum == 0 {
		c.InputWorkerNum = 1
	}
	if c.OutputWorkerNum == 0 {
		c.OutputWorkerNum = 1
	}
	if c.TCPBatchNum == 0 {
		c.TCPBatchNum = 100
	}
	if c.ViewChangeTimeoutMs == 0 {
		c.ViewChangeTimeoutMs = 60000
	}
	if c.DuplicateCheckFrequencyUseconds == 0 {
		c.DuplicateCheckFrequencyUseconds = 5_000_000
	}
	if c.DuplicateWindowUseconds == 0 {
		c.DuplicateWindowUseconds = 20_000_000
	}
	if c.ExecuteThreadNum == 0 {
		c.ExecuteThreadNum = 1
	}
	if c.ExecuteBucketNum == 0 {
		c.ExecuteBucketNum = 1024
	}
}

// N returns the replica count.
func (c *Config) N() int { return len(c.Replicas) }

// F returns the maximum tolerated number of Byzantine-faulty replicas,
// f = floor((n-1)/3).
func (c *Config) F() int { return (c.N() - 1) / 3 }

// Quorum returns 2f+1, the distinct-sender threshold for Prepare/Commit.
func (c *Config) Quorum() int { return 2*c.F() + 1 }

// ClientQuorum returns f+1, the number of matching replies a client must
// collect before accepting a response.
func (c *Config) ClientQuorum() int { return c.F() + 1 }

// Validate checks the minimal well-formedness spec §6.2 requires.
func (c *Config) Validate() error {
	if c.N() < 4 {
		return fmt.Errorf("config: need at least 3f+1=4 replicas, got %d", c.N())
	}
	if want := 3*c.F() + 1; c.N() < want {
		return fmt.Errorf("config: %d replicas insufficient for f=%d (need >= %d)", c.N(), c.F(), want)
	}
	if c.Self.Port == 0 {
		return fmt.Errorf("config: self.port is required")
	}
	if c.MaxProcessTxn <= 0 {
		return fmt.Errorf("config: max_process_txn must be positive")
	}
	return nil
}
