package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/config"
)

func fourReplicaConfig() *config.Config {
	c := &config.Config{Replicas: []config.ReplicaInfo{
		{ID: 3, IP: "10.0.0.3", Port: 9001},
		{ID: 1, IP: "10.0.0.1", Port: 9001},
		{ID: 2, IP: "10.0.0.2", Port: 9001},
		{ID: 4, IP: "10.0.0.4", Port: 9001},
	}, Self: config.SelfInfo{ID: 1, Port: 9001}}
	c.SetDefaults()
	return c
}

func TestNewPicksLowestIDAsPrimary(t *testing.T) {
	info := New(fourReplicaConfig())
	require.EqualValues(t, 1, info.PrimaryID())
	require.Equal(t, 4, info.ReplicaCount())
}

func TestAddReplicaIdempotent(t *testing.T) {
	info := New(fourReplicaConfig())
	require.True(t, info.AddReplica(Replica{ID: 5, IP: "10.0.0.5", Port: 9001}))
	require.False(t, info.AddReplica(Replica{ID: 5, IP: "10.0.0.5", Port: 9001}))
	require.Equal(t, 5, info.ReplicaCount())
}

func TestAddReplicaRejectsMalformed(t *testing.T) {
	info := New(fourReplicaConfig())
	require.False(t, info.AddReplica(Replica{ID: 9, IP: "", Port: 9001}))
	require.False(t, info.AddReplica(Replica{ID: 9, IP: "10.0.0.9", Port: 0}))
	require.Equal(t, 4, info.ReplicaCount())
}

func TestProcessRequestAddReplica(t *testing.T) {
	info := New(fourReplicaConfig())
	ok := info.ProcessRequest(Request{Kind: AddReplica, Replica: Replica{ID: 6, IP: "10.0.0.6", Port: 9001}})
	require.True(t, ok)
	require.Equal(t, 5, info.ReplicaCount())
}

func TestSetPrimaryAndView(t *testing.T) {
	info := New(fourReplicaConfig())
	info.SetView(3)
	info.SetPrimaryID(2)
	require.EqualValues(t, 3, info.View())
	require.EqualValues(t, 2, info.PrimaryID())
}
