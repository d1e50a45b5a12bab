package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTaskDefaults(t *testing.T) {
	tk := New("http_proxy", HTTPForward, "127.0.0.1:51515")
	require.NotEmpty(t, tk.ID)
	require.Equal(t, StageCreated, tk.Stage())
	require.Equal(t, "http_proxy", tk.ServerName)
}

func TestCountersSnapshotIsIndependent(t *testing.T) {
	tk := New("http_proxy", HTTPForward, "127.0.0.1:1")
	tk.Counters.AddClientRead(100)
	snap := tk.Counters.Snapshot()
	require.EqualValues(t, 100, snap.ClientReadBytes)
	require.EqualValues(t, 1, snap.ClientReadPackets)

	tk.Counters.AddClientRead(50)
	require.EqualValues(t, 100, snap.ClientReadBytes, "snapshot must not mutate after capture")
}

func TestStageTransitionsAndFinish(t *testing.T) {
	tk := New("socks_proxy", SocksTCPConnect, "127.0.0.1:2")
	tk.SetStage(StageConnecting)
	require.Equal(t, StageConnecting, tk.Stage())

	tk.Finish(ReasonFinished)
	require.Equal(t, StageFinished, tk.Stage())
	require.Equal(t, ReasonFinished, tk.Reason)
}
