package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerDispatchesRegisteredOp(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	srv, err := New(Config{SocketPath: sock})
	require.NoError(t, err)
	defer srv.Close()

	type reloadArgs struct {
		Path string `json:"path"`
	}
	srv.Handle(OpReload, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a reloadArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return map[string]string{"loaded": a.Path}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := &Client{SocketPath: sock}
	var resp *Response
	require.Eventually(t, func() bool {
		resp, err = client.Call(context.Background(), OpReload, reloadArgs{Path: "/etc/g3proxy.yaml"})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, resp.OK)
	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "/etc/g3proxy.yaml", result["loaded"])
}

func TestServerRejectsUnknownOp(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	srv, err := New(Config{SocketPath: sock})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := &Client{SocketPath: sock}
	var callErr error
	require.Eventually(t, func() bool {
		_, callErr = client.Call(context.Background(), OpQuery, nil)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Error(t, callErr)
}
