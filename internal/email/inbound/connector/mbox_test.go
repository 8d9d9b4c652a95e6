package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMbox = `From alice@example.com Mon Jan  1 10:00:00 2024
Message-Id: <one@example.com>
From: alice@example.com
Subject: first

hello

From bob@example.com Mon Jan  1 11:00:00 2024
Message-Id: <two@example.com>
From: bob@example.com
Subject: second

>From the desk
world
`

func writeMbox(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(sampleMbox), 0o600))
	return path
}

func TestMboxFetcherReadsAllMessages(t *testing.T) {
	path := writeMbox(t)
	h := &recordingHandler{}
	f := NewMboxFetcher()

	require.NoError(t, f.Fetch(context.Background(), Account{ID: "archive", Type: "mbox", Folder: path}, h))
	require.Equal(t, 1, h.batches)
	require.Len(t, h.messages, 2)
	require.Equal(t, "1", h.messages[0].UID)
	require.Contains(t, string(h.messages[0].Raw), "Message-Id: <one@example.com>")
	require.Contains(t, string(h.messages[1].Raw), "Subject: second")
	require.Equal(t, path+":2", h.messages[1].RemoteID)
	require.Equal(t, "archive", h.messages[1].AccountID)
	require.Equal(t, []Stage{StageConnecting, StageFetching, StageProcessing, StageFinalizing, StageIdle}, h.stages)
}

func TestMboxFetcherWindow(t *testing.T) {
	h := &recordingHandler{}
	require.NoError(t, NewMboxFetcher().Fetch(context.Background(), Account{Type: "mbox", Folder: writeMbox(t), MaxMessages: 1}, h))
	require.Len(t, h.messages, 1)
	require.Equal(t, "2", h.messages[0].UID)
}

func TestMboxFetcherErrors(t *testing.T) {
	f := NewMboxFetcher()
	require.Error(t, f.Fetch(context.Background(), Account{Type: "mbox"}, &recordingHandler{}))
	require.ErrorContains(t, f.Fetch(context.Background(), Account{Type: "mbox", Folder: filepath.Join(t.TempDir(), "missing")}, &recordingHandler{}), "mbox open")
	require.Error(t, f.Fetch(context.Background(), Account{Type: "mbox", Folder: "x"}, nil))
}
