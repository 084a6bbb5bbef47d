package archive_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/agentconsole/internal/archive"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

func openMemory(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.Open(archive.InMemory)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestChatHistoryReturnsNewestOldestFirst(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)

	require.NoError(t, a.Append(ctx, "agent:main",
		gateway.TextMessage("user", "one", transcript.Ms(1_000)),
		gateway.TextMessage("assistant", "two", transcript.Ms(2_000)),
		gateway.TextMessage("user", "three", nil),
	))

	resp, err := a.ChatHistory(ctx, gateway.HistoryRequest{SessionKey: "agent:main", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "agent:main", resp.SessionKey)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "two", resp.Messages[0].Text())
	assert.Equal(t, int64(2_000), *resp.Messages[0].Timestamp)
	assert.Equal(t, "three", resp.Messages[1].Text())
	assert.Nil(t, resp.Messages[1].Timestamp)
}

func TestChatHistoryUnknownSessionIsEmpty(t *testing.T) {
	a := openMemory(t)
	resp, err := a.ChatHistory(context.Background(), gateway.HistoryRequest{SessionKey: "agent:ghost", Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)

	require.NoError(t, a.Put(ctx, "agent:main", 0, gateway.TextMessage("user", "first", nil)))
	require.NoError(t, a.Put(ctx, "agent:main", 0, gateway.TextMessage("user", "second", nil)))

	n, err := a.Count(ctx, "agent:main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	resp, err := a.ChatHistory(ctx, gateway.HistoryRequest{SessionKey: "agent:main", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Messages[0].Text())
}

func TestStructuredContentSurvives(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	msg := gateway.Message{
		Role:    "assistant",
		Content: []byte(`[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"done"}]`),
	}
	require.NoError(t, a.Append(ctx, "agent:main", msg))

	resp, err := a.ChatHistory(ctx, gateway.HistoryRequest{SessionKey: "agent:main", Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, []string{"[[thinking]] hmm", "done"}, transcript.MessageLines(resp.Messages[0]))
}

func TestLatestUpdateKeepsNewest(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)

	text, err := a.LatestUpdate(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, text)

	require.NoError(t, a.SetLatestUpdate(ctx, "main", "digest 2", 2_000))
	require.NoError(t, a.SetLatestUpdate(ctx, "main", "digest 1", 1_000))
	text, err = a.LatestUpdate(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "digest 2", text)
}

func TestFileArchivePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	a, err := archive.Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(ctx, "agent:main", gateway.TextMessage("user", "hi", nil)))
	require.NoError(t, a.Close())

	b, err := archive.Open(path)
	require.NoError(t, err)
	defer b.Close()
	n, err := b.Count(ctx, "agent:main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClosedArchiveLooksDisconnected(t *testing.T) {
	a, err := archive.Open("")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.ChatHistory(context.Background(), gateway.HistoryRequest{SessionKey: "agent:main", Limit: 1})
	assert.True(t, errors.Is(err, archive.ErrClosed))
	assert.True(t, gateway.IsDisconnect(err))
}
