package builtin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/tools"
	"github.com/ashita-ai/michi/internal/tools/builtin"
)

func invoke(t *testing.T, tool tools.Tool, tc tools.Context, args string) json.RawMessage {
	t.Helper()
	a, err := tool.ValidateArgs(json.RawMessage(args))
	require.NoError(t, err)
	out, err := tool.Invoke(context.Background(), tc, a)
	require.NoError(t, err)
	return out
}

func TestMemoryWriteThenRead(t *testing.T) {
	store := storage.NewMemory()
	alice := tools.Context{UserID: "alice", RunID: uuid.New()}
	bob := tools.Context{UserID: "bob", RunID: uuid.New()}

	write := builtin.MemoryWrite(store)
	read := builtin.MemoryRead(store)
	assert.Equal(t, tools.PermWrite, write.Permission)
	assert.True(t, write.SideEffects)
	assert.Equal(t, tools.PermRead, read.Permission)
	assert.False(t, read.SideEffects)

	var w builtin.MemoryWriteResult
	require.NoError(t, json.Unmarshal(invoke(t, write, alice, `{"type":"preference","content":"likes Go"}`), &w))
	assert.NotEqual(t, uuid.Nil, w.ID)
	invoke(t, write, alice, `{"type":"fact","content":"lives in Kyoto","links":{"city":"Kyoto"}}`)
	invoke(t, write, bob, `{"type":"fact","content":"bob's fact"}`)

	var all builtin.MemoryReadResult
	require.NoError(t, json.Unmarshal(invoke(t, read, alice, `{}`), &all))
	require.Len(t, all.Memories, 2)
	assert.Equal(t, "lives in Kyoto", all.Memories[0].Content, "newest first")
	assert.Equal(t, "Kyoto", all.Memories[0].Links["city"])

	var prefs builtin.MemoryReadResult
	require.NoError(t, json.Unmarshal(invoke(t, read, alice, `{"type":"preference","limit":5}`), &prefs))
	require.Len(t, prefs.Memories, 1)
	assert.Equal(t, "likes Go", prefs.Memories[0].Content)
}

func TestMemoryWriteRejectsBadType(t *testing.T) {
	write := builtin.MemoryWrite(storage.NewMemory())
	_, err := write.ValidateArgs(json.RawMessage(`{"type":"gossip","content":"x"}`))
	assert.ErrorIs(t, err, tools.ErrInvalidArgs)
	_, err = write.ValidateArgs(json.RawMessage(`{"type":"fact"}`))
	assert.ErrorIs(t, err, tools.ErrInvalidArgs)
}

func TestConfirmationReportsApproval(t *testing.T) {
	c := builtin.Confirmation("request_confirmation")
	assert.Equal(t, "request_confirmation", c.Name)
	out := invoke(t, c, tools.Context{UserID: "u"}, `{"question":"Delete the draft?","note":"user said yes"}`)
	assert.JSONEq(t, `{"approved":true,"note":"user said yes"}`, string(out))
}

func TestAllRegisters(t *testing.T) {
	reg, err := tools.NewRegistry(builtin.All(storage.NewMemory(), "ask_human")...)
	require.NoError(t, err)
	var names []string
	for _, tool := range reg.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"ask_human", "memory_read", "memory_write"}, names)
}
