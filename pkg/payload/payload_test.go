package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4",
		"metadata": {"user_id": "user_abc_session_123"},
		"system": [{"type": "text", "text": "be brief"}],
		"messages": [
			{"role": "user", "content": "/review main.go"},
			{"role": "assistant", "content": [{"type": "text", "text": "ok"}, {"type": "tool_use", "id": "t1"}]},
			{"role": "user", "content": 42}
		]
	}`

	req, err := Parse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "user_abc_session_123", req.UserID())
	require.NotNil(t, req.System)
	assert.True(t, req.System.IsBlocks())

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "/review main.go", req.Messages[0].Content.String())
	assert.True(t, req.Messages[1].Content.IsBlocks())
	assert.Equal(t, "tool_use", req.Messages[1].Content.BlockList()[1].Type())
	assert.True(t, req.Messages[2].Content.IsRaw())

	out, err := json.Marshal(req.Messages[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":42}`, string(out))
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestContentFirstText(t *testing.T) {
	text, ok := Text("hello").FirstText()
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	text, ok = Blocks(Block{"type": "image"}, TextBlock("second")).FirstText()
	assert.True(t, ok)
	assert.Equal(t, "second", text)

	_, ok = Blocks(Block{"type": "image"}).FirstText()
	assert.False(t, ok)
}

func TestContentMarshal(t *testing.T) {
	out, err := json.Marshal(Blocks())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))

	out, err = json.Marshal(Text("hi"))
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(out))
}

func TestBlockWithText(t *testing.T) {
	b := Block{"type": "text", "text": "old", "cache_control": map[string]any{"type": "ephemeral"}}
	nb := b.WithText("new")

	text, _ := nb.Text()
	assert.Equal(t, "new", text)
	assert.Equal(t, b["cache_control"], nb["cache_control"])

	old, _ := b.Text()
	assert.Equal(t, "old", old)
}

func TestRequestClone(t *testing.T) {
	req := &Request{
		Metadata: &Metadata{UserID: "u"},
		Messages: []Message{{Role: RoleUser, Content: Text("a")}},
	}
	c := req.Clone()
	c.Metadata.UserID = "changed"
	c.Messages[0] = Message{Role: RoleAssistant, Content: Text("b")}

	assert.Equal(t, "u", req.UserID())
	assert.Equal(t, RoleUser, req.Messages[0].Role)

	var nilReq *Request
	assert.Nil(t, nilReq.Clone())
	assert.Equal(t, "", nilReq.UserID())
}

func TestRequestRoundTrip(t *testing.T) {
	body := `{
		"model": "m",
		"metadata": {"user_id": "u_session_a", "tier": "pro"},
		"top_p": 0.5,
		"tool_choice": {"type": "auto"},
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"stop_sequences": ["x"],
		"stream": false,
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": null, "tool_calls": [{"id": "call_1", "type": "function"}]},
			{"role": "tool", "tool_call_id": "call_1", "name": "f", "content": "ok"},
			{"role": "assistant"}
		]
	}`

	req, err := Parse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "u_session_a", req.UserID())
	assert.JSONEq(t, `0.5`, string(req.Extra["top_p"]))
	assert.JSONEq(t, `"call_1"`, string(req.Messages[2].Extra["tool_call_id"]))
	assert.True(t, req.Messages[1].Content.IsNull())
	_, ok := req.Messages[1].Content.FirstText()
	assert.False(t, ok)

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(out))

	t.Run("clone keeps extra fields", func(t *testing.T) {
		out, err := json.Marshal(req.Clone())
		require.NoError(t, err)
		assert.JSONEq(t, body, string(out))
	})

	t.Run("null fields stay null", func(t *testing.T) {
		body := `{"model": "m", "system": null, "metadata": null, "messages": [{"role": "user", "content": "x"}]}`
		req, err := Parse([]byte(body))
		require.NoError(t, err)
		assert.Nil(t, req.System)
		assert.Equal(t, "", req.UserID())

		out, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, body, string(out))
	})
}

func TestMessageWithContent(t *testing.T) {
	m := Message{Role: "tool", Content: Text("long"), Extra: map[string]json.RawMessage{"tool_call_id": json.RawMessage(`"call_1"`)}}
	nm := m.WithContent(Text("short"))

	assert.Equal(t, "tool", nm.Role)
	assert.Equal(t, "short", nm.Content.String())
	assert.Equal(t, "long", m.Content.String())

	out, err := json.Marshal(nm)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"tool","content":"short","tool_call_id":"call_1"}`, string(out))
}
