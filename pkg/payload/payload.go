// Package payload models the parts of an inbound LLM request that the request
// logger reads: the metadata user identifier, the system prompt and the message
// history. Content may be a plain string or a list of typed blocks; shapes that are
// neither are kept verbatim so they can be logged unchanged.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Request is an inbound messages request as seen by the logger. Only the fields
// the logger reads are decoded; every other top-level field is kept verbatim in
// Extra so a logged request matches what the client sent.
type Request struct {
	Model    string
	Metadata *Metadata
	System   *Content
	Messages []Message
	Extra    map[string]json.RawMessage
}

// Metadata carries the client supplied identifier
type Metadata struct {
	UserID string
	Extra  map[string]json.RawMessage
}

// Message is a single conversation turn. Fields other than role and content
// (tool_call_id, name, tool_calls) are kept in Extra.
type Message struct {
	Role    string
	Content Content
	Extra   map[string]json.RawMessage

	// noContent marks a decoded message that had no content field at all.
	noContent bool
}

// UserID returns metadata.user_id, or "" when absent.
func (r *Request) UserID() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	return r.Metadata.UserID
}

// Clone returns a copy whose slices can be replaced without touching r.
// Blocks and Extra values are shared; callers replace them rather than mutate.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Metadata != nil {
		md := *r.Metadata
		out.Metadata = &md
	}
	if r.System != nil {
		sys := r.System.clone()
		out.System = &sys
	}
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, m := range r.Messages {
			out.Messages[i] = m.WithContent(m.Content.clone())
		}
	}
	return &out
}

// WithContent returns a copy of m with its content replaced. Role and Extra are
// carried over unchanged.
func (m Message) WithContent(c Content) Message {
	m.Content = c
	return m
}

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) {
	var fields []field
	if r.Model != "" {
		fields = append(fields, field{"model", r.Model})
	}
	if r.Metadata != nil {
		fields = append(fields, field{"metadata", r.Metadata})
	}
	if r.System != nil {
		fields = append(fields, field{"system", r.System})
	}
	if r.Messages != nil {
		fields = append(fields, field{"messages", r.Messages})
	}
	return encodeObject(fields, r.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*r = Request{}
	if err := take(fields, "model", &r.Model); err != nil {
		return err
	}
	if err := take(fields, "metadata", &r.Metadata); err != nil {
		return err
	}
	if err := take(fields, "system", &r.System); err != nil {
		return err
	}
	if err := take(fields, "messages", &r.Messages); err != nil {
		return err
	}
	r.Extra = rest(fields)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (md Metadata) MarshalJSON() ([]byte, error) {
	var fields []field
	if md.UserID != "" {
		fields = append(fields, field{"user_id", md.UserID})
	}
	return encodeObject(fields, md.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (md *Metadata) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*md = Metadata{}
	if err := take(fields, "user_id", &md.UserID); err != nil {
		return err
	}
	md.Extra = rest(fields)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := []field{{"role", m.Role}}
	if !m.noContent || !m.Content.isZero() {
		fields = append(fields, field{"content", m.Content})
	}
	return encodeObject(fields, m.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*m = Message{}
	if err := take(fields, "role", &m.Role); err != nil {
		return err
	}
	if raw, ok := fields["content"]; ok {
		delete(fields, "content")
		if err := m.Content.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("content: %w", err)
		}
	} else {
		m.noContent = true
	}
	m.Extra = rest(fields)
	return nil
}

type field struct {
	name  string
	value any
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// take decodes fields[name] into v and removes it from fields. A null value is
// left in fields so it is written back as null.
func take(fields map[string]json.RawMessage, name string, v any) error {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), nullJSON) {
		return nil
	}
	delete(fields, name)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func rest(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// encodeObject writes known fields in order, then extra fields sorted by key.
// An extra field never overrides a known one.
func encodeObject(known []field, extra map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[string]bool, len(known))
	buf.WriteByte('{')
	write := func(name string, value []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}

	for _, f := range known {
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		seen[f.name] = true
		write(f.name, value)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := extra[k]
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		write(k, value)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Parse decodes a JSON request body.
func Parse(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Block is one typed content block. Blocks are kept as generic maps so unknown
// block types (images, tool calls) round-trip untouched.
type Block map[string]any

// TextBlock creates a text block.
func TextBlock(text string) Block {
	return Block{"type": "text", "text": text}
}

// Type returns the block type, or "".
func (b Block) Type() string {
	t, _ := b["type"].(string)
	return t
}

// Text returns the block's text field when it is a string.
func (b Block) Text() (string, bool) {
	t, ok := b["text"].(string)
	return t, ok
}

// WithText returns a copy of b with its text replaced.
func (b Block) WithText(text string) Block {
	out := make(Block, len(b))
	for k, v := range b {
		out[k] = v
	}
	out["text"] = text
	return out
}

var nullJSON = []byte("null")

// Content is either a string or a list of blocks.
type Content struct {
	text     string
	blocks   []Block
	isBlocks bool
	raw      json.RawMessage
}

// Text creates string content.
func Text(s string) Content {
	return Content{text: s}
}

// Blocks creates block content.
func Blocks(blocks ...Block) Content {
	if blocks == nil {
		blocks = []Block{}
	}
	return Content{blocks: blocks, isBlocks: true}
}

// IsBlocks reports whether the content is a block list.
func (c Content) IsBlocks() bool {
	return c.isBlocks
}

// IsRaw reports whether the content is kept verbatim: JSON null or an
// unrecognized shape.
func (c Content) IsRaw() bool {
	return c.raw != nil
}

// IsNull reports whether the content was JSON null.
func (c Content) IsNull() bool {
	return bytes.Equal(c.raw, nullJSON)
}

func (c Content) isZero() bool {
	return !c.isBlocks && c.raw == nil && c.text == ""
}

// String returns string content; "" for block or raw content.
func (c Content) String() string {
	return c.text
}

// BlockList returns block content; nil for string content.
func (c Content) BlockList() []Block {
	return c.blocks
}

// FirstText returns the string content, or the text of the first text-bearing
// block.
func (c Content) FirstText() (string, bool) {
	if c.raw != nil {
		return "", false
	}
	if !c.isBlocks {
		return c.text, true
	}
	for _, b := range c.blocks {
		if t, ok := b.Text(); ok {
			return t, true
		}
	}
	return "", false
}

func (c Content) clone() Content {
	if c.blocks != nil {
		c.blocks = append([]Block(nil), c.blocks...)
	}
	return c
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	switch {
	case c.raw != nil:
		return c.raw, nil
	case c.isBlocks:
		if c.blocks == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.blocks)
	default:
		return json.Marshal(c.text)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.Equal(trimmed, nullJSON) {
		c.raw = json.RawMessage("null")
		return nil
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &c.text)
	case '[':
		var blocks []Block
		if err := json.Unmarshal(trimmed, &blocks); err == nil {
			c.blocks = blocks
			c.isBlocks = true
			return nil
		}
	}
	c.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}
