// Package truncation shortens system prompts and message histories before they
// are written to request logs.
//
// Invariants:
// - Functions are pure: inputs are never mutated and the same input and Config
//   always produce the same output.
// - Truncated text is at most the configured length plus the marker.
// - Applying a function to its own output returns that output unchanged.
// - Roles and non-text blocks pass through untouched.
package truncation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/harun/proxylog/pkg/payload"
)

const (
	// SystemMarker is appended to truncated system prompt text
	SystemMarker = "[SYSTEM_CONTENT_TRUNCATED_FOR_LOGGING]"
	// MessageMarker is appended to truncated message text
	MessageMarker = "[MESSAGE_CONTENT_TRUNCATED]"
)

var omittedNotePattern = regexp.MustCompile(`^\[MESSAGES_TRUNCATED: (\d+) additional messages? omitted\]$`)

// Config controls truncation
type Config struct {
	TruncateSystem   bool `json:"truncate_system" mapstructure:"truncate_system"`
	SystemMaxLength  int  `json:"system_max_length" mapstructure:"system_max_length"`
	TruncateMessages bool `json:"truncate_messages" mapstructure:"truncate_messages"`
	MaxMessages      int  `json:"max_messages" mapstructure:"max_messages"`
	MaxMessageLength int  `json:"max_message_length" mapstructure:"max_message_length"`
}

// DefaultConfig returns the default truncation settings
func DefaultConfig() Config {
	return Config{
		TruncateSystem:   true,
		SystemMaxLength:  1000,
		TruncateMessages: true,
		MaxMessages:      20,
		MaxMessageLength: 2000,
	}
}

// TruncateText cuts s to max runes and appends marker. Text that is already
// within max, or that is exactly a previous truncation by the same rule, is
// returned as is.
func TruncateText(s string, max int, marker string) string {
	if max < 0 {
		max = 0
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if strings.HasSuffix(s, marker) && utf8.RuneCountInString(strings.TrimSuffix(s, marker)) <= max {
		return s
	}
	return prefixRunes(s, max) + marker
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// TruncateSystemForLog truncates every text-bearing system block longer than
// SystemMaxLength. Block order is preserved.
func TruncateSystemForLog(blocks []payload.Block, cfg Config) []payload.Block {
	if !cfg.TruncateSystem || blocks == nil {
		return blocks
	}
	out := make([]payload.Block, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if b == nil {
			continue
		}
		text, ok := b.Text()
		if !ok {
			continue
		}
		if t := TruncateText(text, cfg.SystemMaxLength, SystemMarker); t != text {
			out[i] = b.WithText(t)
		}
	}
	return out
}

// TruncateSystemContent applies TruncateSystemForLog to a system field that may
// be a plain string or a block list.
func TruncateSystemContent(c payload.Content, cfg Config) payload.Content {
	if !cfg.TruncateSystem || c.IsRaw() {
		return c
	}
	if c.IsBlocks() {
		return payload.Blocks(TruncateSystemForLog(c.BlockList(), cfg)...)
	}
	return payload.Text(TruncateText(c.String(), cfg.SystemMaxLength, SystemMarker))
}

// TruncateMessagesForLog keeps the first MaxMessages messages, truncates long
// content in the kept ones, and appends one note counting the omitted rest.
func TruncateMessagesForLog(messages []payload.Message, cfg Config) []payload.Message {
	if !cfg.TruncateMessages || messages == nil {
		return messages
	}
	max := cfg.MaxMessages
	if max < 0 {
		max = 0
	}

	body, omitted := splitOmittedNote(messages)
	if len(body) > max {
		omitted += len(body) - max
		body = body[:max]
	}

	out := make([]payload.Message, 0, len(body)+1)
	for _, m := range body {
		out = append(out, m.WithContent(truncateMessageContent(m.Content, cfg.MaxMessageLength)))
	}
	if omitted > 0 {
		out = append(out, OmittedNote(omitted))
	}
	return out
}

func truncateMessageContent(c payload.Content, max int) payload.Content {
	switch {
	case c.IsRaw():
		return c
	case c.IsBlocks():
		blocks := c.BlockList()
		out := make([]payload.Block, len(blocks))
		for i, b := range blocks {
			out[i] = b
			if b == nil {
				continue
			}
			if text, ok := b.Text(); ok {
				if t := TruncateText(text, max, MessageMarker); t != text {
					out[i] = b.WithText(t)
				}
			}
		}
		return payload.Blocks(out...)
	default:
		return payload.Text(TruncateText(c.String(), max, MessageMarker))
	}
}

// OmittedNote builds the trailing summary message for n omitted messages.
func OmittedNote(n int) payload.Message {
	noun := "messages"
	if n == 1 {
		noun = "message"
	}
	return payload.Message{
		Role:    payload.RoleSystem,
		Content: payload.Text(fmt.Sprintf("[MESSAGES_TRUNCATED: %d additional %s omitted]", n, noun)),
	}
}

// OmittedCount returns the count carried by an omission note.
func OmittedCount(m payload.Message) (int, bool) {
	if m.Role != payload.RoleSystem || m.Content.IsBlocks() || m.Content.IsRaw() {
		return 0, false
	}
	match := omittedNotePattern.FindStringSubmatch(m.Content.String())
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitOmittedNote strips a trailing omission note left by an earlier pass.
func splitOmittedNote(messages []payload.Message) ([]payload.Message, int) {
	if len(messages) == 0 {
		return messages, 0
	}
	if n, ok := OmittedCount(messages[len(messages)-1]); ok {
		return messages[:len(messages)-1], n
	}
	return messages, 0
}

// TruncateRequest returns a copy of req with system and messages truncated.
func TruncateRequest(req *payload.Request, cfg Config) *payload.Request {
	if req == nil {
		return nil
	}
	out := req.Clone()
	if out.System != nil {
		sys := TruncateSystemContent(*out.System, cfg)
		out.System = &sys
	}
	out.Messages = TruncateMessagesForLog(out.Messages, cfg)
	return out
}
