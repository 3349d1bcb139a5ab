package sessionlog

import (
	"strings"

	"github.com/harun/proxylog/pkg/payload"
	"github.com/tidwall/gjson"
)

// SessionMarker separates the client prefix from the session id in metadata.user_id.
const SessionMarker = "_session_"

// Info is the result of resolving a request to a session.
type Info struct {
	SessionID   string
	CommandName string
}

// Resolve derives the session id and, when the first user message is a slash
// command, the command name. ok is false when no session id can be derived.
func Resolve(req *payload.Request) (info Info, ok bool) {
	if req == nil {
		return Info{}, false
	}
	id, ok := ResolveUserID(req.UserID())
	if !ok {
		return Info{}, false
	}
	return Info{SessionID: id, CommandName: CommandName(req.Messages)}, true
}

// ResolveUserID returns the substring after the first SessionMarker.
func ResolveUserID(userID string) (string, bool) {
	i := strings.Index(userID, SessionMarker)
	if i < 0 {
		return "", false
	}
	id := userID[i+len(SessionMarker):]
	if id == "" {
		return "", false
	}
	return id, true
}

// CommandName returns the slash command that opens the first user message, or "".
func CommandName(messages []payload.Message) string {
	for _, m := range messages {
		if m.Role != payload.RoleUser {
			continue
		}
		text, ok := m.Content.FirstText()
		if !ok {
			return ""
		}
		return commandFromText(text)
	}
	return ""
}

// ResolveJSON resolves a raw request body without decoding all of it.
func ResolveJSON(body []byte) (info Info, ok bool) {
	id, ok := ResolveUserID(gjson.GetBytes(body, "metadata.user_id").String())
	if !ok {
		return Info{}, false
	}

	var command string
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() != payload.RoleUser {
			return true
		}
		content := m.Get("content")
		switch {
		case content.Type == gjson.String:
			command = commandFromText(content.Str)
		case content.IsArray():
			content.ForEach(func(_, b gjson.Result) bool {
				if t := b.Get("text"); t.Type == gjson.String {
					command = commandFromText(t.Str)
					return false
				}
				return true
			})
		}
		return false
	})

	return Info{SessionID: id, CommandName: command}, true
}

func commandFromText(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	token := text[1:]
	if i := strings.IndexFunc(token, isSpace); i >= 0 {
		token = token[:i]
	}
	return token
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
