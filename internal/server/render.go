package server

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/darkostanimirovic/chatgraph/providers"
)

// renderer turns assistant markdown into sanitized HTML.
type renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func newRenderer() *renderer {
	return &renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// HTML renders src. Raw HTML in src is dropped by goldmark and whatever survives is sanitized again.
func (r *renderer) HTML(src string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return r.policy.Sanitize("<p>" + src + "</p>")
	}
	return r.policy.Sanitize(buf.String())
}

// Message is a chat bubble as shown by the UI.
type Message struct {
	Role    providers.MessageRole `json:"role"`
	Content string                `json:"content"`
	HTML    string                `json:"html,omitempty"`
}

// renderable keeps user and assistant messages with visible content, in order.
func (r *renderer) renderable(msgs []providers.Message) []Message {
	out := []Message{}
	for _, msg := range msgs {
		if msg.Role != providers.RoleUser && msg.Role != providers.RoleAssistant {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		m := Message{Role: msg.Role, Content: msg.Content}
		if msg.Role == providers.RoleAssistant {
			m.HTML = r.HTML(msg.Content)
		}
		out = append(out, m)
	}
	return out
}
