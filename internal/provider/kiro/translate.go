package kiro

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/gaud/gaud/internal"
)

// maxToolDescriptionLen is the threshold beyond which a tool description is
// replaced with a placeholder in conversationState.history and appended in
// full to the system prompt instead.
const maxToolDescriptionLen = 10000

// kiroHistoryEntry is one turn of conversationState.history: exactly one of
// UserInputMessage or AssistantResponseMessage is set.
type kiroHistoryEntry struct {
	UserInputMessage         *kiroUserInputMessage `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

type kiroUserInputMessage struct {
	Content                  string            `json:"content"`
	ModelID                  string            `json:"modelId,omitempty"`
	Origin                   string            `json:"origin,omitempty"`
	UserInputMessageContext  *kiroToolContext  `json:"userInputMessageContext,omitempty"`
}

// kiroToolContext carries the tool schema available to the current turn.
// Oversized descriptions are replaced with a placeholder by sanitizeTools;
// their full text travels in the system prompt instead.
type kiroToolContext struct {
	Tools json.RawMessage `json:"tools,omitempty"`
}

type kiroAssistantMessage struct {
	Content string `json:"content"`
}

type kiroConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  kiroHistoryEntry `json:"currentMessage"`
	History         []kiroHistoryEntry `json:"history,omitempty"`
}

type kiroRequest struct {
	ConversationState kiroConversationState `json:"conversationState"`
	ProfileArn        string                `json:"profileArn,omitempty"`
}

// flatMessage is a same-role-merged view of a gateway.Message used while
// building conversationState.history.
type flatMessage struct {
	role string
	text string
}

// translateRequest builds a kiroRequest from an OpenAI-shaped ChatRequest.
// System messages are stripped out and folded into the first user message;
// adjacent same-role messages are merged, matching how Kiro's conversation
// model has no notion of a system role or of consecutive same-role turns.
func translateRequest(req *gateway.ChatRequest, conversationID string) *kiroRequest {
	systemPrompt := collectSystemPrompt(req.Messages, req.Tools)
	flat := mergeMessages(req.Messages)

	if len(flat) > 0 && flat[0].role == "user" && systemPrompt != "" {
		flat[0].text = systemPrompt + "\n\n" + flat[0].text
	} else if systemPrompt != "" {
		flat = append([]flatMessage{{role: "user", text: systemPrompt}}, flat...)
	}

	var history []kiroHistoryEntry
	var current kiroHistoryEntry
	for i, m := range flat {
		entry := toHistoryEntry(m, req.Model)
		if i == len(flat)-1 {
			current = entry
			if current.UserInputMessage != nil && len(req.Tools) > 0 {
				current.UserInputMessage.UserInputMessageContext = &kiroToolContext{Tools: sanitizeTools(req.Tools)}
			}
			continue
		}
		history = append(history, entry)
	}

	return &kiroRequest{
		ConversationState: kiroConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID,
			CurrentMessage:  current,
			History:         history,
		},
	}
}

func toHistoryEntry(m flatMessage, model string) kiroHistoryEntry {
	if m.role == "assistant" {
		return kiroHistoryEntry{AssistantResponseMessage: &kiroAssistantMessage{Content: m.text}}
	}
	return kiroHistoryEntry{UserInputMessage: &kiroUserInputMessage{
		Content: m.text,
		ModelID: model,
		Origin:  "AI_EDITOR",
	}}
}

// mergeMessages flattens message content to plain text and merges adjacent
// messages sharing a role, concatenating their text with a blank line.
func mergeMessages(msgs []gateway.Message) []flatMessage {
	var out []flatMessage
	for _, m := range msgs {
		if m.Role == "system" {
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user" // tool/function results fold into the user turn
		}
		text := flattenContent(m.Content)
		if len(out) > 0 && out[len(out)-1].role == role {
			out[len(out)-1].text += "\n\n" + text
			continue
		}
		out = append(out, flatMessage{role: role, text: text})
	}
	return out
}

// flattenContent extracts plain text from a Message.Content field, which may
// be a bare string or an OpenAI multipart content-block array.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// collectSystemPrompt builds the folded-in system prompt: the concatenated
// text of every system message, plus the full text of any tool description
// longer than maxToolDescriptionLen (those are replaced with a placeholder
// wherever the tool schema itself is rendered).
func collectSystemPrompt(msgs []gateway.Message, tools json.RawMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != "system" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(flattenContent(m.Content))
	}

	if len(tools) > 0 {
		gjson.ParseBytes(tools).ForEach(func(_, tool gjson.Result) bool {
			desc := tool.Get("function.description").String()
			if len(desc) > maxToolDescriptionLen {
				name := tool.Get("function.name").String()
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString("Full description for tool " + name + ":\n" + desc)
			}
			return true
		})
	}
	return b.String()
}

// toolDescriptionPlaceholder replaces an oversized tool description inside
// the tool schema forwarded to Kiro; the full text travels in the system
// prompt instead (see collectSystemPrompt).
func toolDescriptionPlaceholder(name string) string {
	return "see system prompt for full description of " + name
}

// sanitizeTools rewrites any tool description longer than
// maxToolDescriptionLen to a short placeholder, returning the rewritten JSON.
func sanitizeTools(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return tools
	}
	result := gjson.ParseBytes(tools)
	needsRewrite := false
	result.ForEach(func(_, tool gjson.Result) bool {
		if len(tool.Get("function.description").String()) > maxToolDescriptionLen {
			needsRewrite = true
			return false
		}
		return true
	})
	if !needsRewrite {
		return tools
	}

	var raw []map[string]any
	if err := json.Unmarshal(tools, &raw); err != nil {
		return tools
	}
	for _, tool := range raw {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		if desc, ok := fn["description"].(string); ok && len(desc) > maxToolDescriptionLen {
			name, _ := fn["name"].(string)
			fn["description"] = toolDescriptionPlaceholder(name)
		}
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return tools
	}
	return out
}
