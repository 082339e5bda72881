package kiro

import (
	"encoding/json"
	"time"
)

// openaiChunk mirrors the OpenAI chat.completion.chunk envelope; marshalChunk
// produces the same shape readers of other adapters' StreamChunk.Data expect.
type openaiChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

func marshalChunk(id, model string, index int, delta map[string]any) ([]byte, error) {
	return json.Marshal(openaiChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openaiChoice{{Index: 0, Delta: delta}},
	})
}

func textDelta(text string) map[string]any {
	return map[string]any{"role": "assistant", "content": text}
}

func toolStartDelta(toolID, name string) map[string]any {
	return map[string]any{
		"role": "assistant",
		"tool_calls": []map[string]any{{
			"index": 0,
			"id":    toolID,
			"type":  "function",
			"function": map[string]any{
				"name":      name,
				"arguments": "",
			},
		}},
	}
}

func toolArgsDelta(toolID, fragment string) map[string]any {
	return map[string]any{
		"tool_calls": []map[string]any{{
			"index": 0,
			"id":    toolID,
			"function": map[string]any{
				"arguments": fragment,
			},
		}},
	}
}
