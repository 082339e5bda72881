package kiro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/gaud/gaud/internal"
)

// kiroStreamState accumulates a generateAssistantResponse event stream into
// OpenAI-shaped StreamChunks. Unlike Claude's Bedrock frames, Kiro's payload
// bytes are raw JSON rather than base64-wrapped, so no unwrap step is needed
// before handing a frame to gjson.
type kiroStreamState struct {
	id         string
	created    int64
	model      string
	chunkIndex int

	textBuf strings.Builder

	// seenToolStarts dedups repeated tool_start frames for the same tool call id,
	// since Kiro occasionally re-emits the opening frame mid-stream.
	seenToolStarts map[string]bool
	toolArgsBuf    map[string]*strings.Builder

	maxInputTokens        int
	contextUsagePercent   float64
	counter                tokenCounter
}

// tokenCounter is the subset of tokencount.Counter kiro needs; declared
// locally to avoid a hard dependency on the concrete type in tests.
type tokenCounter interface {
	CountText(model, text string) int
}

func newKiroStreamState(id, model string, counter tokenCounter) *kiroStreamState {
	return &kiroStreamState{
		id:             id,
		model:          model,
		seenToolStarts: make(map[string]bool),
		toolArgsBuf:    make(map[string]*strings.Builder),
		counter:        counter,
	}
}

// readEventStream reads the AWS binary event-stream response body from
// generateAssistantResponse and emits OpenAI-format StreamChunks.
func readEventStream(ctx context.Context, id, model string, counter tokenCounter, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := newKiroStreamState(id, model, counter)
	decoder := eventstream.NewDecoder()

	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			ch <- gateway.StreamChunk{Err: fmt.Errorf("kiro: decode event stream: %w", err)}
			return
		}

		msgType := headerValue(msg.Headers, ":message-type")
		if msgType == "exception" {
			errType := headerValue(msg.Headers, ":exception-type")
			ch <- gateway.StreamChunk{Err: fmt.Errorf("kiro: upstream exception: %s", errType)}
			return
		}
		if msgType != "event" {
			continue
		}

		eventType := headerValue(msg.Headers, ":event-type")
		for _, c := range state.handleEvent(eventType, msg.Payload) {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}

	ch <- state.finalChunk()
}

func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// handleEvent feeds one decoded frame into the state machine and returns any
// OpenAI-format chunks it produces.
func (s *kiroStreamState) handleEvent(eventType string, payload []byte) []gateway.StreamChunk {
	switch eventType {
	case "assistantResponseEvent", "content":
		text := gjson.GetBytes(payload, "content").String()
		if text == "" {
			return nil
		}
		s.textBuf.WriteString(text)
		return []gateway.StreamChunk{s.deltaChunk(textDelta(text))}

	case "toolUseEvent", "tool_start":
		toolID := gjson.GetBytes(payload, "toolUseId").String()
		if s.seenToolStarts[toolID] {
			return nil
		}
		s.seenToolStarts[toolID] = true
		s.toolArgsBuf[toolID] = &strings.Builder{}
		name := gjson.GetBytes(payload, "name").String()
		return []gateway.StreamChunk{s.deltaChunk(toolStartDelta(toolID, name))}

	case "tool_input":
		toolID := gjson.GetBytes(payload, "toolUseId").String()
		frag := gjson.GetBytes(payload, "input").String()
		if buf, ok := s.toolArgsBuf[toolID]; ok {
			buf.WriteString(frag)
		}
		return []gateway.StreamChunk{s.deltaChunk(toolArgsDelta(toolID, frag))}

	case "tool_stop":
		return nil

	case "usage", "context_usage":
		if v := gjson.GetBytes(payload, "contextUsagePercentage"); v.Exists() {
			s.contextUsagePercent = v.Float()
		}
		if v := gjson.GetBytes(payload, "maxInputTokens"); v.Exists() {
			s.maxInputTokens = int(v.Int())
		}
		return nil

	default:
		return nil
	}
}

// usage derives prompt/completion token counts from the context-usage
// signal Kiro reports instead of an explicit usage block: total tokens are
// contextUsagePercentage × max_input_tokens, completion tokens are the
// character-heuristic estimate of the emitted text corrected by 1.15
// (Kiro's tokenizer runs denser than the heuristic's 4-chars-per-token
// assumption), and prompt tokens are the remainder.
func (s *kiroStreamState) usage() *gateway.Usage {
	if s.maxInputTokens == 0 {
		return nil
	}
	total := int(s.contextUsagePercent * float64(s.maxInputTokens))
	completion := int(float64(s.counter.CountText(s.model, s.textBuf.String())) * 1.15)
	prompt := total - completion
	if prompt < 0 {
		prompt = 0
	}
	return &gateway.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

func (s *kiroStreamState) finalChunk() gateway.StreamChunk {
	return gateway.StreamChunk{Done: true, Usage: s.usage()}
}

func (s *kiroStreamState) deltaChunk(delta map[string]any) gateway.StreamChunk {
	s.chunkIndex++
	data, _ := marshalChunk(s.id, s.model, s.chunkIndex, delta)
	return gateway.StreamChunk{Data: data}
}
