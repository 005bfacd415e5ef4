package compactor

import (
	"encoding/json"

	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
)

// imageTokenEstimate is the flat per-image token estimate. Providers bill by
// resolution, which is unknown at estimation time.
const imageTokenEstimate = 1500

// EstimateText estimates the token count of a text fragment using the
// four-characters-per-token heuristic.
func EstimateText(s string) int {
	return len(s) / 4
}

// Estimate estimates the token count of a prepared message set.
func Estimate(msgs []*model.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch part := p.(type) {
			case model.TextPart:
				total += EstimateText(part.Text)
			case model.ToolUsePart:
				total += EstimateText(part.Name) + len(part.Input)/4
			case model.ToolResultPart:
				total += estimateValue(part.Content)
			case model.ImagePart:
				total += imageTokenEstimate
			case model.ThinkingPart:
				total += EstimateText(part.Text)
			}
		}
	}
	return total
}

// EstimateStored estimates the token count of stored message rows from their
// raw content length.
func EstimateStored(msgs []run.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}

// Threshold returns the compression threshold for a model context window:
// the prompt size above which history must be compressed before dispatch.
// Larger windows reserve a larger absolute headroom for the completion.
func Threshold(contextWindow int) int {
	switch {
	case contextWindow < 100_000:
		return int(float64(contextWindow) * 0.84)
	case contextWindow < 200_000:
		return contextWindow - 16_000
	case contextWindow < 400_000:
		return contextWindow - 32_000
	case contextWindow < 1_000_000:
		return contextWindow - 64_000
	default:
		return contextWindow - 300_000
	}
}

func estimateValue(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return EstimateText(val)
	case []byte:
		return len(val) / 4
	case json.RawMessage:
		return len(val) / 4
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return 0
		}
		return len(b) / 4
	}
}
