package compactor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/run/inmem"
)

// fakeModel answers extraction calls. When reply is empty it scans the
// transcript for Entity-N tokens and returns them as extracted facts.
type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []*model.Request
}

var entityPattern = regexp.MustCompile(`Entity-\d+`)

func (f *fakeModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply, err := f.reply, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if reply == "" {
		transcript := ""
		if len(req.Messages) > 1 {
			transcript = req.Messages[1].Text()
		}
		seen := map[string]bool{}
		var entities []string
		for _, e := range entityPattern.FindAllString(transcript, -1) {
			if !seen[e] {
				seen[e] = true
				entities = append(entities, e)
			}
		}
		payload, _ := json.Marshal(map[string]any{
			"summary": "The user and the agent worked through a series of tasks.",
			"facts":   map[string]any{"entities": entities},
		})
		reply = string(payload)
	}
	return &model.Response{
		Content:      []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: reply}}}},
		FinishReason: model.FinishStop,
	}, nil
}

func (f *fakeModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

type env struct {
	messages *inmem.Messages
	threads  *inmem.Threads
	llm      *fakeModel
	c        *compactor.Compactor
}

func setup(t *testing.T, opts compactor.Options) *env {
	t.Helper()
	e := &env{
		messages: inmem.NewMessages(),
		threads:  inmem.NewThreads(),
		llm:      &fakeModel{},
	}
	c, err := compactor.New(e.messages, e.threads, e.llm, opts)
	require.NoError(t, err)
	e.c = c
	require.NoError(t, e.threads.Create(context.Background(), run.Thread{ID: "th-1", ProjectID: "proj-1"}))
	return e
}

// seed inserts n alternating user/assistant messages into th-1.
func (e *env) seed(t *testing.T, n int) []run.Message {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		typ := run.TypeUser
		if i%2 == 1 {
			typ = run.TypeAssistant
		}
		m := &run.Message{
			ID:       fmt.Sprintf("m-%03d", i),
			ThreadID: "th-1",
			Type:     typ,
			Content:  run.Text(fmt.Sprintf("message %d about Entity-%d", i, i)),
		}
		require.NoError(t, e.messages.Insert(ctx, m))
	}
	msgs, err := e.messages.List(ctx, "th-1")
	require.NoError(t, err)
	return msgs
}

func TestThresholdTable(t *testing.T) {
	cases := []struct {
		window, want int
	}{
		{50_000, 42_000},
		{99_999, 83_999},
		{100_000, 84_000},
		{128_000, 112_000},
		{200_000, 168_000},
		{399_000, 367_000},
		{400_000, 336_000},
		{999_999, 935_999},
		{1_000_000, 700_000},
		{2_000_000, 1_700_000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, compactor.Threshold(tc.window), "window %d", tc.window)
	}
}

func TestEstimateText(t *testing.T) {
	assert.Equal(t, 0, compactor.EstimateText(""))
	assert.Equal(t, 1, compactor.EstimateText("abcd"))
	assert.Equal(t, 1, compactor.EstimateText("abcdefg"))
	assert.Equal(t, 25, compactor.EstimateText(strings.Repeat("x", 100)))
}

func TestEstimatePreparedMessages(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: strings.Repeat("s", 400)}}},
		{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: strings.Repeat("u", 40)}}},
		{Role: model.RoleAssistant, Parts: []model.Part{
			model.ToolUsePart{ID: "t1", Name: "grep", Input: json.RawMessage(`{"q":"needle"}`)},
		}},
		{Role: model.RoleUser, Parts: []model.Part{
			model.ToolResultPart{ToolUseID: "t1", Content: strings.Repeat("r", 80)},
		}},
	}
	// 100 + 10 + (1 + 14/4) + 20
	assert.Equal(t, 134, compactor.Estimate(msgs))
}

func TestCompressDeclinesBelowTrigger(t *testing.T) {
	e := setup(t, compactor.Options{})
	msgs := e.seed(t, 30) // below 18+20

	res, err := e.c.Compress(context.Background(), "th-1", msgs, false)
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Empty(t, e.llm.requests)

	after, err := e.messages.List(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Len(t, after, 30)
}

func TestCompressDeclinesWhenSummaryExists(t *testing.T) {
	e := setup(t, compactor.Options{})
	e.seed(t, 40)
	ctx := context.Background()

	content, _ := json.Marshal(compactor.Summary{Summary: "earlier recap"})
	require.NoError(t, e.messages.Insert(ctx, &run.Message{
		ID: "sum-0", ThreadID: "th-1", Type: run.TypeThreadSummary, Content: content,
	}))
	msgs, err := e.messages.List(ctx, "th-1")
	require.NoError(t, err)

	res, err := e.c.Compress(ctx, "th-1", msgs, false)
	require.NoError(t, err)
	assert.False(t, res.Compressed)
}

func TestCompressFoldsHistory(t *testing.T) {
	e := setup(t, compactor.Options{})
	msgs := e.seed(t, 40)
	ctx := context.Background()

	res, err := e.c.Compress(ctx, "th-1", msgs, false)
	require.NoError(t, err)
	require.True(t, res.Compressed)
	assert.Equal(t, 22, res.CompressedCount)
	require.NotNil(t, res.Summary)

	after, err := e.messages.List(ctx, "th-1")
	require.NoError(t, err)
	assert.Len(t, compactor.Conversational(after), 18)

	sum, ok := compactor.FindSummary(after)
	require.True(t, ok)
	decoded, err := compactor.Decode(sum)
	require.NoError(t, err)
	assert.Equal(t, 22, decoded.CompressedCount)
	assert.Len(t, decoded.CompressedMessageIDs, 22)
	assert.Contains(t, decoded.CompressedMessageIDs, "m-000")
	assert.NotContains(t, decoded.CompressedMessageIDs, "m-039")
	assert.NotEmpty(t, decoded.Summary)

	// Compression moves the cache cut points.
	th, err := e.threads.Get(ctx, "th-1")
	require.NoError(t, err)
	assert.True(t, th.CacheRebuild)
}

func TestCompressFallsBackOnUnparsableReply(t *testing.T) {
	e := setup(t, compactor.Options{})
	e.llm.reply = "I cannot produce JSON today."
	msgs := e.seed(t, 40)
	ctx := context.Background()

	res, err := e.c.Compress(ctx, "th-1", msgs, false)
	require.NoError(t, err)
	require.True(t, res.Compressed)

	decoded, err := compactor.Decode(*res.Summary)
	require.NoError(t, err)
	assert.Empty(t, decoded.Facts.Entities)
	assert.Contains(t, decoded.Summary, "message 0")
}

func TestCompressFallsBackOnModelError(t *testing.T) {
	e := setup(t, compactor.Options{})
	e.llm.err = model.ErrOverloaded
	msgs := e.seed(t, 40)

	res, err := e.c.Compress(context.Background(), "th-1", msgs, false)
	require.NoError(t, err)
	require.True(t, res.Compressed)
	decoded, err := compactor.Decode(*res.Summary)
	require.NoError(t, err)
	assert.NotEmpty(t, decoded.Summary)
}

func TestCompressAcceptsFencedReply(t *testing.T) {
	e := setup(t, compactor.Options{})
	e.llm.reply = "```json\n{\"summary\": \"fenced recap\", \"facts\": {\"entities\": [\"Entity-1\"]}}\n```"
	msgs := e.seed(t, 40)

	res, err := e.c.Compress(context.Background(), "th-1", msgs, false)
	require.NoError(t, err)
	require.True(t, res.Compressed)
	decoded, err := compactor.Decode(*res.Summary)
	require.NoError(t, err)
	assert.Equal(t, "fenced recap", decoded.Summary)
	assert.Equal(t, []string{"Entity-1"}, decoded.Facts.Entities)
}

func TestCompressForceFoldsExistingSummary(t *testing.T) {
	e := setup(t, compactor.Options{})
	msgs := e.seed(t, 40)
	ctx := context.Background()

	first, err := e.c.Compress(ctx, "th-1", msgs, false)
	require.NoError(t, err)
	require.True(t, first.Compressed)

	// The thread keeps growing past the window again.
	for i := 40; i < 62; i++ {
		require.NoError(t, e.messages.Insert(ctx, &run.Message{
			ID: fmt.Sprintf("m-%03d", i), ThreadID: "th-1", Type: run.TypeUser,
			Content: run.Text(fmt.Sprintf("message %d", i)),
		}))
	}
	msgs, err = e.messages.List(ctx, "th-1")
	require.NoError(t, err)

	// Plain compression declines because a summary exists; force folds it in.
	res, err := e.c.Compress(ctx, "th-1", msgs, false)
	require.NoError(t, err)
	assert.False(t, res.Compressed)

	res, err = e.c.Compress(ctx, "th-1", msgs, true)
	require.NoError(t, err)
	require.True(t, res.Compressed)

	after, err := e.messages.List(ctx, "th-1")
	require.NoError(t, err)
	assert.Len(t, compactor.Conversational(after), 18)

	sum, ok := compactor.FindSummary(after)
	require.True(t, ok)
	assert.NotEqual(t, first.Summary.ID, sum.ID)
	decoded, err := compactor.Decode(sum)
	require.NoError(t, err)
	assert.Contains(t, decoded.CompressedMessageIDs, first.Summary.ID)

	// The replaced summary no longer surfaces.
	old, err := e.messages.Get(ctx, first.Summary.ID)
	require.NoError(t, err)
	assert.True(t, old.Omitted)
}

func TestMaterializeRendersUserBlock(t *testing.T) {
	content, err := json.Marshal(compactor.Summary{
		Summary: "We set up the deployment pipeline.",
		Facts: compactor.Facts{
			UserInfo:    compactor.UserInfo{Name: "Dana", Role: "platform engineer"},
			Project:     compactor.ProjectFacts{Name: "atlas", TechStack: []string{"go", "postgres"}},
			Decisions:   []string{"use blue-green deploys"},
			Entities:    []string{"atlas", "Dana"},
			CurrentGoal: "ship the rollout automation",
		},
	})
	require.NoError(t, err)

	msg, err := compactor.Materialize(run.Message{Type: run.TypeThreadSummary, Content: content})
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, msg.Role)
	text := msg.Text()
	assert.Contains(t, text, "[CONVERSATION SUMMARY]")
	assert.Contains(t, text, "deployment pipeline")
	assert.Contains(t, text, "Dana, platform engineer")
	assert.Contains(t, text, "Current goal: ship the rollout automation")
}

// Compression folds everything older than the working window into exactly
// one summary message and the reconstructed facts retain every entity those
// messages mentioned.
func TestCompressionPreservesEntitiesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("every entity-bearing old message survives into the facts", prop.ForAll(
		func(n int, stride int) bool {
			ctx := context.Background()
			messages := inmem.NewMessages()
			threads := inmem.NewThreads()
			if err := threads.Create(ctx, run.Thread{ID: "th-p"}); err != nil {
				return false
			}
			c, err := compactor.New(messages, threads, &fakeModel{}, compactor.Options{})
			if err != nil {
				return false
			}

			wantEntities := map[string]bool{}
			keep := 18
			for i := 0; i < n; i++ {
				text := fmt.Sprintf("step %d", i)
				if i%stride == 0 {
					text = fmt.Sprintf("step %d touching Entity-%d", i, i)
					if i < n-keep {
						wantEntities[fmt.Sprintf("Entity-%d", i)] = true
					}
				}
				m := &run.Message{
					ID: fmt.Sprintf("p-%03d", i), ThreadID: "th-p",
					Type: run.TypeUser, Content: run.Text(text),
				}
				if err := messages.Insert(ctx, m); err != nil {
					return false
				}
			}
			msgs, err := messages.List(ctx, "th-p")
			if err != nil {
				return false
			}

			res, err := c.Compress(ctx, "th-p", msgs, false)
			if err != nil || !res.Compressed {
				return false
			}

			after, err := messages.List(ctx, "th-p")
			if err != nil {
				return false
			}
			if len(compactor.Conversational(after)) != keep {
				return false
			}
			sum, ok := compactor.FindSummary(after)
			if !ok {
				return false
			}
			decoded, err := compactor.Decode(sum)
			if err != nil {
				return false
			}
			got := map[string]bool{}
			for _, e := range decoded.Facts.Entities {
				got[e] = true
			}
			for e := range wantEntities {
				if !got[e] {
					return false
				}
			}
			return true
		},
		gen.IntRange(38, 70),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
