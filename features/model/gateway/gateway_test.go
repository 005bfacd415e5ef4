package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
)

type fakeClient struct {
	models []string
	resp   *model.Response
	err    error
}

func (f *fakeClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.models = append(f.models, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Stream(_ context.Context, req *model.Request) (model.Streamer, error) {
	f.models = append(f.models, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	return fakeStreamer{}, nil
}

type fakeStreamer struct{}

func (fakeStreamer) Recv() (model.Chunk, error) { return model.Chunk{}, io.EOF }
func (fakeStreamer) Close() error               { return nil }
func (fakeStreamer) Metadata() map[string]any   { return nil }

func textResponse(text string) *model.Response {
	return &model.Response{
		Content: []model.Message{{
			Role:  model.RoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		}},
		FinishReason: model.FinishStop,
	}
}

func request(modelID string) *model.Request {
	return &model.Request{
		Model: modelID,
		Messages: []*model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: "hi"}},
		}},
	}
}

func TestRoutePrefixStripped(t *testing.T) {
	backend := &fakeClient{resp: textResponse("ok")}
	g, err := New(WithRoute("anthropic/", backend))
	require.NoError(t, err)

	resp, err := g.Complete(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text())
	require.Equal(t, []string{"claude-sonnet-4-5"}, backend.models)
}

func TestLongestPrefixWins(t *testing.T) {
	short := &fakeClient{resp: textResponse("short")}
	long := &fakeClient{resp: textResponse("long")}
	g, err := New(
		WithRoute("openai/", short),
		WithRoute("openai/azure-", long),
	)
	require.NoError(t, err)

	resp, err := g.Complete(context.Background(), request("openai/azure-gpt-4o"))
	require.NoError(t, err)
	require.Equal(t, "long", resp.Content[0].Text())
	require.Equal(t, []string{"gpt-4o"}, long.models)
	require.Empty(t, short.models)
}

func TestUnmatchedModel(t *testing.T) {
	backend := &fakeClient{resp: textResponse("ok")}
	g, err := New(WithRoute("anthropic/", backend))
	require.NoError(t, err)

	_, err = g.Complete(context.Background(), request("claude-sonnet-4-5"))
	require.ErrorIs(t, err, ErrNoRoute)

	// With a default route the unprefixed id passes through unchanged.
	g, err = New(WithRoute("anthropic/", backend), WithDefaultRoute("anthropic/"))
	require.NoError(t, err)
	_, err = g.Complete(context.Background(), request("claude-sonnet-4-5"))
	require.NoError(t, err)
	require.Equal(t, []string{"claude-sonnet-4-5"}, backend.models)
}

func TestOverloadReroutesOnce(t *testing.T) {
	primary := &fakeClient{err: fmt.Errorf("anthropic: %w", model.ErrOverloaded)}
	fallback := &fakeClient{resp: textResponse("rerouted")}
	g, err := New(
		WithRoute("anthropic/", primary),
		WithRoute("bedrock/", fallback),
		WithRewrite("anthropic/claude-sonnet-4-5", "bedrock/claude-sonnet-4-5"),
	)
	require.NoError(t, err)

	resp, err := g.Complete(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.NoError(t, err)
	require.Equal(t, "rerouted", resp.Content[0].Text())
	require.Equal(t, []string{"claude-sonnet-4-5"}, primary.models)
	require.Equal(t, []string{"claude-sonnet-4-5"}, fallback.models)
}

func TestOverloadedFallbackSurfaces(t *testing.T) {
	overloaded := fmt.Errorf("anthropic: %w", model.ErrOverloaded)
	primary := &fakeClient{err: overloaded}
	fallback := &fakeClient{err: overloaded}
	g, err := New(
		WithRoute("anthropic/", primary),
		WithRoute("bedrock/", fallback),
		WithRewrite("anthropic/claude-sonnet-4-5", "bedrock/claude-sonnet-4-5"),
	)
	require.NoError(t, err)

	_, err = g.Complete(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.ErrorIs(t, err, model.ErrOverloaded)
	// One dispatch each: the fallback result is final, never re-rewritten.
	require.Len(t, primary.models, 1)
	require.Len(t, fallback.models, 1)
}

func TestFaultClassifiedOverloadReroutes(t *testing.T) {
	primary := &fakeClient{err: fault.New(fault.KindOverload, "backend throttled")}
	fallback := &fakeClient{resp: textResponse("rerouted")}
	g, err := New(
		WithRoute("anthropic/", primary),
		WithRoute("bedrock/", fallback),
		WithRewrite("anthropic/claude-sonnet-4-5", "bedrock/claude-sonnet-4-5"),
	)
	require.NoError(t, err)

	resp, err := g.Complete(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.NoError(t, err)
	require.Equal(t, "rerouted", resp.Content[0].Text())
}

func TestNonOverloadErrorsAreNotRerouted(t *testing.T) {
	primary := &fakeClient{err: fmt.Errorf("anthropic: %w", model.ErrRateLimited)}
	fallback := &fakeClient{resp: textResponse("rerouted")}
	g, err := New(
		WithRoute("anthropic/", primary),
		WithRoute("bedrock/", fallback),
		WithRewrite("anthropic/claude-sonnet-4-5", "bedrock/claude-sonnet-4-5"),
	)
	require.NoError(t, err)

	_, err = g.Complete(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Empty(t, fallback.models)
}

func TestStreamRerouteOnDialOverload(t *testing.T) {
	primary := &fakeClient{err: fmt.Errorf("anthropic: %w", model.ErrOverloaded)}
	fallback := &fakeClient{}
	g, err := New(
		WithRoute("anthropic/", primary),
		WithRoute("bedrock/", fallback),
		WithRewrite("anthropic/claude-sonnet-4-5", "bedrock/claude-sonnet-4-5"),
	)
	require.NoError(t, err)

	st, err := g.Stream(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, []string{"claude-sonnet-4-5"}, fallback.models)
}

func TestHealthTracking(t *testing.T) {
	backend := &fakeClient{err: errors.New("boom")}
	g, err := New(WithRoute("anthropic/", backend), WithUnhealthyAfter(2))
	require.NoError(t, err)

	ctx := context.Background()
	req := request("anthropic/claude-sonnet-4-5")

	_, _ = g.Complete(ctx, req)
	statuses := g.Health()
	require.Len(t, statuses, 1)
	require.True(t, statuses[0].Healthy)
	require.Equal(t, 1, statuses[0].ConsecutiveFailures)

	_, _ = g.Complete(ctx, req)
	statuses = g.Health()
	require.False(t, statuses[0].Healthy)
	require.Equal(t, "boom", statuses[0].LastError)

	pingers := g.Pingers()
	require.Len(t, pingers, 1)
	require.Equal(t, "model-anthropic", pingers[0].Name())
	require.Error(t, pingers[0].Ping(ctx))

	// A success resets the streak and the pinger clears.
	backend.err = nil
	backend.resp = textResponse("ok")
	_, err = g.Complete(ctx, req)
	require.NoError(t, err)
	statuses = g.Health()
	require.True(t, statuses[0].Healthy)
	require.Zero(t, statuses[0].ConsecutiveFailures)
	require.NoError(t, pingers[0].Ping(ctx))
}

func TestCancellationIsNotABackendFailure(t *testing.T) {
	backend := &fakeClient{err: context.Canceled}
	g, err := New(WithRoute("anthropic/", backend), WithUnhealthyAfter(1))
	require.NoError(t, err)

	_, _ = g.Complete(context.Background(), request("anthropic/claude-sonnet-4-5"))
	require.True(t, g.Health()[0].Healthy)
	require.Zero(t, g.Health()[0].ConsecutiveFailures)
}

func TestConstructionValidation(t *testing.T) {
	backend := &fakeClient{}

	_, err := New()
	require.ErrorIs(t, err, ErrRouteRequired)

	_, err = New(WithRoute("anthropic/", backend), WithRoute("anthropic/", backend))
	require.ErrorContains(t, err, "duplicate route prefix")

	_, err = New(WithRoute("anthropic/", backend), WithRewrite("anthropic/a", "bedrock/a"))
	require.ErrorContains(t, err, "rewrite")

	_, err = New(WithRoute("anthropic/", backend), WithRewrite("anthropic/a", "anthropic/a"))
	require.ErrorContains(t, err, "targets itself")

	_, err = New(WithRoute("anthropic/", backend), WithDefaultRoute("openai/"))
	require.ErrorContains(t, err, "default route")

	_, err = New(WithRoute("anthropic/", nil))
	require.ErrorContains(t, err, "no client")
}
