package middleware

import (
	"context"
	"io"
	"testing"

	"github.com/weaveline/loom/runtime/model"
)

// scriptedClient consumes errs in call order; calls past the script succeed.
type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) take() error {
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *scriptedClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	if err := s.take(); err != nil {
		return nil, err
	}
	return &model.Response{FinishReason: model.FinishStop}, nil
}

func (s *scriptedClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	if err := s.take(); err != nil {
		return nil, err
	}
	return nopStreamer{}, nil
}

type nopStreamer struct{}

func (nopStreamer) Recv() (model.Chunk, error) { return model.Chunk{}, io.EOF }
func (nopStreamer) Close() error               { return nil }
func (nopStreamer) Metadata() map[string]any   { return nil }

func userRequest(text string) *model.Request {
	return &model.Request{
		Model: "claude-sonnet-4-5",
		Messages: []*model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: text}},
		}},
	}
}

type taggingClient struct {
	next  model.Client
	label string
	log   *[]string
}

func (t *taggingClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	*t.log = append(*t.log, t.label)
	return t.next.Complete(ctx, req)
}

func (t *taggingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	*t.log = append(*t.log, t.label)
	return t.next.Stream(ctx, req)
}

func tagging(label string, log *[]string) Wrapper {
	return func(next model.Client) model.Client {
		return &taggingClient{next: next, label: label, log: log}
	}
}

func TestChainOrder(t *testing.T) {
	var log []string
	client := Chain(&scriptedClient{}, tagging("outer", &log), nil, tagging("inner", &log))

	if _, err := client.Complete(context.Background(), userRequest("hi")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(log) != 2 || log[0] != "outer" || log[1] != "inner" {
		t.Fatalf("wrapper order %v, want [outer inner]", log)
	}
}
