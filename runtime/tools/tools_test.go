package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/runtime/model"
)

func calcDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "calc",
		Description: "Evaluates an arithmetic expression.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"expr": {"type": "string"}},
			"required": ["expr"],
			"additionalProperties": false
		}`),
		Execute: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Expr string `json:"expr"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if in.Expr == "2+2" {
				return "4", nil
			}
			return "unknown", nil
		},
	}
}

func TestRegistryExecute(t *testing.T) {
	r, err := NewRegistry(calcDescriptor())
	require.NoError(t, err)

	out, err := r.Execute(context.Background(), model.ToolCall{
		ID:   "t1",
		Name: "calc",
		Args: json.RawMessage(`{"expr":"2+2"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "4", out)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r, err := NewRegistry(calcDescriptor())
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), model.ToolCall{Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestValidateArgsRejectsBadPayload(t *testing.T) {
	r, err := NewRegistry(calcDescriptor())
	require.NoError(t, err)

	err = r.ValidateArgs("calc", json.RawMessage(`{"expr": 12}`))
	assert.ErrorIs(t, err, ErrInvalidArgs)

	err = r.ValidateArgs("calc", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidArgs)

	err = r.ValidateArgs("calc", json.RawMessage(`{"expr":"1+1"}`))
	assert.NoError(t, err)
}

func TestValidateArgsNoSchemaAcceptsAnything(t *testing.T) {
	r, err := NewRegistry(&Descriptor{
		Name:    "echo",
		Execute: func(_ context.Context, args json.RawMessage) (string, error) { return string(args), nil },
	})
	require.NoError(t, err)

	assert.NoError(t, r.ValidateArgs("echo", json.RawMessage(`{"anything":true}`)))
	assert.NoError(t, r.ValidateArgs("echo", nil))
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	err := (&Registry{entries: map[string]*entry{}}).Register(&Descriptor{
		Name:        "broken",
		InputSchema: json.RawMessage(`{"type": 42}`),
		Execute:     func(context.Context, json.RawMessage) (string, error) { return "", nil },
	})
	assert.Error(t, err)
}

func TestTerminalTool(t *testing.T) {
	r, err := NewRegistry(
		calcDescriptor(),
		&Descriptor{Name: "complete_task", Description: "Signals the task is done.", Terminal: true},
	)
	require.NoError(t, err)

	assert.True(t, r.IsTerminal("complete_task"))
	assert.False(t, r.IsTerminal("calc"))
	assert.False(t, r.IsTerminal("missing"))

	// Terminal tools without handlers execute to an empty result.
	out, err := r.Execute(context.Background(), model.ToolCall{Name: "complete_task"})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestDefinitions(t *testing.T) {
	r, err := NewRegistry(calcDescriptor())
	require.NoError(t, err)

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "calc", defs[0].Name)
	assert.NotEmpty(t, defs[0].Description)
	assert.NotNil(t, defs[0].InputSchema)
}
