package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/runtime/model"
)

type errorRuntime struct {
	converseErr error
	streamErr   error
}

func (e *errorRuntime) Converse(_ context.Context, _ *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return nil, e.converseErr
}

func (e *errorRuntime) ConverseStream(_ context.Context, _ *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	return nil, e.streamErr
}

func completeWith(t *testing.T, rt Runtime) error {
	t.Helper()
	client, err := New(rt, Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: "hi"}},
		}},
	})
	return err
}

func TestCompleteClassifiesThrottling(t *testing.T) {
	err := completeWith(t, &errorRuntime{
		converseErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteClassifiesServiceUnavailable(t *testing.T) {
	err := completeWith(t, &errorRuntime{
		converseErr: &smithy.GenericAPIError{Code: "ServiceUnavailableException", Message: "no capacity"},
	})
	require.ErrorIs(t, err, model.ErrOverloaded)
}

func TestCompleteClassifiesHTTPStatus(t *testing.T) {
	err := completeWith(t, &errorRuntime{
		converseErr: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusTooManyRequests}},
			Err:      errors.New("too many requests"),
		},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)

	err = completeWith(t, &errorRuntime{
		converseErr: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
			Err:      errors.New("service unavailable"),
		},
	})
	require.ErrorIs(t, err, model.ErrOverloaded)
}

func TestCompleteSentinelPassthrough(t *testing.T) {
	wrapped := fmt.Errorf("gateway: %w", model.ErrOverloaded)
	err := completeWith(t, &errorRuntime{converseErr: wrapped})
	require.ErrorIs(t, err, model.ErrOverloaded)
	// Already classified errors pass through without another layer.
	require.Equal(t, wrapped, err)
}

func TestStreamClassifiesThrottling(t *testing.T) {
	client, err := New(&errorRuntime{
		streamErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	}, Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = client.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: "hi"}},
		}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}
