package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&noopDecoder{}, nil)
	}
	return s.stream
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func TestCompleteTranslatesTextOnlyResponse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet-latest", MaxTokens: 128})
	require.NoError(t, err)

	req := &gwmodel.Request{
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hello"}},
	}
	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, gwmodel.FinishStop, resp.FinishReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)
	require.Equal(t, "claude-3-5-sonnet-latest", string(stub.lastParams.Model))
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3-5-sonnet-latest", MaxTokens: 128})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &gwmodel.Request{})
	require.Error(t, err)
}

func TestPrepareRequestRejectsThinkingBudgetAboveMaxTokens(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3-5-sonnet-latest", MaxTokens: 100})
	require.NoError(t, err)

	req := &gwmodel.Request{
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hi"}},
		Thinking: &gwmodel.ThinkingOptions{Enable: true, BudgetTokens: 200},
	}
	_, err = cl.prepareRequest(req)
	require.Error(t, err)
}

func TestCompleteMaxTokensStopIsDistinguishedError(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "truncated"}},
			StopReason: sdk.StopReasonMaxTokens,
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet-latest", MaxTokens: 128})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &gwmodel.Request{Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hello"}}})
	require.ErrorIs(t, err, gwmodel.ErrMaxTokens)
	var merr *gwerr.ModelError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, gwerr.KindMaxTokens, merr.Kind)
}
