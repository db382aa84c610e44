package gwserver

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/costcalc"
	"github.com/langdb/gateway/execloop"
	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/guardrail"
	"github.com/langdb/gateway/toolhub"
)

type fakeClient struct {
	completeErr  error
	resp         *gwmodel.Response
	streamErr    error
	streamChunks []gwmodel.Chunk
}

func (f *fakeClient) Complete(_ context.Context, _ *gwmodel.Request) (*gwmodel.Response, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.resp, nil
}

func (f *fakeClient) Stream(_ context.Context, _ *gwmodel.Request) (gwmodel.Streamer, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &fakeStreamer{chunks: f.streamChunks}, nil
}

type fakeStreamer struct {
	chunks []gwmodel.Chunk
	i      int
}

func (s *fakeStreamer) Recv() (gwmodel.Chunk, error) {
	if s.i >= len(s.chunks) {
		return gwmodel.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *fakeStreamer) Close() error { return nil }

// capturingClient records the transcript of its last Complete call.
type capturingClient struct {
	resp *gwmodel.Response
	seen *[]gwmodel.Message
}

func (c *capturingClient) Complete(_ context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	*c.seen = req.Messages
	return c.resp, nil
}

func (c *capturingClient) Stream(_ context.Context, _ *gwmodel.Request) (gwmodel.Streamer, error) {
	return nil, errors.New("not implemented")
}

type fakeSink struct {
	frames [][]byte
}

func (s *fakeSink) WriteFrame(_ context.Context, frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func baseOrchestrator(cat *Catalog) *Orchestrator {
	return &Orchestrator{
		Catalog:    cat,
		Guards:     map[string]guardrail.Definition{},
		Tools:      &toolhub.Builder{},
		CostCalc:   costcalc.New(costcalc.PriceTable{}),
		MaxRetries: execloop.Retries(3),
	}
}

func TestHandleRetriesNextRouterTargetOnFailure(t *testing.T) {
	cat := NewCatalog(
		CatalogEntry{Provider: "openai", Model: "bad", Client: &fakeClient{completeErr: errors.New("boom")}},
		CatalogEntry{Provider: "openai", Model: "good", Client: &fakeClient{resp: &gwmodel.Response{
			Message:      gwmodel.Message{Role: gwmodel.RoleAssistant, Content: "hi from good"},
			FinishReason: gwmodel.FinishStop,
		}}},
	)
	orch := baseOrchestrator(cat)

	req := &gwmodel.Request{
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hello"}},
		Router: &gwmodel.RouterDirective{
			Name:     "fallback-test",
			Strategy: gwmodel.StrategyFallback,
			Targets: []gwmodel.RouterTarget{
				{Model: "openai/bad"},
				{Model: "openai/good"},
			},
		},
	}

	resp, err := orch.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hi from good", resp.Message.Content)
}

func TestHandleReturnsLastErrorWhenEveryTargetFails(t *testing.T) {
	cat := NewCatalog(
		CatalogEntry{Provider: "openai", Model: "bad1", Client: &fakeClient{completeErr: errors.New("first failure")}},
		CatalogEntry{Provider: "openai", Model: "bad2", Client: &fakeClient{completeErr: errors.New("second failure")}},
	)
	orch := baseOrchestrator(cat)

	req := &gwmodel.Request{
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hello"}},
		Router: &gwmodel.RouterDirective{
			Name:     "fallback-test",
			Strategy: gwmodel.StrategyFallback,
			Targets: []gwmodel.RouterTarget{
				{Model: "openai/bad1"},
				{Model: "openai/bad2"},
			},
		},
	}

	_, err := orch.Handle(context.Background(), req)
	require.EqualError(t, err, "second failure")
}

func TestHandleBlocksOnInputGuardFailure(t *testing.T) {
	cat := NewCatalog(CatalogEntry{Provider: "openai", Model: "gpt-4o", Client: &fakeClient{resp: &gwmodel.Response{
		Message: gwmodel.Message{Role: gwmodel.RoleAssistant, Content: "should never be reached"},
	}}})
	orch := baseOrchestrator(cat)
	orch.Guards["too-short"] = guardrail.Definition{
		ID:        "too-short",
		Stage:     guardrail.StageInput,
		Action:    guardrail.ActionValidate,
		Type:      guardrail.TypeWordCount,
		WordCount: guardrail.WordCountParams{Min: 100},
	}

	req := &gwmodel.Request{
		Model:    "openai/gpt-4o",
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hi"}},
		Extras:   &gwmodel.Extras{Guards: []string{"too-short"}},
	}

	_, err := orch.Handle(context.Background(), req)
	require.Error(t, err)

	var gerr *gwerr.GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, gwerr.StatusGuardFailed, gerr.Status)
	require.Equal(t, "input", gerr.GuardStage)
	require.Len(t, gerr.Guards, 1)
	require.Equal(t, "too-short", gerr.Guards[0].GuardID)
}

func TestHandleFailsOnUnknownPromptVariable(t *testing.T) {
	cat := NewCatalog(CatalogEntry{
		Provider: "openai",
		Model:    "gpt-4o",
		Client:   &fakeClient{resp: &gwmodel.Response{Message: gwmodel.Message{Role: gwmodel.RoleAssistant, Content: "unused"}}},
		Prompt:   &gwmodel.PromptTemplate{Human: "Answer about {{topic}}"},
	})
	orch := baseOrchestrator(cat)

	req := &gwmodel.Request{
		Model:    "openai/gpt-4o",
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hi"}},
	}

	_, err := orch.Handle(context.Background(), req)
	require.Error(t, err)
	var merr *gwerr.ModelError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, gwerr.KindInput, merr.Kind)
	require.Contains(t, merr.Message, "topic")
}

func TestHandleComposesPromptTemplate(t *testing.T) {
	var seen []gwmodel.Message
	client := &capturingClient{resp: &gwmodel.Response{
		Message:      gwmodel.Message{Role: gwmodel.RoleAssistant, Content: "ok"},
		FinishReason: gwmodel.FinishStop,
	}, seen: &seen}
	cat := NewCatalog(CatalogEntry{
		Provider: "openai",
		Model:    "gpt-4o",
		Client:   client,
		Prompt:   &gwmodel.PromptTemplate{System: "Act as {{persona}}."},
	})
	orch := baseOrchestrator(cat)

	req := &gwmodel.Request{
		Model:     "openai/gpt-4o",
		Messages:  []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hello"}},
		Variables: map[string]string{"persona": "a pirate"},
	}

	_, err := orch.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, gwmodel.RoleSystem, seen[0].Role)
	require.Equal(t, "Act as a pirate.", seen[0].Content)
}

func TestHandleUnresolvedModelReturnsModelNotFound(t *testing.T) {
	orch := baseOrchestrator(NewCatalog())

	req := &gwmodel.Request{
		Model:    "openai/does-not-exist",
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hi"}},
	}

	_, err := orch.Handle(context.Background(), req)
	require.Error(t, err)
	var merr *gwerr.ModelError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, gwerr.KindModelNotFound, merr.Kind)
}

func TestHandleStreamRelaysChunksAsSSEFrames(t *testing.T) {
	cat := NewCatalog(CatalogEntry{Provider: "openai", Model: "gpt-4o", Client: &fakeClient{
		streamChunks: []gwmodel.Chunk{
			{Type: gwmodel.ChunkText, TextDelta: "hello"},
			{Type: gwmodel.ChunkStop, FinishReason: gwmodel.FinishStop},
		},
	}})
	orch := baseOrchestrator(cat)

	req := &gwmodel.Request{
		Model:    "openai/gpt-4o",
		Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hi"}},
		Stream:   true,
	}

	sink := &fakeSink{}
	err := orch.HandleStream(context.Background(), req, sink)
	require.NoError(t, err)
	require.NotEmpty(t, sink.frames)
	require.Contains(t, string(sink.frames[len(sink.frames)-1]), "[DONE]")
}

func TestHandleStreamWritesErrorFrameOnUnresolvedModel(t *testing.T) {
	orch := baseOrchestrator(NewCatalog())

	req := &gwmodel.Request{Model: "openai/nope", Messages: []gwmodel.Message{{Role: gwmodel.RoleUser, Content: "hi"}}}
	sink := &fakeSink{}

	err := orch.HandleStream(context.Background(), req, sink)
	require.Error(t, err)
	require.Len(t, sink.frames, 2)
	require.Contains(t, string(sink.frames[0]), "error")
	require.Contains(t, string(sink.frames[1]), "[DONE]")
}
