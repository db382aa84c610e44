package openai

import (
	"context"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/langdb/gateway/gwmodel"
)

// streamer adapts an OpenAI Chat Completions streaming response to
// gwmodel.Streamer, reassembling per-index tool-call argument fragments
// the same way the Anthropic adapter reassembles per-block-index fragments.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	chunks chan gwmodel.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) gwmodel.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan gwmodel.Chunk, 32)}
	go s.run()
	return s
}

func (s *streamer) Recv() (gwmodel.Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if ok {
			return c, nil
		}
		if err := s.err(); err != nil {
			return gwmodel.Chunk{}, err
		}
		return gwmodel.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return gwmodel.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.finalErr = err
	}
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	type toolBuffer struct {
		id   string
		name string
		args string
	}
	byIndex := map[int64]*toolBuffer{}
	var finishReason string

	for s.stream.Next() {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}

		chunk := s.stream.Current()
		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if err := s.emit(gwmodel.Chunk{Type: gwmodel.ChunkText, TextDelta: choice.Delta.Content}); err != nil {
					s.setErr(err)
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				tb := byIndex[tc.Index]
				if tb == nil {
					tb = &toolBuffer{}
					byIndex[tc.Index] = tb
				}
				if tc.ID != "" {
					tb.id = tc.ID
				}
				if tc.Function.Name != "" {
					tb.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					tb.args += tc.Function.Arguments
					if err := s.emit(gwmodel.Chunk{
						Type: gwmodel.ChunkToolCallDelta,
						ToolCallDelta: &gwmodel.ToolCallDelta{
							ID:    tb.id,
							Name:  tb.name,
							Delta: tc.Function.Arguments,
						},
					}); err != nil {
						s.setErr(err)
						return
					}
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage := gwmodel.TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
			if err := s.emit(gwmodel.Chunk{Type: gwmodel.ChunkUsage, UsageDelta: &usage}); err != nil {
				s.setErr(err)
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(err)
		return
	}

	for _, tb := range byIndex {
		if tb.id == "" {
			continue
		}
		if err := s.emit(gwmodel.Chunk{
			Type:     gwmodel.ChunkToolCall,
			ToolCall: &gwmodel.ToolCall{ID: tb.id, Name: tb.name, Arguments: tb.args},
		}); err != nil {
			s.setErr(err)
			return
		}
	}
	finish := mapFinishReason(finishReason)
	if finish == gwmodel.FinishLength {
		s.setErr(errMaxTokens(""))
		return
	}
	if err := s.emit(gwmodel.Chunk{Type: gwmodel.ChunkStop, FinishReason: finish}); err != nil {
		s.setErr(err)
	}
}

func (s *streamer) emit(c gwmodel.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- c:
		return nil
	}
}
