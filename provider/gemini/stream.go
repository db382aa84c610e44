package gemini

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/langdb/gateway/gwmodel"
)

// streamer adapts a *genai.GenerateContentResponseIterator to
// gwmodel.Streamer. Gemini does not fragment function-call arguments across
// chunks the way OpenAI/Anthropic do; each FunctionCall part arrives
// whole, so this streamer emits ChunkToolCall directly without an
// accumulation pass.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	iter   *genai.GenerateContentResponseIterator

	chunks chan gwmodel.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, iter *genai.GenerateContentResponseIterator) gwmodel.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, iter: iter, chunks: make(chan gwmodel.Chunk, 32)}
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
	return nil
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

	var (
		usage        gwmodel.TokenUsage
		finishReason genai.FinishReason
		toolCalls    int
	)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}

		resp, err := s.iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			s.setErr(err)
			return
		}

		if len(resp.Candidates) > 0 {
			candidate := resp.Candidates[0]
			if candidate.FinishReason != genai.FinishReasonUnspecified {
				finishReason = candidate.FinishReason
			}
			if candidate.Content != nil {
				for _, p := range candidate.Content.Parts {
					switch v := p.(type) {
					case genai.Text:
						if string(v) == "" {
							continue
						}
						if err := s.emit(gwmodel.Chunk{Type: gwmodel.ChunkText, TextDelta: string(v)}); err != nil {
							s.setErr(err)
							return
						}
					case genai.FunctionCall:
						args, _ := json.Marshal(v.Args)
						toolCalls++
						if err := s.emit(gwmodel.Chunk{
							Type: gwmodel.ChunkToolCall,
							ToolCall: &gwmodel.ToolCall{
								ID:        uuid.NewString(),
								Name:      v.Name,
								Arguments: string(args),
							},
						}); err != nil {
							s.setErr(err)
							return
						}
					}
				}
			}
		}
		if resp.UsageMetadata != nil {
			usage = gwmodel.TokenUsage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}

	if err := s.emit(gwmodel.Chunk{Type: gwmodel.ChunkUsage, UsageDelta: &usage}); err != nil {
		s.setErr(err)
		return
	}
	finish := mapFinishReason(finishReason, toolCalls > 0)
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
