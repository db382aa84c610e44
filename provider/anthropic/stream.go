package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/langdb/gateway/gwmodel"
)

// streamer adapts an Anthropic Messages streaming response to gwmodel.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan gwmodel.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) gwmodel.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan gwmodel.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (gwmodel.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
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

	proc := newChunkProcessor(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := proc.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
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

// chunkProcessor accumulates Anthropic content-block events into gwmodel.Chunks,
// reassembling streamed tool-call argument fragments by block index.
type chunkProcessor struct {
	emit func(gwmodel.Chunk) error

	toolBlocks map[int]*toolBuffer
	stopReason string
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newChunkProcessor(emit func(gwmodel.Chunk) error) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolBlocks: make(map[int]*toolBuffer)}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		return nil

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(gwmodel.Chunk{Type: gwmodel.ChunkText, TextDelta: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			tb := p.toolBlocks[idx]
			if tb == nil {
				return nil
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return p.emit(gwmodel.Chunk{
				Type: gwmodel.ChunkToolCallDelta,
				ToolCallDelta: &gwmodel.ToolCallDelta{
					ID:    tb.id,
					Name:  tb.name,
					Delta: delta.PartialJSON,
				},
			})
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, idx)
		return p.emit(gwmodel.Chunk{
			Type: gwmodel.ChunkToolCall,
			ToolCall: &gwmodel.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: tb.finalArguments(),
			},
		})

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := gwmodel.TokenUsage{
			InputTokens:      int(ev.Usage.InputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		return p.emit(gwmodel.Chunk{Type: gwmodel.ChunkUsage, UsageDelta: &usage})

	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		finish := mapStopReason(p.stopReason)
		if finish == gwmodel.FinishLength {
			return errMaxTokens("")
		}
		return p.emit(gwmodel.Chunk{Type: gwmodel.ChunkStop, FinishReason: finish})
	}
	return nil
}

func (tb *toolBuffer) finalArguments() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	var probe json.RawMessage
	if json.Unmarshal([]byte(joined), &probe) != nil {
		return "{}"
	}
	return joined
}
