package bedrock

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/langdb/gateway/gwmodel"
)

// streamer adapts a Bedrock ConverseStream event stream to gwmodel.Streamer,
// reassembling streamed tool-call argument fragments by content-block index
// so call order survives out-of-order delta arrival.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan gwmodel.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) gwmodel.Streamer {
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
	defer func() { _ = s.stream.Close() }()

	proc := newChunkProcessor(s.emit)
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				s.setErr(s.stream.Err())
				return
			}
			if err := proc.Handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// chunkProcessor converts Bedrock ConverseStream events into gwmodel.Chunks.
type chunkProcessor struct {
	emit func(gwmodel.Chunk) error

	toolBlocks map[int]*toolBuffer
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalArguments() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func newChunkProcessor(emit func(gwmodel.Chunk) error) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolBlocks: make(map[int]*toolBuffer)}
}

func (p *chunkProcessor) Handle(event any) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			var id, name string
			if start.Value.ToolUseId != nil {
				id = *start.Value.ToolUseId
			}
			if start.Value.Name != nil {
				name = *start.Value.Name
			}
			p.toolBlocks[idx] = &toolBuffer{id: id, name: name}
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(gwmodel.Chunk{Type: gwmodel.ChunkText, TextDelta: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.toolBlocks[idx]
			if tb == nil || delta.Value.Input == nil {
				return nil
			}
			fragment := *delta.Value.Input
			tb.fragments = append(tb.fragments, fragment)
			return p.emit(gwmodel.Chunk{
				Type: gwmodel.ChunkToolCallDelta,
				ToolCallDelta: &gwmodel.ToolCallDelta{
					ID:    tb.id,
					Name:  tb.name,
					Delta: fragment,
				},
			})
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := contentIndex(ev.Value.ContentBlockIndex)
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

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.toolBlocks = make(map[int]*toolBuffer)
		finish := mapFinishReason(ev.Value.StopReason)
		if finish == gwmodel.FinishLength {
			return errMaxTokens("")
		}
		return p.emit(gwmodel.Chunk{Type: gwmodel.ChunkStop, FinishReason: finish})

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		usage := gwmodel.TokenUsage{
			InputTokens:  int(ptrValue(ev.Value.Usage.InputTokens)),
			OutputTokens: int(ptrValue(ev.Value.Usage.OutputTokens)),
			TotalTokens:  int(ptrValue(ev.Value.Usage.TotalTokens)),
		}
		return p.emit(gwmodel.Chunk{Type: gwmodel.ChunkUsage, UsageDelta: &usage})
	}
	return nil
}

func contentIndex(idx *int32) int {
	if idx == nil {
		return 0
	}
	return int(*idx)
}
