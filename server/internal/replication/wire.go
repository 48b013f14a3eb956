package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

// FrameType 标识复制帧的负载类型。
type FrameType string

const (
	FrameEnvelope FrameType = "envelope"
	FrameResync   FrameType = "resync"
	FrameSnapshot FrameType = "snapshot"
	FrameHello    FrameType = "hello"
)

var ErrMalformedFrame = errors.New("malformed replication frame")

// Envelope 是一个已提交轮次的复制单元。
type Envelope struct {
	ConversationID string         `msgpack:"conversationId"`
	TurnSeq        int64          `msgpack:"turnSeq"`
	TurnID         string         `msgpack:"turnId"`
	Speaker        string         `msgpack:"speaker"`
	Prompt         string         `msgpack:"prompt,omitempty"`
	Utterance      string         `msgpack:"utterance"`
	Action         string         `msgpack:"action,omitempty"`
	Metadata       map[string]any `msgpack:"metadata,omitempty"`
	CommittedAt    int64          `msgpack:"committedAt"`
}

// ResyncRequest 由对端发出，请求 LastKnownSeq 之后的轮次；Full 要求整体快照。
type ResyncRequest struct {
	ConversationID string `msgpack:"conversationId"`
	LastKnownSeq   int64  `msgpack:"lastKnownSeq"`
	Full           bool   `msgpack:"full,omitempty"`
}

// Snapshot 是对话已提交日志的完整副本。Turns 为空表示对话已被删除。
type Snapshot struct {
	ConversationID string     `msgpack:"conversationId"`
	Turns          []Envelope `msgpack:"turns"`
}

// Hello 是对端加入时的握手。
type Hello struct {
	PeerID string `msgpack:"peerId"`
	Token  string `msgpack:"token,omitempty"`
}

// Frame 是复制线路上的唯一消息格式。
type Frame struct {
	Type     FrameType      `msgpack:"type"`
	Envelope *Envelope      `msgpack:"envelope,omitempty"`
	Resync   *ResyncRequest `msgpack:"resync,omitempty"`
	Snapshot *Snapshot      `msgpack:"snapshot,omitempty"`
	Hello    *Hello         `msgpack:"hello,omitempty"`
}

func EnvelopeFrame(e Envelope) Frame {
	return Frame{Type: FrameEnvelope, Envelope: &e}
}

func ResyncFrame(r ResyncRequest) Frame {
	return Frame{Type: FrameResync, Resync: &r}
}

func SnapshotFrame(s Snapshot) Frame {
	return Frame{Type: FrameSnapshot, Snapshot: &s}
}

// Encode 序列化帧。
func Encode(f Frame) ([]byte, error) {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode 反序列化并校验帧：类型必须与负载一致。
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameEnvelope:
		if f.Envelope == nil || f.Envelope.ConversationID == "" || f.Envelope.TurnSeq < 1 {
			return Frame{}, fmt.Errorf("%w: invalid envelope", ErrMalformedFrame)
		}
	case FrameResync:
		if f.Resync == nil || f.Resync.ConversationID == "" || f.Resync.LastKnownSeq < 0 {
			return Frame{}, fmt.Errorf("%w: invalid resync request", ErrMalformedFrame)
		}
	case FrameSnapshot:
		if f.Snapshot == nil || f.Snapshot.ConversationID == "" {
			return Frame{}, fmt.Errorf("%w: invalid snapshot", ErrMalformedFrame)
		}
	case FrameHello:
		if f.Hello == nil || f.Hello.PeerID == "" {
			return Frame{}, fmt.Errorf("%w: invalid hello", ErrMalformedFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// EnvelopeFromTurn 把已提交轮次转成复制单元。
func EnvelopeFromTurn(t model.Turn) Envelope {
	var committedAt int64
	if !t.ResolvedAt.IsZero() {
		committedAt = t.ResolvedAt.UnixMilli()
	}
	return Envelope{
		ConversationID: t.ConversationID,
		TurnSeq:        t.Seq,
		TurnID:         t.ID,
		Speaker:        t.Speaker,
		Prompt:         t.Prompt,
		Utterance:      t.Utterance,
		Action:         string(t.Action),
		Metadata:       model.CloneMap(t.Metadata),
		CommittedAt:    committedAt,
	}
}

// Turn 还原为镜像端的已提交轮次。
func (e Envelope) Turn() model.Turn {
	t := model.Turn{
		ID:             e.TurnID,
		ConversationID: e.ConversationID,
		Seq:            e.TurnSeq,
		Speaker:        e.Speaker,
		Prompt:         e.Prompt,
		Utterance:      e.Utterance,
		Action:         model.NPCAction(e.Action),
		Metadata:       model.CloneMap(e.Metadata),
		Status:         model.TurnSucceeded,
	}
	if e.CommittedAt > 0 {
		t.ResolvedAt = time.UnixMilli(e.CommittedAt)
		t.CreatedAt = t.ResolvedAt
	}
	return t
}

func snapshotTurns(s Snapshot) []model.Turn {
	turns := make([]model.Turn, 0, len(s.Turns))
	for _, e := range s.Turns {
		e.ConversationID = s.ConversationID
		turns = append(turns, e.Turn())
	}
	return turns
}
