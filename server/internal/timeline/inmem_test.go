package timeline

import (
	"context"
	"errors"
	"testing"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

func committedTurn(convID string, seq int64, id string) *model.Turn {
	return &model.Turn{
		ID:             id,
		ConversationID: convID,
		Seq:            seq,
		Speaker:        "merchant",
		Utterance:      "hello",
		Status:         model.TurnSucceeded,
	}
}

// TestInMemoryStoreAppendInOrder 验证 Append 按 seq 连续写入。
// 场景：连续追加两个轮次，验证返回的 seq。
func TestInMemoryStoreAppendInOrder(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, committedTurn("c1", 1, "t1"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if seq1 != 1 {
		t.Fatalf("expected seq 1, got %d", seq1)
	}

	seq2, err := store.Append(ctx, committedTurn("c1", 2, "t2"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("expected seq 2, got %d", seq2)
	}
}

// TestInMemoryStoreAppendIdempotentByTurnID 验证相同 Turn.ID 的重复写入幂等。
// 场景：同一轮次追加两次，验证 seq 相同且只存储一条。
func TestInMemoryStoreAppendIdempotentByTurnID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, committedTurn("c1", 1, "t1"))
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	seq2, err := store.Append(ctx, committedTurn("c1", 1, "t1"))
	if err != nil {
		t.Fatalf("append duplicate turn: %v", err)
	}
	if seq2 != seq1 {
		t.Fatalf("expected same seq for duplicate turn id, got %d vs %d", seq1, seq2)
	}

	turns, err := store.List(ctx, "c1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn stored, got %d", len(turns))
	}
}

// TestInMemoryStoreRejectsGap 验证跳号写入被拒绝。
func TestInMemoryStoreRejectsGap(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, committedTurn("c1", 2, "t2")); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

// TestInMemoryStoreListReturnsCopy 验证 List 返回副本，外部修改不影响内部状态。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	turn := committedTurn("c1", 1, "t1")
	turn.Metadata = map[string]any{"emotion": "calm"}
	if _, err := store.Append(ctx, turn); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	turns, err := store.List(ctx, "c1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	turns[0].Utterance = "mutated"
	turns[0].Metadata["emotion"] = "angry"

	again, err := store.List(ctx, "c1")
	if err != nil {
		t.Fatalf("list turns again: %v", err)
	}
	if again[0].Utterance != "hello" || again[0].Metadata["emotion"] != "calm" {
		t.Fatalf("expected internal data unchanged, got %+v", again[0])
	}
}

// TestInMemoryStoreDelete 验证删除后对话从归档中消失。
func TestInMemoryStoreDelete(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, committedTurn("c1", 1, "t1")); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if _, err := store.Append(ctx, committedTurn("c2", 1, "t9")); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ids, err := store.Conversations(ctx)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c2" {
		t.Fatalf("expected [c2], got %v", ids)
	}
	// 删除后序号从 1 重新开始。
	if _, err := store.Append(ctx, committedTurn("c1", 1, "t1b")); err != nil {
		t.Fatalf("append after delete: %v", err)
	}
}
