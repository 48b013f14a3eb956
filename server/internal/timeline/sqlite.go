package timeline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore 把已提交轮次持久化到 SQLite。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）归档数据库并建表。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接：写入本身按对话串行，避免事务升级时的 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close 关闭数据库句柄。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, turn *model.Turn) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	contextJSON, err := encodeJSONMap(turn.Context)
	if err != nil {
		return 0, fmt.Errorf("encode context: %w", err)
	}
	metadataJSON, err := encodeJSONMap(turn.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM dialogue_turns WHERE turn_id = ?`, turn.ID).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("lookup turn: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM dialogue_turns WHERE conversation_id = ?`,
		turn.ConversationID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	if turn.Seq != last+1 {
		return 0, fmt.Errorf("%w: conversation %s expected seq %d, got %d", ErrOutOfOrder, turn.ConversationID, last+1, turn.Seq)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dialogue_turns (
		   conversation_id, seq, turn_id, speaker, prompt, context_json,
		   utterance, action, metadata_json, retries, created_at, resolved_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ConversationID, turn.Seq, turn.ID, turn.Speaker, turn.Prompt, contextJSON,
		turn.Utterance, string(turn.Action), metadataJSON, turn.Retries, toMillis(turn.CreatedAt), toMillis(turn.ResolvedAt),
	); err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return turn.Seq, nil
}

func (s *SQLiteStore) List(ctx context.Context, conversationID string) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, seq, speaker, prompt, context_json, utterance, action, metadata_json,
		        retries, created_at, resolved_at
		   FROM dialogue_turns
		  WHERE conversation_id = ?
		  ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []model.Turn
	for rows.Next() {
		var (
			turn                      model.Turn
			contextJSON, metadataJSON string
			action                    string
			createdAt, resolvedAt     int64
		)
		if err := rows.Scan(&turn.ID, &turn.Seq, &turn.Speaker, &turn.Prompt, &contextJSON,
			&turn.Utterance, &action, &metadataJSON, &turn.Retries, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if turn.Context, err = decodeJSONMap(contextJSON); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
		if turn.Metadata, err = decodeJSONMap(metadataJSON); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		turn.ConversationID = conversationID
		turn.Action = model.NPCAction(action)
		turn.Status = model.TurnSucceeded
		turn.CreatedAt = fromMillis(createdAt)
		turn.ResolvedAt = fromMillis(resolvedAt)
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM dialogue_turns ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dialogue_turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func encodeJSONMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSONMap(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
