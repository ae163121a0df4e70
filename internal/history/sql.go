package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"chat-rag/internal/models"
)

type Message struct {
	bun.BaseModel `bun:"table:chat_messages,alias:m"`
	ID            int64     `bun:"id,pk,autoincrement"`
	SessionID     string    `bun:"session_id,notnull"`
	Role          string    `bun:"role,notnull"`
	Content       string    `bun:"content,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// SQLStore keeps history in a chat_messages table through bun. It works with
// both the sqlite and postgres dialects.
type SQLStore struct {
	db        *bun.DB
	retention Retention
	now       func() time.Time
}

func NewSQLStore(ctx context.Context, db *bun.DB, r Retention) (*SQLStore, error) {
	if _, err := db.NewCreateTable().Model((*Message)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create chat_messages: %w", err)
	}
	_, err := db.NewCreateIndex().Model((*Message)(nil)).Index("chat_messages_session_idx").Column("session_id", "id").IfNotExists().Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to index chat_messages: %w", err)
	}
	return &SQLStore{db: db, retention: r, now: time.Now}, nil
}

func (s *SQLStore) Append(ctx context.Context, session string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]Message, len(turns))
	for i, t := range stamp(turns, now) {
		rows[i] = Message{SessionID: session, Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt}
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if s.retention.TTL > 0 {
			last, err := lastActivity(ctx, tx, session)
			if err != nil {
				return err
			}
			if s.retention.expired(last, now) {
				if err := deleteSession(ctx, tx, session); err != nil {
					return err
				}
			}
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
		if s.retention.MaxTurns <= 0 {
			return nil
		}

		// id of the oldest turn still kept
		var cutoff int64
		err := tx.NewSelect().Model((*Message)(nil)).
			Column("id").
			Where("session_id = ?", session).
			OrderExpr("id DESC").
			Offset(s.retention.MaxTurns - 1).
			Limit(1).
			Scan(ctx, &cutoff)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.NewDelete().Model((*Message)(nil)).
			Where("session_id = ?", session).
			Where("id < ?", cutoff).
			Exec(ctx)
		return err
	})
}

func (s *SQLStore) Get(ctx context.Context, session string) ([]models.Turn, error) {
	var rows []Message
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", session).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if n := len(rows); n > 0 && s.retention.expired(rows[n-1].CreatedAt, s.now()) {
		if err := deleteSession(ctx, s.db, session); err != nil {
			return nil, err
		}
		return []models.Turn{}, nil
	}

	turns := make([]models.Turn, len(rows))
	for i, r := range rows {
		turns[i] = models.Turn{Role: models.Role(r.Role), Content: r.Content, CreatedAt: r.CreatedAt}
	}
	return turns, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func lastActivity(ctx context.Context, db bun.IDB, session string) (time.Time, error) {
	var last time.Time
	err := db.NewSelect().Model((*Message)(nil)).
		Column("created_at").
		Where("session_id = ?", session).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return last, err
}

func deleteSession(ctx context.Context, db bun.IDB, session string) error {
	_, err := db.NewDelete().Model((*Message)(nil)).Where("session_id = ?", session).Exec(ctx)
	return err
}
