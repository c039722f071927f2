package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npezzotti/go-chatdelivery/internal/types"
)

const messageColumns = "id, chat_id, sender_id, body, photo_url, status, deleted_by, created_at, updated_at"

type PgGoChatRepository struct {
	conn *sql.DB
}

func NewPgGoChatRepository(ctx context.Context, dsn string) (*PgGoChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgGoChatRepository{conn: db}, nil
}

func (db *PgGoChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgGoChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (types.Message, error) {
	var (
		msg    types.Message
		status int16
	)
	err := row.Scan(
		&msg.Id,
		&msg.ChatId,
		&msg.SenderId,
		&msg.Body,
		&msg.PhotoUrl,
		&status,
		pq.Array(&msg.DeletedBy),
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	msg.Status = types.Status(status)
	return msg, err
}

func (db *PgGoChatRepository) CreateChat(ctx context.Context, participants []string) (types.Chat, error) {
	now := time.Now().UTC()
	chat := types.Chat{
		Id:           uuid.NewString(),
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chats (id, participants, created_at, updated_at) VALUES ($1, $2, $3, $4)",
		chat.Id,
		pq.Array(chat.Participants),
		chat.CreatedAt,
		chat.UpdatedAt,
	)
	if err != nil {
		return types.Chat{}, err
	}

	return chat, nil
}

func (db *PgGoChatRepository) GetChat(ctx context.Context, chatId string) (types.Chat, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, participants, COALESCE(last_message_id, ''), created_at, updated_at FROM chats "+
			"WHERE id = $1 LIMIT 1",
		chatId,
	)

	var chat types.Chat
	err := row.Scan(
		&chat.Id,
		pq.Array(&chat.Participants),
		&chat.LastMessageId,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Chat{}, ErrNotFound
	}

	return chat, err
}

func (db *PgGoChatRepository) GetChatParticipants(ctx context.Context, chatId string) ([]string, error) {
	chat, err := db.GetChat(ctx, chatId)
	if err != nil {
		return nil, err
	}
	return chat.Participants, nil
}

func (db *PgGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (msg types.Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	msg = types.Message{
		Id:        uuid.NewString(),
		ChatId:    params.ChatId,
		SenderId:  params.SenderId,
		Body:      params.Body,
		PhotoUrl:  params.PhotoUrl,
		Status:    types.StatusSent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		msg.Id,
		msg.ChatId,
		msg.SenderId,
		msg.Body,
		msg.PhotoUrl,
		int16(msg.Status),
		pq.Array([]string{}),
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE chats SET last_message_id = $1, updated_at = $2 WHERE id = $3",
		msg.Id,
		now,
		msg.ChatId,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("update chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return types.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

func (db *PgGoChatRepository) GetMessage(ctx context.Context, messageId string) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		messageId,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Message{}, ErrNotFound
	}

	return msg, err
}

func (db *PgGoChatRepository) GetMessages(ctx context.Context, chatId string, before time.Time, limit int) ([]types.Message, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE chat_id = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3",
		chatId,
		before,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgGoChatRepository) UpdateMessageStatus(ctx context.Context, messageId string, status types.Status) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = $2, updated_at = $3 WHERE id = $1 AND status < $2",
		messageId,
		int16(status),
		time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *PgGoChatRepository) BulkUpdateMessageStatus(ctx context.Context, chatId, excludeUserId string, status types.Status) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = $3, updated_at = $4 "+
			"WHERE chat_id = $1 AND sender_id <> $2 AND status < $3 AND NOT ($2 = ANY(deleted_by))",
		chatId,
		excludeUserId,
		int16(status),
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgGoChatRepository) IncrementUnread(ctx context.Context, chatId, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_unread (chat_id, user_id, count) VALUES ($1, $2, 1) "+
			"ON CONFLICT (chat_id, user_id) DO UPDATE SET count = chat_unread.count + 1",
		chatId,
		userId,
	)
	return err
}

func (db *PgGoChatRepository) DecrementUnread(ctx context.Context, chatId, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE chat_unread SET count = GREATEST(count - 1, 0) WHERE chat_id = $1 AND user_id = $2",
		chatId,
		userId,
	)
	return err
}

func (db *PgGoChatRepository) ZeroUnread(ctx context.Context, chatId, userId string) error {
	return db.SetUnread(ctx, chatId, userId, 0)
}

func (db *PgGoChatRepository) SetUnread(ctx context.Context, chatId, userId string, count int) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_unread (chat_id, user_id, count) VALUES ($1, $2, $3) "+
			"ON CONFLICT (chat_id, user_id) DO UPDATE SET count = EXCLUDED.count",
		chatId,
		userId,
		max(count, 0),
	)
	return err
}

func (db *PgGoChatRepository) GetUnread(ctx context.Context, chatId, userId string) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT count FROM chat_unread WHERE chat_id = $1 AND user_id = $2",
		chatId,
		userId,
	)

	var count int
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return count, err
}

func (db *PgGoChatRepository) CountUnread(ctx context.Context, chatId, userId string) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages "+
			"WHERE chat_id = $1 AND sender_id <> $2 AND status < $3 AND NOT ($2 = ANY(deleted_by))",
		chatId,
		userId,
		int16(types.StatusSeen),
	)

	var count int
	err := row.Scan(&count)
	return count, err
}

// RecountUnread derives and stores the counter in one statement. An increment
// that commits while the count runs is overwritten; the next recount repairs it.
func (db *PgGoChatRepository) RecountUnread(ctx context.Context, chatId, userId string) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO chat_unread (chat_id, user_id, count) "+
			"SELECT $1::text, $2::text, COUNT(*) FROM messages "+
			"WHERE chat_id = $1 AND sender_id <> $2 AND status < $3 AND NOT ($2 = ANY(deleted_by)) "+
			"ON CONFLICT (chat_id, user_id) DO UPDATE SET count = EXCLUDED.count "+
			"RETURNING count",
		chatId,
		userId,
		int16(types.StatusSeen),
	)

	var count int
	err := row.Scan(&count)
	return count, err
}
