package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/npezzotti/go-chatdelivery/internal/types"
)

const (
	maxTxnRetries = 5
	// bulkBatchSize bounds how many messages one bulk status transaction
	// rewrites, keeping it under badger's transaction size limit.
	bulkBatchSize = 256
)

// BadgerGoChatRepository stores chats, messages and unread counters in an
// embedded badger database. Keys:
//
//	chat:{chat_id}                           -> types.Chat (json)
//	msg:{message_id}                         -> types.Message (json)
//	chatmsg:{chat_id}:{created_at_ns}:{id}   -> empty, per-chat index ordered by creation time
//	unread:{chat_id}:{user_id}               -> decimal count
type BadgerGoChatRepository struct {
	db        *badger.DB
	log       *slog.Logger
	batchSize int
}

func NewBadgerGoChatRepository(path string, logger *slog.Logger) (*BadgerGoChatRepository, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerGoChatRepository{
		db:        db,
		log:       logger.With("component", "badger"),
		batchSize: bulkBatchSize,
	}, nil
}

func chatKey(chatId string) []byte {
	return []byte("chat:" + chatId)
}

func messageKey(messageId string) []byte {
	return []byte("msg:" + messageId)
}

func chatMessagePrefix(chatId string) []byte {
	return []byte("chatmsg:" + chatId + ":")
}

func chatMessageKey(msg types.Message) []byte {
	return []byte(fmt.Sprintf("chatmsg:%s:%019d:%s", msg.ChatId, msg.CreatedAt.UnixNano(), msg.Id))
}

func unreadKey(chatId, userId string) []byte {
	return []byte("unread:" + chatId + ":" + userId)
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions.
func (b *BadgerGoChatRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.log.Debug("transaction conflict, retrying")
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getCount(txn *badger.Txn, key []byte) (int, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var count int
	err = item.Value(func(val []byte) error {
		count, err = strconv.Atoi(string(val))
		return err
	})
	return count, err
}

func setCount(txn *badger.Txn, key []byte, count int) error {
	return txn.Set(key, []byte(strconv.Itoa(max(count, 0))))
}

// chatMessageIds returns the ids of every message in the chat in creation order.
func chatMessageIds(txn *badger.Txn, chatId string) []string {
	prefix := chatMessagePrefix(chatId)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		ids = append(ids, string(key[bytes.LastIndexByte(key, ':')+1:]))
	}
	return ids
}

func (b *BadgerGoChatRepository) Ping(_ context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (b *BadgerGoChatRepository) Close() error {
	return b.db.Close()
}

func (b *BadgerGoChatRepository) CreateChat(_ context.Context, participants []string) (types.Chat, error) {
	now := time.Now().UTC()
	chat := types.Chat{
		Id:           uuid.NewString(),
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := b.update(func(txn *badger.Txn) error {
		return setJSON(txn, chatKey(chat.Id), chat)
	})
	if err != nil {
		return types.Chat{}, err
	}

	return chat, nil
}

func (b *BadgerGoChatRepository) GetChat(_ context.Context, chatId string) (types.Chat, error) {
	var chat types.Chat
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, chatKey(chatId), &chat)
	})
	return chat, err
}

func (b *BadgerGoChatRepository) GetChatParticipants(ctx context.Context, chatId string) ([]string, error) {
	chat, err := b.GetChat(ctx, chatId)
	if err != nil {
		return nil, err
	}
	return chat.Participants, nil
}

func (b *BadgerGoChatRepository) CreateMessage(_ context.Context, params CreateMessageParams) (types.Message, error) {
	now := time.Now().UTC()
	msg := types.Message{
		Id:        uuid.NewString(),
		ChatId:    params.ChatId,
		SenderId:  params.SenderId,
		Body:      params.Body,
		PhotoUrl:  params.PhotoUrl,
		Status:    types.StatusSent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := b.update(func(txn *badger.Txn) error {
		var chat types.Chat
		if err := getJSON(txn, chatKey(msg.ChatId), &chat); err != nil {
			return err
		}

		if err := setJSON(txn, messageKey(msg.Id), msg); err != nil {
			return err
		}
		if err := txn.Set(chatMessageKey(msg), nil); err != nil {
			return err
		}

		chat.LastMessageId = msg.Id
		chat.UpdatedAt = now
		return setJSON(txn, chatKey(chat.Id), chat)
	})
	if err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

func (b *BadgerGoChatRepository) GetMessage(_ context.Context, messageId string) (types.Message, error) {
	var msg types.Message
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(messageId), &msg)
	})
	return msg, err
}

func (b *BadgerGoChatRepository) GetMessages(_ context.Context, chatId string, before time.Time, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 20
	}

	messages := make([]types.Message, 0, limit)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := chatMessagePrefix(chatId)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		if !before.IsZero() {
			seek = append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%019d", before.UnixNano()))...)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			key := it.Item().Key()
			id := string(key[bytes.LastIndexByte(key, ':')+1:])

			var msg types.Message
			if err := getJSON(txn, messageKey(id), &msg); err != nil {
				return err
			}
			if !before.IsZero() && !msg.CreatedAt.Before(before) {
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})

	return messages, err
}

func (b *BadgerGoChatRepository) UpdateMessageStatus(_ context.Context, messageId string, status types.Status) (bool, error) {
	var changed bool
	err := b.update(func(txn *badger.Txn) error {
		changed = false

		var msg types.Message
		if err := getJSON(txn, messageKey(messageId), &msg); err != nil {
			return err
		}
		if msg.Status >= status {
			return nil
		}

		msg.Status = status
		msg.UpdatedAt = time.Now().UTC()
		changed = true
		return setJSON(txn, messageKey(msg.Id), msg)
	})

	return changed, err
}

// BulkUpdateMessageStatus commits in batches of at most batchSize messages.
// A failure part way leaves earlier batches applied; every write is a
// forward-only transition so retrying the call is safe.
func (b *BadgerGoChatRepository) BulkUpdateMessageStatus(_ context.Context, chatId, excludeUserId string, status types.Status) (int64, error) {
	var ids []string
	if err := b.db.View(func(txn *badger.Txn) error {
		ids = chatMessageIds(txn, chatId)
		return nil
	}); err != nil {
		return 0, err
	}

	var total int64
	now := time.Now().UTC()
	for batch := range slices.Chunk(ids, max(b.batchSize, 1)) {
		var n int64
		err := b.update(func(txn *badger.Txn) error {
			n = 0
			for _, id := range batch {
				var msg types.Message
				if err := getJSON(txn, messageKey(id), &msg); err != nil {
					return err
				}
				if msg.SenderId == excludeUserId || msg.DeletedFor(excludeUserId) || msg.Status >= status {
					continue
				}

				msg.Status = status
				msg.UpdatedAt = now
				if err := setJSON(txn, messageKey(msg.Id), msg); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("bulk status batch: %w", err)
		}
		total += n
	}

	return total, nil
}

func (b *BadgerGoChatRepository) addUnread(chatId, userId string, delta int) error {
	return b.update(func(txn *badger.Txn) error {
		key := unreadKey(chatId, userId)
		count, err := getCount(txn, key)
		if err != nil {
			return err
		}
		return setCount(txn, key, count+delta)
	})
}

func (b *BadgerGoChatRepository) IncrementUnread(_ context.Context, chatId, userId string) error {
	return b.addUnread(chatId, userId, 1)
}

func (b *BadgerGoChatRepository) DecrementUnread(_ context.Context, chatId, userId string) error {
	return b.addUnread(chatId, userId, -1)
}

func (b *BadgerGoChatRepository) ZeroUnread(ctx context.Context, chatId, userId string) error {
	return b.SetUnread(ctx, chatId, userId, 0)
}

func (b *BadgerGoChatRepository) SetUnread(_ context.Context, chatId, userId string, count int) error {
	return b.update(func(txn *badger.Txn) error {
		return setCount(txn, unreadKey(chatId, userId), count)
	})
}

func (b *BadgerGoChatRepository) GetUnread(_ context.Context, chatId, userId string) (int, error) {
	var count int
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = getCount(txn, unreadKey(chatId, userId))
		return err
	})
	return count, err
}

func countUnread(txn *badger.Txn, chatId, userId string) (int, error) {
	var count int
	for _, id := range chatMessageIds(txn, chatId) {
		var msg types.Message
		if err := getJSON(txn, messageKey(id), &msg); err != nil {
			return 0, err
		}
		if msg.SenderId != userId && !msg.DeletedFor(userId) && msg.Status < types.StatusSeen {
			count++
		}
	}
	return count, nil
}

func (b *BadgerGoChatRepository) CountUnread(_ context.Context, chatId, userId string) (int, error) {
	var count int
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = countUnread(txn, chatId, userId)
		return err
	})
	return count, err
}

// RecountUnread counts and stores in one transaction. The counter key is read
// first so a concurrent increment makes the commit conflict and retry.
func (b *BadgerGoChatRepository) RecountUnread(_ context.Context, chatId, userId string) (int, error) {
	var count int
	err := b.update(func(txn *badger.Txn) error {
		key := unreadKey(chatId, userId)
		if _, err := getCount(txn, key); err != nil {
			return err
		}

		var err error
		count, err = countUnread(txn, chatId, userId)
		if err != nil {
			return err
		}
		return setCount(txn, key, count)
	})
	return count, err
}

// SoftDeleteMessage hides a message for userId. It backs tests and admin
// tooling; regular deletion is owned by the chat CRUD service.
func (b *BadgerGoChatRepository) SoftDeleteMessage(_ context.Context, messageId, userId string) error {
	return b.update(func(txn *badger.Txn) error {
		var msg types.Message
		if err := getJSON(txn, messageKey(messageId), &msg); err != nil {
			return err
		}
		if msg.DeletedFor(userId) {
			return nil
		}
		msg.DeletedBy = append(msg.DeletedBy, userId)
		return setJSON(txn, messageKey(msg.Id), msg)
	})
}
