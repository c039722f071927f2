package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatdelivery/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockGoChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateChat(ctx context.Context, participants []string) (types.Chat, error) {
	args := m.Called(ctx, participants)
	return args.Get(0).(types.Chat), args.Error(1)
}
func (m *MockGoChatRepository) GetChat(ctx context.Context, chatId string) (types.Chat, error) {
	args := m.Called(ctx, chatId)
	return args.Get(0).(types.Chat), args.Error(1)
}
func (m *MockGoChatRepository) GetChatParticipants(ctx context.Context, chatId string) ([]string, error) {
	args := m.Called(ctx, chatId)
	if participants, ok := args.Get(0).([]string); ok {
		return participants, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessage(ctx context.Context, messageId string) (types.Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessages(ctx context.Context, chatId string, before time.Time, limit int) ([]types.Message, error) {
	args := m.Called(ctx, chatId, before, limit)
	if messages, ok := args.Get(0).([]types.Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) UpdateMessageStatus(ctx context.Context, messageId string, status types.Status) (bool, error) {
	args := m.Called(ctx, messageId, status)
	return args.Bool(0), args.Error(1)
}
func (m *MockGoChatRepository) BulkUpdateMessageStatus(ctx context.Context, chatId, excludeUserId string, status types.Status) (int64, error) {
	args := m.Called(ctx, chatId, excludeUserId, status)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockGoChatRepository) IncrementUnread(ctx context.Context, chatId, userId string) error {
	args := m.Called(ctx, chatId, userId)
	return args.Error(0)
}
func (m *MockGoChatRepository) DecrementUnread(ctx context.Context, chatId, userId string) error {
	args := m.Called(ctx, chatId, userId)
	return args.Error(0)
}
func (m *MockGoChatRepository) ZeroUnread(ctx context.Context, chatId, userId string) error {
	args := m.Called(ctx, chatId, userId)
	return args.Error(0)
}
func (m *MockGoChatRepository) SetUnread(ctx context.Context, chatId, userId string, count int) error {
	args := m.Called(ctx, chatId, userId, count)
	return args.Error(0)
}
func (m *MockGoChatRepository) GetUnread(ctx context.Context, chatId, userId string) (int, error) {
	args := m.Called(ctx, chatId, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockGoChatRepository) CountUnread(ctx context.Context, chatId, userId string) (int, error) {
	args := m.Called(ctx, chatId, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockGoChatRepository) RecountUnread(ctx context.Context, chatId, userId string) (int, error) {
	args := m.Called(ctx, chatId, userId)
	return args.Int(0), args.Error(1)
}
