package mocks

import (
	"context"
	"time"

	"docvault/internal/journal"

	"github.com/stretchr/testify/mock"
)

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Begin(ctx context.Context, in journal.Intent) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}

func (m *MockJournal) Commit(ctx context.Context, storageKey string) error {
	args := m.Called(ctx, storageKey)
	return args.Error(0)
}

func (m *MockJournal) Pending(ctx context.Context, olderThan time.Duration) ([]journal.Intent, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]journal.Intent), args.Error(1)
}
