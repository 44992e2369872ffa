package mocks

import (
	"context"
	"time"

	"docvault/internal/model"
	"docvault/internal/service"
	"github.com/stretchr/testify/mock"
)

type MockDocumentService struct {
	mock.Mock
}

var _ service.DocumentService = (*MockDocumentService)(nil)

func (m *MockDocumentService) Upload(ctx context.Context, who model.Identity, in service.UploadInput) (*model.DocumentView, error) {
	args := m.Called(ctx, who, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DocumentView), args.Error(1)
}

func (m *MockDocumentService) Open(ctx context.Context, who model.Identity, id string) (*service.Content, error) {
	args := m.Called(ctx, who, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Content), args.Error(1)
}

func (m *MockDocumentService) Get(ctx context.Context, who model.Identity, id string) (*model.DocumentView, error) {
	args := m.Called(ctx, who, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DocumentView), args.Error(1)
}

func (m *MockDocumentService) List(ctx context.Context, who model.Identity, q service.ListQuery) (*service.DocumentListResult, error) {
	args := m.Called(ctx, who, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DocumentListResult), args.Error(1)
}

func (m *MockDocumentService) Delete(ctx context.Context, who model.Identity, id string) error {
	args := m.Called(ctx, who, id)
	return args.Error(0)
}

func (m *MockDocumentService) IssueLink(ctx context.Context, who model.Identity, id string) (*service.SignedURL, error) {
	args := m.Called(ctx, who, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SignedURL), args.Error(1)
}

func (m *MockDocumentService) OpenLink(ctx context.Context, token string) (*service.Content, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Content), args.Error(1)
}

func (m *MockDocumentService) CiphertextURL(ctx context.Context, who model.Identity, id string, ttl time.Duration) (*service.SignedURL, error) {
	args := m.Called(ctx, who, id, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SignedURL), args.Error(1)
}

func (m *MockDocumentService) Sweep(ctx context.Context) (service.SweepReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.SweepReport), args.Error(1)
}
