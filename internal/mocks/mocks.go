// internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/store"
	"github.com/xkilldash9x/sqlpaf/internal/tools"
)

// -- Store Mock --

// MockStore mocks store.Store.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}

func (m *MockStore) LoadCheckpoint(ctx context.Context, target, label string) (store.Checkpoint, error) {
	args := m.Called(ctx, target, label)
	return args.Get(0).(store.Checkpoint), args.Error(1)
}

func (m *MockStore) LatestCheckpoint(ctx context.Context, target string) (store.Checkpoint, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(store.Checkpoint), args.Error(1)
}

func (m *MockStore) RecordEpisode(ctx context.Context, rec store.EpisodeRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) SaveURLs(ctx context.Context, kind store.URLKind, urls []string) (int, error) {
	args := m.Called(ctx, kind, urls)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Page Mock --

// MockPage mocks browser.Page.
type MockPage struct {
	mock.Mock
}

var _ browser.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockPage) Back(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) ScrollDown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) ClickFirstLink(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) SubmitFirstForm(ctx context.Context, payload string) (time.Duration, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *MockPage) Source(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockPage) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Prober Mock --

// MockProber mocks tools.Prober.
type MockProber struct {
	mock.Mock
}

var _ tools.Prober = (*MockProber)(nil)

func (m *MockProber) Probe(ctx context.Context, url string) (tools.Outcome, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(tools.Outcome), args.Error(1)
}
