package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"keygate/internal/license"
	"keygate/internal/lookup"
)

// mockGateway is a testify mock for lookup.Gateway
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Lookup(ctx context.Context, subjectID string) (*lookup.Subject, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lookup.Subject), args.Error(1)
}

// mockMirror is a testify mock for KeyMirror
type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) AppendKey(ctx context.Context, rec license.KeyRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// recordingPublisher keeps published event types in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, eventType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// memPersister keeps the last saved collection in memory
type memPersister struct {
	mu      sync.Mutex
	records []license.KeyRecord
	saves   int
}

func (p *memPersister) Load(ctx context.Context) ([]license.KeyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]license.KeyRecord(nil), p.records...), nil
}

func (p *memPersister) Save(ctx context.Context, records []license.KeyRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records[:0:0], records...)
	p.saves++
	return nil
}

func (p *memPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// nopPersister accepts every save without copying
type nopPersister struct{}

func (nopPersister) Load(ctx context.Context) ([]license.KeyRecord, error) { return nil, nil }
func (nopPersister) Save(ctx context.Context, records []license.KeyRecord) error {
	return nil
}
