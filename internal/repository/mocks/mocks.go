package mocks

import (
	"context"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/resource"
	"github.com/ganot/capalloc/internal/event"
	"github.com/stretchr/testify/mock"
)

// Ledger is a mock for allocation.Ledger.
type Ledger struct {
	mock.Mock
}

func (m *Ledger) Create(ctx context.Context, alloc *allocation.Allocation, tr *allocation.Transition, ev *event.Event) error {
	args := m.Called(ctx, alloc, tr, ev)
	return args.Error(0)
}

func (m *Ledger) Get(ctx context.Context, id string) (*allocation.Allocation, error) {
	args := m.Called(ctx, id)
	if alloc, ok := args.Get(0).(*allocation.Allocation); ok {
		return alloc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Ledger) Update(ctx context.Context, alloc *allocation.Allocation, expectedVersion int64, tr *allocation.Transition, ev *event.Event) error {
	args := m.Called(ctx, alloc, expectedVersion, tr, ev)
	return args.Error(0)
}

func (m *Ledger) ListForResource(ctx context.Context, resourceID string, opts allocation.ListOptions) ([]allocation.Allocation, error) {
	args := m.Called(ctx, resourceID, opts)
	if allocs, ok := args.Get(0).([]allocation.Allocation); ok {
		return allocs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Ledger) ListForProject(ctx context.Context, projectID string, opts allocation.ListOptions) ([]allocation.Allocation, error) {
	args := m.Called(ctx, projectID, opts)
	if allocs, ok := args.Get(0).([]allocation.Allocation); ok {
		return allocs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Ledger) ListCommitted(ctx context.Context) ([]allocation.Allocation, error) {
	args := m.Called(ctx)
	if allocs, ok := args.Get(0).([]allocation.Allocation); ok {
		return allocs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Ledger) Transitions(ctx context.Context, allocationID string) ([]allocation.Transition, error) {
	args := m.Called(ctx, allocationID)
	if trs, ok := args.Get(0).([]allocation.Transition); ok {
		return trs, args.Error(1)
	}
	return nil, args.Error(1)
}

// Catalog is a mock for resource.Catalog.
type Catalog struct {
	mock.Mock
}

func (m *Catalog) GetResource(ctx context.Context, id string) (*resource.Resource, error) {
	args := m.Called(ctx, id)
	if res, ok := args.Get(0).(*resource.Resource); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Catalog) ListResources(ctx context.Context, category string) ([]resource.Resource, error) {
	args := m.Called(ctx, category)
	if resources, ok := args.Get(0).([]resource.Resource); ok {
		return resources, args.Error(1)
	}
	return nil, args.Error(1)
}

// Outbox is a mock for event.Outbox.
type Outbox struct {
	mock.Mock
}

func (m *Outbox) ListPending(ctx context.Context, limit int) ([]event.Event, error) {
	args := m.Called(ctx, limit)
	if events, ok := args.Get(0).([]event.Event); ok {
		return events, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Outbox) MarkDelivered(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *Outbox) MarkFailed(ctx context.Context, id string, deliveryErr string) error {
	args := m.Called(ctx, id, deliveryErr)
	return args.Error(0)
}

// Sink is a mock for event.Sink.
type Sink struct {
	mock.Mock
}

func (m *Sink) Deliver(ctx context.Context, ev event.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}
