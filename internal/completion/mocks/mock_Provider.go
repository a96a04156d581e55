// Package mocks provides test doubles for completion providers.
package mocks

import (
	"context"

	completion "github.com/sells-group/callpipe/internal/completion"
	mock "github.com/stretchr/testify/mock"
)

// MockProvider is a mock type for the Provider interface.
type MockProvider struct {
	mock.Mock
}

// Complete provides a mock function with given fields: ctx, req
func (_m *MockProvider) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Complete")
	}

	var r0 *completion.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, completion.Request) (*completion.Response, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, completion.Request) *completion.Response); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*completion.Response)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, completion.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockProvider creates a new instance of MockProvider.
func NewMockProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockProvider {
	mock := &MockProvider{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
