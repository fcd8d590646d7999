package leader

import (
	"context"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

// fakeClient implements streams.Client's lock-relevant methods over an
// in-memory map with owner tracking, enough to exercise the Elector.
type fakeClient struct {
	mu      sync.Mutex
	value   string
	owner   string
	setNXErr error
	renewOK  *bool // nil = default owner-check behavior
}

func newFakeClient() *fakeClient { return &fakeClient{} }

func (f *fakeClient) XAdd(context.Context, string, map[string]string) (string, error) { return "", nil }
func (f *fakeClient) XAck(context.Context, string, string, ...string) error            { return nil }
func (f *fakeClient) XPending(context.Context, string, string) (streams.PendingSummary, error) {
	return streams.PendingSummary{}, nil
}
func (f *fakeClient) XPendingRange(context.Context, string, string, time.Duration, int64) ([]streams.PendingDetail, error) {
	return nil, nil
}
func (f *fakeClient) XClaim(context.Context, string, string, string, time.Duration, ...string) ([]model.StreamMessage, error) {
	return nil, nil
}
func (f *fakeClient) XReadGroup(context.Context, string, string, string, time.Duration, int64) ([]model.StreamMessage, error) {
	return nil, nil
}
func (f *fakeClient) CreateConsumerGroup(context.Context, string, string) error { return nil }

func (f *fakeClient) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner != "" {
		return false, nil
	}
	f.owner = value
	f.value = value
	return true, nil
}

func (f *fakeClient) RenewLockIfOwner(_ context.Context, _, owner string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewOK != nil {
		return *f.renewOK, nil
	}
	return f.owner == owner, nil
}

func (f *fakeClient) ReleaseLockIfOwner(_ context.Context, _, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner != owner {
		return false, nil
	}
	f.owner = ""
	return true, nil
}

func (f *fakeClient) Get(context.Context, string) (string, bool, error)    { return "", false, nil }
func (f *fakeClient) Set(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeClient) Del(context.Context, string) error                       { return nil }
func (f *fakeClient) Ping(context.Context) error                              { return nil }
func (f *fakeClient) Close() error                                            { return nil }
