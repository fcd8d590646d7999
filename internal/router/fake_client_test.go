package router

import (
	"context"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

type fakeClient struct {
	mu      sync.Mutex
	added   map[string][]string
	failAdd bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{added: make(map[string][]string)}
}

func (f *fakeClient) XAdd(_ context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return "", errAddFailed
	}
	f.added[stream] = append(f.added[stream], fields["data"])
	return "1-1", nil
}

func (f *fakeClient) addedTo(stream string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added[stream]...)
}

var errAddFailed = &addErr{}

type addErr struct{}

func (*addErr) Error() string { return "xadd failed" }

func (f *fakeClient) XAck(context.Context, string, string, ...string) error { return nil }
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
func (f *fakeClient) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeClient) RenewLockIfOwner(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeClient) ReleaseLockIfOwner(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeClient) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (f *fakeClient) Set(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeClient) Del(context.Context, string) error                       { return nil }
func (f *fakeClient) Ping(context.Context) error                             { return nil }
func (f *fakeClient) Close() error                                           { return nil }
