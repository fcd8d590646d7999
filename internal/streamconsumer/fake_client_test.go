package streamconsumer

import (
	"context"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

// fakeClient is a minimal in-memory streams.Client double exercising only
// the operations the manager actually calls.
type fakeClient struct {
	mu      sync.Mutex
	acked   []string
	added   map[string][]string // stream -> json payloads

	pendingSummary map[string]streams.PendingSummary
	pendingDetail  map[string][]streams.PendingDetail
	claimResult    map[string][]model.StreamMessage
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		added:          make(map[string][]string),
		pendingSummary: make(map[string]streams.PendingSummary),
		pendingDetail:  make(map[string][]streams.PendingDetail),
		claimResult:    make(map[string][]model.StreamMessage),
	}
}

func (f *fakeClient) XAdd(_ context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[stream] = append(f.added[stream], fields["data"])
	return "1-1", nil
}

func (f *fakeClient) XAck(_ context.Context, _, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeClient) XPending(_ context.Context, stream, _ string) (streams.PendingSummary, error) {
	return f.pendingSummary[stream], nil
}

func (f *fakeClient) XPendingRange(_ context.Context, stream, _ string, _ time.Duration, _ int64) ([]streams.PendingDetail, error) {
	return f.pendingDetail[stream], nil
}

func (f *fakeClient) XClaim(_ context.Context, stream, _, _ string, _ time.Duration, _ ...string) ([]model.StreamMessage, error) {
	return f.claimResult[stream], nil
}

func (f *fakeClient) XReadGroup(_ context.Context, _, _, _ string, _ time.Duration, _ int64) ([]model.StreamMessage, error) {
	return nil, nil
}

func (f *fakeClient) CreateConsumerGroup(_ context.Context, _, _ string) error { return nil }

func (f *fakeClient) SetNX(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeClient) RenewLockIfOwner(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeClient) ReleaseLockIfOwner(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (f *fakeClient) Get(_ context.Context, _ string) (string, bool, error) { return "", false, nil }
func (f *fakeClient) Set(_ context.Context, _, _ string, _ time.Duration) error { return nil }
func (f *fakeClient) Del(_ context.Context, _ string) error                    { return nil }
func (f *fakeClient) Ping(context.Context) error                              { return nil }
func (f *fakeClient) Close() error                                            { return nil }

func (f *fakeClient) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeClient) addedTo(stream string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added[stream]...)
}
