package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordAndReadDLQ(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(dbPath)
	require.NoError(t, err)
	defer j.Close()

	now := time.Now()
	require.NoError(t, j.RecordDLQ(DLQRecord{
		OriginalMessageID: "1-1",
		OriginalStream:    "stream:opportunities",
		Error:             "malformed",
		Service:           "coordinator",
		InstanceID:        "inst-1",
		Timestamp:         now,
	}))

	records, err := j.RecentDLQRecords(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1-1", records[0].OriginalMessageID)
	assert.Equal(t, "malformed", records[0].Error)
}

func TestJournal_RecordForwardingOutcome(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(dbPath)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.RecordForwardingOutcome("opp-1", true, nil, time.Now()))
	require.NoError(t, j.RecordForwardingOutcome("opp-2", false, assertErr, time.Now()))
}

type testErr struct{}

func (*testErr) Error() string { return "boom" }

var assertErr = &testErr{}
