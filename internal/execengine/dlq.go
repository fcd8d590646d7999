package execengine

import (
	"encoding/json"
	"time"

	"github.com/arbnet/coordinator/internal/model"
)

// dlqRecord builds the DLQ record fields for one failed message, matching
// the shape the coordinator's stream consumer writes for its own DLQ
// entries so both feed the same downstream tooling.
func dlqRecord(msg model.StreamMessage, cause error, service, instanceID string, now time.Time) map[string]string {
	stack := cause.Error()
	if len(stack) > 500 {
		stack = stack[:500]
	}
	rec := struct {
		OriginalMessageID string    `json:"originalMessageId"`
		OriginalStream    string    `json:"originalStream"`
		OriginalData      string    `json:"originalData"`
		Error             string    `json:"error"`
		ErrorStack        string    `json:"errorStack"`
		Timestamp         time.Time `json:"timestamp"`
		Service           string    `json:"service"`
		InstanceID        string    `json:"instanceId"`
	}{
		OriginalMessageID: msg.ID,
		OriginalStream:    msg.Stream,
		OriginalData:      msg.Fields["data"],
		Error:             cause.Error(),
		ErrorStack:        stack,
		Timestamp:         now,
		Service:           service,
		InstanceID:        instanceID,
	}
	data, _ := json.Marshal(rec)
	return map[string]string{"data": string(data)}
}
