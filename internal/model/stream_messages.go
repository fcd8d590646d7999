package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamMessage is a raw delivery from the broker: a monotonic ID plus its
// field map.
type StreamMessage struct {
	Stream string
	ID     string
	Fields map[string]string
}

// OutcomeKind tags which branch of the tagged ValidationOutcome variant a
// decoded message landed in: a message's shape isn't known until it's
// decoded, since the same stream carries opportunities, rejects, and
// control messages interchangeably.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeReject
	OutcomeSystem
	OutcomeEmpty
)

// ValidationOutcome is the result of structurally decoding one StreamMessage.
// Exactly one of Opportunity/RejectCode is meaningful, selected by Kind.
type ValidationOutcome struct {
	Kind        OutcomeKind
	Opportunity *Opportunity
	RejectCode  string
	RejectDetail string
}

func Ok(o *Opportunity) ValidationOutcome { return ValidationOutcome{Kind: OutcomeOk, Opportunity: o} }
func Reject(code, detail string) ValidationOutcome {
	return ValidationOutcome{Kind: OutcomeReject, RejectCode: code, RejectDetail: detail}
}
func System() ValidationOutcome { return ValidationOutcome{Kind: OutcomeSystem} }
func Empty() ValidationOutcome  { return ValidationOutcome{Kind: OutcomeEmpty} }

// HealthReport is the heartbeat message shape published on stream:health.
type HealthReport struct {
	Service       string    `json:"service"`
	Status        string    `json:"status"`
	Uptime        float64   `json:"uptime"`
	MemoryUsage   float64   `json:"memoryUsage"`
	CPUUsage      float64   `json:"cpuUsage"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     *float64  `json:"latencyMs,omitempty"`
}

// SwapEvent is the raw on-chain swap payload published on stream:swap-events.
type SwapEvent struct {
	Chain     string    `json:"chain"`
	Dex       string    `json:"dex"`
	Pair      string    `json:"pair"`
	AmountIn  string    `json:"amountIn"`
	AmountOut string    `json:"amountOut"`
	Timestamp time.Time `json:"timestamp"`
}

// VolumeAggregate is a rolled-up trading-volume sample on stream:volume-aggregates.
type VolumeAggregate struct {
	Chain     string    `json:"chain"`
	Dex       string    `json:"dex"`
	Pair      string    `json:"pair"`
	VolumeUSD float64   `json:"volumeUsd"`
	WindowSec int       `json:"windowSec"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceUpdate is a price tick on stream:price-updates.
type PriceUpdate struct {
	Chain     string    `json:"chain"`
	Token     string    `json:"token"`
	PriceUSD  float64   `json:"priceUsd"`
	Timestamp time.Time `json:"timestamp"`
}

// WhaleAlert is a large-trade notice on stream:whale-alerts.
type WhaleAlert struct {
	Chain     string    `json:"chain"`
	Token     string    `json:"token"`
	AmountUSD float64   `json:"amountUsd"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamInit is the system control message every stream may carry; it is
// always silent-ACKed, never validated or DLQ'd.
type StreamInit struct {
	Type string `json:"type"` // "stream-init"
}

// DecodeOpportunity structurally validates a raw stream message into a
// tagged ValidationOutcome.
func DecodeOpportunity(msg StreamMessage) ValidationOutcome {
	raw, ok := msg.Fields["data"]
	if !ok || raw == "" {
		return Empty()
	}
	if msgType, ok := msg.Fields["type"]; ok && msgType == "stream-init" {
		return System()
	}

	var opp Opportunity
	if err := json.Unmarshal([]byte(raw), &opp); err != nil {
		return Reject("malformed", err.Error())
	}
	if opp.Type == "" {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(raw), &probe)
		if probe.Type == "stream-init" {
			return System()
		}
	}
	if err := opp.Validate(); err != nil {
		return Reject("invalid", err.Error())
	}
	return Ok(&opp)
}

// DecodeHealthReport decodes a stream:health message.
func DecodeHealthReport(msg StreamMessage) (*HealthReport, error) {
	raw, ok := msg.Fields["data"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("health report: empty data field")
	}
	var hr HealthReport
	if err := json.Unmarshal([]byte(raw), &hr); err != nil {
		return nil, fmt.Errorf("health report: %w", err)
	}
	return &hr, nil
}
