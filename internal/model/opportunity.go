// Package model holds the coordinator's domain types: the wire-shaped
// messages that travel over Redis Streams and the in-process records built
// from them. Plain structs with JSON() helpers, no serialization framework
// beyond encoding/json.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpportunityType enumerates the arbitrage shapes a detector may report.
type OpportunityType string

const (
	TypeSimple         OpportunityType = "simple"
	TypeCrossDex       OpportunityType = "cross-dex"
	TypeTriangular     OpportunityType = "triangular"
	TypeQuadrilateral  OpportunityType = "quadrilateral"
	TypeMultiLeg       OpportunityType = "multi-leg"
	TypeCrossChain     OpportunityType = "cross-chain"
	TypePredictive     OpportunityType = "predictive"
	TypeIntraDex       OpportunityType = "intra-dex"
	TypeFlashLoan      OpportunityType = "flash-loan"
)

// OpportunityStatus tracks an opportunity through the router/executor.
type OpportunityStatus string

const (
	StatusPending   OpportunityStatus = "pending"
	StatusForwarded OpportunityStatus = "forwarded"
	StatusRejected  OpportunityStatus = "rejected"
	StatusExecuted  OpportunityStatus = "executed"
)

// Opportunity is a detected arbitrage opportunity.
type Opportunity struct {
	ID               string            `json:"id"`
	Type             OpportunityType   `json:"type"`
	TokenIn          string            `json:"tokenIn"`
	TokenOut         string            `json:"tokenOut"`
	AmountIn         string            `json:"amountIn"` // non-negative integer string
	ExpectedProfit   *string           `json:"expectedProfit,omitempty"`
	ProfitPercentage *float64          `json:"profitPercentage,omitempty"`
	Confidence       float64           `json:"confidence"`
	Timestamp        time.Time         `json:"timestamp"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
	BuyChain         string            `json:"buyChain,omitempty"`
	SellChain        string            `json:"sellChain,omitempty"`
	Status           OpportunityStatus `json:"status,omitempty"`
}

// SupportedChains is the configurable set of chains cross-chain opportunities
// may reference. Kept as a var (not const) so deployments can extend it.
var SupportedChains = map[string]bool{
	"ethereum": true,
	"arbitrum": true,
	"optimism": true,
	"polygon":  true,
	"base":     true,
	"bsc":      true,
}

// Validate checks the opportunity's structural invariants: required fields
// present, amountIn a positive integer string, confidence in [0,1], and
// (for cross-chain opportunities) distinct, supported buy/sell chains.
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("opportunity: missing id")
	}
	if o.TokenIn == "" || o.TokenOut == "" || o.TokenIn == o.TokenOut {
		return fmt.Errorf("opportunity %s: tokenIn must differ from tokenOut", o.ID)
	}
	if !isPositiveIntString(o.AmountIn) {
		return fmt.Errorf("opportunity %s: amountIn must be a positive integer string", o.ID)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("opportunity %s: confidence %f out of [0,1]", o.ID, o.Confidence)
	}
	if o.Type == TypeCrossChain {
		if o.BuyChain == "" || o.SellChain == "" || o.BuyChain == o.SellChain {
			return fmt.Errorf("opportunity %s: cross-chain requires distinct buyChain/sellChain", o.ID)
		}
		if !SupportedChains[o.BuyChain] || !SupportedChains[o.SellChain] {
			return fmt.Errorf("opportunity %s: unsupported chain in cross-chain pair", o.ID)
		}
	}
	return nil
}

func isPositiveIntString(s string) bool {
	if s == "" {
		return false
	}
	allZero := true
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			allZero = false
		}
	}
	return !allZero
}

// JSON marshals the opportunity for the hot write paths that publish it
// back onto a stream.
func (o *Opportunity) JSON() []byte {
	b, _ := json.Marshal(o)
	return b
}
