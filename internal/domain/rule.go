package domain

import "time"

// SpikeRule is an operator-defined CEL expression that can open an anomaly window
// in addition to the built-in volume and change triggers.
type SpikeRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression"`

	// Reason is reported when the rule fires.
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleResult is the output of a spike rule evaluation.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	ProcessMs int64  `json:"processMs"`
}
