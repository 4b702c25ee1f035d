package tree

import (
	"encoding/json"
	"fmt"
)

// DiscoveryRecord is one object from a discovery invocation. Parents are
// always emitted before their children.
type DiscoveryRecord struct {
	ID          NodeID   `json:"id"`
	Label       string   `json:"label"`
	Parent      NodeID   `json:"parent"`
	File        string   `json:"file"`
	StartLine   int      `json:"startLine"`
	EndLine     int      `json:"endLine"`
	Description string   `json:"description,omitempty"`
	Error       string   `json:"error,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// RunResult is one object from a run invocation, correlated to a node
// by identifier.
type RunResult struct {
	ID         NodeID  `json:"id"`
	Type       string  `json:"type"`
	Result     string  `json:"result"`
	Duration   float64 `json:"duration"`
	Message    string  `json:"message,omitempty"`
	Expected   string  `json:"expected,omitempty"`
	Actual     string  `json:"actual,omitempty"`
	TargetFile string  `json:"targetFile,omitempty"`
	TargetLine int     `json:"targetLine,omitempty"`
	Error      string  `json:"error,omitempty"`
	Silent     *bool   `json:"silent,omitempty"`
}

// IsBlock reports whether the result describes a container rather than an
// individual test. Container status is derived from the contained tests.
func (r RunResult) IsBlock() bool {
	return r.Type == "Block"
}

// DecodeDiscoveryRecord decodes and validates one discovery object.
// A record without an identifier cannot be placed in the tree.
func DecodeDiscoveryRecord(raw json.RawMessage) (DiscoveryRecord, error) {
	var rec DiscoveryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DiscoveryRecord{}, fmt.Errorf("decoding discovery record: %w", err)
	}
	if rec.ID == "" {
		return DiscoveryRecord{}, fmt.Errorf("discovery record missing id: %s", compact(raw))
	}
	return rec, nil
}

// DecodeRunResult decodes and validates one run-result object.
func DecodeRunResult(raw json.RawMessage) (RunResult, error) {
	var res RunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return RunResult{}, fmt.Errorf("decoding run result: %w", err)
	}
	if res.ID == "" {
		return RunResult{}, fmt.Errorf("run result missing id: %s", compact(raw))
	}
	if res.Result == "" {
		return RunResult{}, fmt.Errorf("run result missing result state: %s", compact(raw))
	}
	return res, nil
}

func compact(raw json.RawMessage) string {
	const limit = 200
	s := string(raw)
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
