// CleanSheet is a document sanitization gateway.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package models defines the data types shared between the gateway, the
// sanitization pipeline, and the scan ledger.
package models

import (
	"fmt"
	"time"
)

// JobState tracks a submission through the sanitization lifecycle.
type JobState string

const (
	StateReceived  JobState = "received"
	StateStaged    JobState = "staged"
	StatePreScored JobState = "pre_scored"
	StateSandboxed JobState = "sandboxed"
	StateProduced  JobState = "produced"
	StateDelivered JobState = "delivered"
	StateFailed    JobState = "failed"
)

// Terminal reports whether a job in this state is finished.
func (s JobState) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// VerdictKind classifies the interpreted outcome of a reputation query.
type VerdictKind string

const (
	VerdictClean         VerdictKind = "clean"
	VerdictSuspicious    VerdictKind = "suspicious"
	VerdictMalicious     VerdictKind = "malicious"
	VerdictIndeterminate VerdictKind = "indeterminate"
)

// Verdict is the interpreted outcome of a reputation-service query.
// Count carries the number of engines that flagged the file; EnginesTotal
// carries the number of engines that returned a result. Reason is only
// set for indeterminate verdicts.
type Verdict struct {
	Kind         VerdictKind `json:"kind"`
	Count        int         `json:"count,omitempty"`
	EnginesTotal int         `json:"engines_total,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Clean builds a clean verdict over the given engine count.
func Clean(enginesTotal int) Verdict {
	return Verdict{Kind: VerdictClean, EnginesTotal: enginesTotal}
}

// Suspicious builds a suspicious verdict.
func Suspicious(count, enginesTotal int) Verdict {
	return Verdict{Kind: VerdictSuspicious, Count: count, EnginesTotal: enginesTotal}
}

// Malicious builds a malicious verdict.
func Malicious(count int) Verdict {
	return Verdict{Kind: VerdictMalicious, Count: count}
}

// Indeterminate builds an indeterminate verdict with a reason.
func Indeterminate(reason string) Verdict {
	return Verdict{Kind: VerdictIndeterminate, Reason: reason}
}

// Threat reports whether the verdict should trigger a threat warning.
// Indeterminate verdicts are not threats; they are fail-open.
func (v Verdict) Threat() bool {
	return v.Kind == VerdictMalicious || v.Kind == VerdictSuspicious
}

// String renders the verdict as the user-facing detail line.
func (v Verdict) String() string {
	switch v.Kind {
	case VerdictMalicious:
		return fmt.Sprintf("THREAT DETECTED: %d engines flagged as malicious", v.Count)
	case VerdictSuspicious:
		return fmt.Sprintf("SUSPICIOUS: %d engines flagged as suspicious", v.Count)
	case VerdictClean:
		return fmt.Sprintf("Clean (0/%d engines)", v.EnginesTotal)
	case VerdictIndeterminate:
		return fmt.Sprintf("Indeterminate (%s)", v.Reason)
	default:
		return string(v.Kind)
	}
}

// Job is one submission owned by the job controller. Jobs live in memory
// only; they are created on submission and destroyed after delivery or
// terminal failure.
type Job struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	SafeName     string    `json:"safe_name"`
	SHA256       string    `json:"sha256"`
	InputPath    string    `json:"-"`
	OutputPath   string    `json:"-"`
	PreScan      *Verdict  `json:"pre_scan,omitempty"`
	PostScan     *Verdict  `json:"post_scan,omitempty"`
	State        JobState  `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScanRecord is the terminal-outcome row appended to the scan ledger.
// It is informational only and never read back into job control.
type ScanRecord struct {
	JobID        string    `json:"job_id" db:"job_id"`
	OriginalName string    `json:"original_name" db:"original_name"`
	SHA256       string    `json:"sha256" db:"sha256"`
	PreVerdict   string    `json:"pre_verdict" db:"pre_verdict"`
	PostVerdict  string    `json:"post_verdict" db:"post_verdict"`
	FinalState   JobState  `json:"final_state" db:"final_state"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	FinishedAt   time.Time `json:"finished_at" db:"finished_at"`
}
