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

package models

import "testing"

func TestVerdictString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		verdict Verdict
		want    string
	}{
		{"malicious", Malicious(5), "THREAT DETECTED: 5 engines flagged as malicious"},
		{"suspicious", Suspicious(4, 70), "SUSPICIOUS: 4 engines flagged as suspicious"},
		{"clean", Clean(72), "Clean (0/72 engines)"},
		{"indeterminate", Indeterminate("timeout"), "Indeterminate (timeout)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.verdict.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerdictThreat(t *testing.T) {
	t.Parallel()

	if !Malicious(1).Threat() {
		t.Error("malicious verdict should be a threat")
	}
	if !Suspicious(4, 70).Threat() {
		t.Error("suspicious verdict should be a threat")
	}
	if Clean(70).Threat() {
		t.Error("clean verdict should not be a threat")
	}
	if Indeterminate("no API key configured").Threat() {
		t.Error("indeterminate verdict should not be a threat (fail-open)")
	}
}

func TestJobStateTerminal(t *testing.T) {
	t.Parallel()

	terminals := map[JobState]bool{
		StateReceived:  false,
		StateStaged:    false,
		StatePreScored: false,
		StateSandboxed: false,
		StateProduced:  false,
		StateDelivered: true,
		StateFailed:    true,
	}
	for state, want := range terminals {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}
