package model

import "testing"

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want PriorityClass
	}{
		{"critical", PriorityCritical},
		{"CRITICAL", PriorityCritical},
		{" High ", PriorityHigh},
		{"medium", PriorityMedium},
		{"low", PriorityLow},
		{"urgent-ish", PriorityMedium},
		{"", PriorityMedium},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	ordered := []PriorityClass{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i-1].MoreUrgent(ordered[i]) {
			t.Errorf("expected %s to outrank %s", ordered[i-1], ordered[i])
		}
	}
	if PriorityClass("bogus").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priority should rank below low")
	}
}
