package model

import "strings"

// PriorityClass is the urgency classification assigned to an item.
type PriorityClass string

const (
	PriorityCritical PriorityClass = "critical"
	PriorityHigh     PriorityClass = "high"
	PriorityMedium   PriorityClass = "medium"
	PriorityLow      PriorityClass = "low"
)

// priorityRank maps priority classes to numeric ranks for comparison.
// Lower rank means higher urgency.
var priorityRank = map[PriorityClass]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the numeric rank of the priority (0 is most urgent).
// Unknown priorities rank below Low.
func (p PriorityClass) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Valid reports whether p is one of the four known classes.
func (p PriorityClass) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// MoreUrgent reports whether p outranks other.
func (p PriorityClass) MoreUrgent(other PriorityClass) bool {
	return p.Rank() < other.Rank()
}

// ParsePriority converts a string into a PriorityClass, accepting any case.
// Unrecognized values default to PriorityMedium so a sloppy model response
// never drops an item.
func ParsePriority(s string) PriorityClass {
	p := PriorityClass(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return PriorityMedium
}
