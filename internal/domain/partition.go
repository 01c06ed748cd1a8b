package domain

import (
	"fmt"
	"strings"
)

// Partition tags browsing state as persistent or ephemeral
type Partition string

const (
	PartitionNormal  Partition = "normal"  // Persists across restarts
	PartitionPrivate Partition = "private" // Never persisted, wiped on window close
)

// NormalContextID is the storage context shared by every Normal window.
// Private windows each get their own context identifier.
const NormalContextID = "normal"

// IsPrivate reports whether the partition is ephemeral
func (p Partition) IsPrivate() bool {
	return p == PartitionPrivate
}

// ValidatePartition checks if a partition is valid
func ValidatePartition(p Partition) bool {
	return p == PartitionNormal || p == PartitionPrivate
}

// ParsePartition parses a partition name, defaulting to Normal when empty
func ParsePartition(s string) (Partition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PartitionNormal):
		return PartitionNormal, nil
	case string(PartitionPrivate), "incognito":
		return PartitionPrivate, nil
	default:
		return "", fmt.Errorf("invalid partition: %q", s)
	}
}

// Origin attributes a download or write to the partition that produced it
type Origin struct {
	Partition Partition
	ContextID string
	TabID     string
}
