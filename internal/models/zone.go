package models

import (
	"fmt"
	"strings"
	"time"
)

// ProtectionLevel is the enforcement level bound to a path pattern.
type ProtectionLevel string

const (
	LevelNone         ProtectionLevel = "NONE"
	LevelSurgicalOnly ProtectionLevel = "SURGICAL_ONLY"
	LevelDoNotTouch   ProtectionLevel = "DO_NOT_TOUCH"
)

// Rank orders levels by restrictiveness.
func (l ProtectionLevel) Rank() int {
	switch l {
	case LevelSurgicalOnly:
		return 1
	case LevelDoNotTouch:
		return 2
	default:
		return 0
	}
}

// ParseProtectionLevel accepts the canonical names case-insensitively.
func ParseProtectionLevel(s string) (ProtectionLevel, error) {
	switch ProtectionLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelNone:
		return LevelNone, nil
	case LevelSurgicalOnly:
		return LevelSurgicalOnly, nil
	case LevelDoNotTouch:
		return LevelDoNotTouch, nil
	}
	return "", fmt.Errorf("unknown protection level %q", s)
}

// ProtectionZone binds a path pattern to an enforcement level and an optional
// operation whitelist. System zones cannot be deleted.
type ProtectionZone struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"projectId"`
	PathPattern       string          `json:"pathPattern"`
	Level             ProtectionLevel `json:"level"`
	Reason            string          `json:"reason,omitempty"`
	AllowedOperations []OperationType `json:"allowedOperations,omitempty"`
	IsSystem          bool            `json:"isSystem"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Allows reports whether op is whitelisted. An empty whitelist allows everything.
func (z *ProtectionZone) Allows(op OperationType) bool {
	if len(z.AllowedOperations) == 0 {
		return true
	}
	for _, allowed := range z.AllowedOperations {
		if allowed == op {
			return true
		}
	}
	return false
}

// ZoneCheckResult is the outcome of classifying one path/operation pair.
type ZoneCheckResult struct {
	Level       ProtectionLevel `json:"level"`
	MatchedZone *ProtectionZone `json:"matchedZone"`
	Blocked     bool            `json:"blocked"`
	Reason      string          `json:"reason"`
}
