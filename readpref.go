package tenantmigration

import (
	"fmt"
	"sort"
	"strings"
)

// ReadPrefMode names which donor member role a connection may target.
type ReadPrefMode string

const (
	// PrimaryOnly requires the current donor primary.
	PrimaryOnly ReadPrefMode = "primary"
	// SecondaryOnly requires a non-primary member.
	SecondaryOnly ReadPrefMode = "secondary"
	// PrimaryPreferred targets the primary, falling back to a secondary.
	PrimaryPreferred ReadPrefMode = "primaryPreferred"
	// SecondaryPreferred targets a secondary, falling back to the primary.
	SecondaryPreferred ReadPrefMode = "secondaryPreferred"
	// Nearest accepts any member.
	Nearest ReadPrefMode = "nearest"
)

var readPrefModes = map[ReadPrefMode]bool{
	PrimaryOnly:        true,
	SecondaryOnly:      true,
	PrimaryPreferred:   true,
	SecondaryPreferred: true,
	Nearest:            true,
}

// ParseReadPrefMode validates a wire-form mode string.
func ParseReadPrefMode(s string) (ReadPrefMode, error) {
	m := ReadPrefMode(s)
	if !readPrefModes[m] {
		return "", fmt.Errorf("unknown read preference mode %q", s)
	}
	return m, nil
}

// ReadPreference is the donor member selection policy for a migration: a
// mode plus optional tag constraints a member must carry to qualify.
type ReadPreference struct {
	Mode ReadPrefMode      `json:"mode"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Validate checks the mode is one of the defined set.
func (p ReadPreference) Validate() error {
	if !readPrefModes[p.Mode] {
		return fmt.Errorf("unknown read preference mode %q", p.Mode)
	}
	return nil
}

// MatchesTags reports whether a member carrying memberTags satisfies every
// tag constraint of p. A policy without tags matches every member.
func (p ReadPreference) MatchesTags(memberTags map[string]string) bool {
	for k, v := range p.Tags {
		if memberTags[k] != v {
			return false
		}
	}
	return true
}

func (p ReadPreference) String() string {
	if len(p.Tags) == 0 {
		return string(p.Mode)
	}
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p.Tags[k])
	}
	return fmt.Sprintf("%s{%s}", p.Mode, strings.Join(parts, ","))
}
