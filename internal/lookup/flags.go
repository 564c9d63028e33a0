package lookup

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Set is a membership collaborator for subject IDs.
type Set interface {
	Contains(subjectID string) bool
	Len() int
}

// StaticSet is an immutable in-memory Set.
type StaticSet struct {
	ids map[string]struct{}
}

// NewStaticSet builds a set from ids; blank entries are ignored.
func NewStaticSet(ids ...string) *StaticSet {
	s := &StaticSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Contains reports membership.
func (s *StaticSet) Contains(subjectID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[subjectID]
	return ok
}

// Len returns the number of members.
func (s *StaticSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// Flags annotates a lookup result. It has no effect on quota.
type Flags struct {
	Flagged               bool `json:"flagged"`
	SecondaryFlagged      bool `json:"secondary_flagged"`
	FlaggedCount          int  `json:"flagged_count"`
	SecondaryFlaggedCount int  `json:"secondary_flagged_count"`
}

// Counts are the figures reported for members of each set.
type Counts struct {
	Flagged   int
	Secondary int
}

// Classifier evaluates subject IDs against the flagged and secondary sets.
// The sets can be swapped at runtime.
type Classifier struct {
	mu        sync.RWMutex
	flagged   Set
	secondary Set
	counts    Counts
}

// NewClassifier creates a classifier. Nil sets are treated as empty.
func NewClassifier(flagged, secondary Set, counts Counts) *Classifier {
	c := &Classifier{counts: counts}
	c.Replace(flagged, secondary)
	return c
}

// Classify is a pure function of subjectID and the current sets.
func (c *Classifier) Classify(subjectID string) Flags {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var f Flags
	if c.flagged.Contains(subjectID) {
		f.Flagged = true
		f.FlaggedCount = c.counts.Flagged
	}
	if c.secondary.Contains(subjectID) {
		f.SecondaryFlagged = true
		f.SecondaryFlaggedCount = c.counts.Secondary
	}
	return f
}

// Replace swaps both sets atomically.
func (c *Classifier) Replace(flagged, secondary Set) {
	if flagged == nil {
		flagged = NewStaticSet()
	}
	if secondary == nil {
		secondary = NewStaticSet()
	}
	c.mu.Lock()
	c.flagged, c.secondary = flagged, secondary
	c.mu.Unlock()
}

// Sizes returns the member count of each set.
func (c *Classifier) Sizes() (flagged, secondary int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flagged.Len(), c.secondary.Len()
}

// SetsFile is the on-disk layout of the membership sets.
type SetsFile struct {
	Flagged   []string `yaml:"flagged"`
	Secondary []string `yaml:"secondary"`
}

// LoadSetsFile reads membership sets from a YAML file.
func LoadSetsFile(path string) (*StaticSet, *StaticSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read flag sets %s: %w", path, err)
	}
	var f SetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flag sets %s: %w", path, err)
	}
	return NewStaticSet(f.Flagged...), NewStaticSet(f.Secondary...), nil
}

// ReloadFile replaces the classifier's sets with the contents of path. On
// error the current sets stay in place.
func (c *Classifier) ReloadFile(path string) error {
	flagged, secondary, err := LoadSetsFile(path)
	if err != nil {
		return err
	}
	c.Replace(flagged, secondary)
	return nil
}
