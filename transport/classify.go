package transport

import "strings"

// Classifier decides whether a raw transport error should be treated as
// BrokenWorld. REDESIGN FLAG (spec.md §9): "expose the classified set as a
// configurable list rather than hard-coding it" — the substring set is data
// (config.TransportConfig.ClassifiedFaultSubstrings), not a constant here.
type Classifier struct {
	substrings []string
}

// NewClassifier builds a Classifier from a configured substring list.
func NewClassifier(substrings []string) *Classifier {
	cp := make([]string, len(substrings))
	copy(cp, substrings)
	return &Classifier{substrings: cp}
}

// IsWorldBreaking reports whether err's message matches one of the
// classified fault substrings. A nil error never matches.
func (c *Classifier) IsWorldBreaking(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range c.substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Update replaces the substring set, e.g. after a config hot-reload
// (config.Watcher).
func (c *Classifier) Update(substrings []string) {
	cp := make([]string, len(substrings))
	copy(cp, substrings)
	c.substrings = cp
}
