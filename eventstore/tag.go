package eventstore

import (
	"fmt"
	"hash/fnv"
)

const (
	defaultTagPrefix = "carts"
	defaultTagCount  = 3
)

// Tagger assigns each persistence ID to exactly one of a fixed number of tags.
//
// The assignment is a pure function of the persistence ID (FNV-1a hash modulo the number of tags),
// so all events of one persistence ID always end up in the same tag, which keeps the per-key order
// for any consumer that reads a single tag.
//
// The number of tags must never change for an existing store, otherwise streams would move between tags.
type Tagger struct {
	prefix string
	tags   []string
}

// NewTagger creates a Tagger with numberOfTags tags named "<prefix>-0" ... "<prefix>-<n-1>".
// An empty prefix or a non-positive number falls back to the defaults ("carts", 3).
func NewTagger(prefix string, numberOfTags int) Tagger {
	if prefix == "" {
		prefix = defaultTagPrefix
	}

	if numberOfTags <= 0 {
		numberOfTags = defaultTagCount
	}

	tags := make([]string, numberOfTags)
	for i := range tags {
		tags[i] = fmt.Sprintf("%s-%d", prefix, i)
	}

	return Tagger{prefix: prefix, tags: tags}
}

// TagFor returns the tag of the given persistence ID.
func (t Tagger) TagFor(persistenceID string) string {
	return t.tags[t.IndexFor(persistenceID)]
}

// IndexFor returns the index of the tag of the given persistence ID.
func (t Tagger) IndexFor(persistenceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(persistenceID))

	return int(h.Sum32() % uint32(len(t.tags)))
}

// Tags returns all tags, ordered by index.
func (t Tagger) Tags() []string {
	tags := make([]string, len(t.tags))
	copy(tags, t.tags)

	return tags
}
