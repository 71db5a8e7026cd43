// Package memory implements the content-keyed persistent store the voice
// pipeline reads and writes through its LLM functions (remember, recall,
// forget, update_memory).
//
// Records are addressed by a normalized key (lowercase, [a-z0-9-]+). Records
// flagged as facts are protected: pipeline-invoked removal and update fail
// with a protected result, and only the admin path may pass force to bypass
// that.
//
// A read-through in-memory cache mirrors the database; cache and database are
// always updated inside the same critical section so readers never observe a
// half-applied write.
package memory

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Category classifies a record for prompt construction and admin grouping.
type Category string

const (
	CategoryFamily        Category = "family"
	CategoryHealth        Category = "health"
	CategoryPreferences   Category = "preferences"
	CategoryTopicsToAvoid Category = "topics_to_avoid"
	CategoryGeneral       Category = "general"
)

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryFamily, CategoryHealth, CategoryPreferences, CategoryTopicsToAvoid, CategoryGeneral:
		return true
	}
	return false
}

// Record is one persistent memory entry.
type Record struct {
	Key          string    `json:"key"`
	Content      string    `json:"content"`
	Category     Category  `json:"category"`
	IsFact       bool      `json:"is_fact"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// SaveAction reports whether a Save created a new record or replaced one.
type SaveAction string

const (
	ActionCreated SaveAction = "created"
	ActionUpdated SaveAction = "updated"
)

// SaveResult is the outcome of a Save call.
type SaveResult struct {
	Key    string
	Action SaveAction
}

// MutationResult is the outcome of Remove and Update.
type MutationResult string

const (
	ResultOK        MutationResult = "ok"
	ResultNotFound  MutationResult = "not_found"
	ResultProtected MutationResult = "protected"
)

// KeyList groups stored keys by protection status for system-prompt context.
type KeyList struct {
	Facts    []string `json:"facts"`
	Memories []string `json:"memories"`
}

// KeyGenerator derives a storage key from record content. The LLM adapter
// provides the production implementation; when unavailable the store falls
// back to [FallbackKey].
type KeyGenerator interface {
	GenerateKey(ctx context.Context, content string) (string, error)
}

// Store is the pipeline-facing interface. Implementations must be safe for
// concurrent use; writes to the same key are serialized.
type Store interface {
	// Save persists content under key. An empty key is derived from content.
	// Saving an existing key updates it; the is_fact flag of an existing
	// record is preserved.
	Save(ctx context.Context, key, content string, category Category, isFact bool) (SaveResult, error)

	// Get returns the record, or (nil, nil) when absent. Touches
	// last_accessed asynchronously.
	Get(ctx context.Context, key string) (*Record, error)

	// Search returns records whose key contains query as a substring, with a
	// phonetic near-miss fallback when nothing matches literally.
	Search(ctx context.Context, query string) ([]Record, error)

	// Remove deletes the record. Fact records are protected unless force.
	Remove(ctx context.Context, key string, force bool) (MutationResult, error)

	// Update replaces content (and category when non-empty). Fact records
	// are protected unless force.
	Update(ctx context.Context, key, content string, category Category, force bool) (MutationResult, error)

	// ListKeys returns all stored keys grouped by protection status.
	ListKeys(ctx context.Context) (KeyList, error)
}

var nonKeyChars = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeKey lowercases s and collapses every run of non-alphanumeric
// characters into a single hyphen. Deterministic and free of shared state.
func NormalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonKeyChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// fallbackKeyWords caps how much of the content feeds the derived key.
const fallbackKeyWords = 5

// FallbackKey derives a key from the leading words of content. Used when no
// key generator is configured or the generator fails.
func FallbackKey(content string) string {
	words := strings.Fields(content)
	if len(words) > fallbackKeyWords {
		words = words[:fallbackKeyWords]
	}
	return NormalizeKey(strings.Join(words, " "))
}
