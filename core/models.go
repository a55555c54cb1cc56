package core

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for stored fragments.
// It is generated from database sequences unless the caller supplies one.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// Identical content always produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// Status is the lifecycle state of a fragment.
type Status int

const (
	// StatusActive fragments are visible to search.
	StatusActive Status = iota + 1
	// StatusDeleted fragments are retained but never returned by search.
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseStatus converts the textual form produced by Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "deleted":
		return StatusDeleted, nil
	default:
		return 0, ErrInvalidStatus
	}
}

// Metadata describes where a fragment came from and who owns it.
type Metadata struct {
	OwnerID     string            `validate:"required,max=128"`
	ProjectID   string            `validate:"omitempty,max=128"`
	DocumentID  string            `validate:"omitempty,max=128"`
	ChunkID     string            `validate:"omitempty,max=128"`
	ChunkIndex  int               `validate:"gte=0"`
	TotalChunks int               `validate:"gte=0"`
	Source      string            `validate:"omitempty,max=64"`
	Tags        []string          `validate:"max=64,dive,required,max=64"`
	Custom      map[string]string `validate:"max=32,dive,keys,required,max=64,endkeys,max=1024"`
}

// HasTag reports whether the metadata carries tag.
func (m *Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Fragment is the indexed unit of text.
type Fragment struct {
	Id          ID
	Content     string
	ContentHash string
	Vector      []float32 // Empty when Content is blank
	Metadata    Metadata
	Status      Status
	IngestedAt  time.Time
	UpdatedAt   time.Time
	AccessCount uint64
}

// IsBlank reports whether the fragment has no embeddable content.
func (f *Fragment) IsBlank() bool {
	return strings.TrimSpace(f.Content) == ""
}

// IsSearchable reports whether the fragment can match a query vector.
func (f *Fragment) IsSearchable() bool {
	return f.Status == StatusActive && len(f.Vector) > 0
}

// Clone returns a deep copy of the fragment.
func (f *Fragment) Clone() *Fragment {
	c := *f
	if f.Vector != nil {
		c.Vector = append([]float32(nil), f.Vector...)
	}
	if f.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), f.Metadata.Tags...)
	}
	if f.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(f.Metadata.Custom))
		for k, v := range f.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	return &c
}

// ScoredFragment pairs a fragment with the score that ranked it.
// For relevance search the score is cosine similarity; for MMR it is the
// marginal relevance value at the time the fragment was selected.
type ScoredFragment struct {
	Fragment *Fragment
	Score    float32
}
