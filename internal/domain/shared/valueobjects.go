package shared

import (
	"regexp"
	"strings"
)

// ClassroomID represents a unique identifier for a classroom.
type ClassroomID string

// IsValid checks if the classroom ID is valid.
func (c ClassroomID) IsValid() bool {
	return c != ""
}

// String returns the string representation of ClassroomID.
func (c ClassroomID) String() string {
	return string(c)
}

// LessonID represents a unique identifier for a lesson. The lesson catalog
// is an external collaborator; the pipeline treats lesson IDs as opaque.
type LessonID string

// IsValid checks if the lesson ID is valid.
func (l LessonID) IsValid() bool {
	return l != ""
}

// String returns the string representation of LessonID.
func (l LessonID) String() string {
	return string(l)
}

// Category is the behavioral category an interaction signal belongs to.
type Category string

const (
	CategoryEmpathy       Category = "empathy"
	CategoryConfidence    Category = "confidence"
	CategoryCommunication Category = "communication"
	CategoryLeadership    Category = "leadership"
)

// AllCategories lists every valid behavioral category.
func AllCategories() []Category {
	return []Category{
		CategoryEmpathy,
		CategoryConfidence,
		CategoryCommunication,
		CategoryLeadership,
	}
}

// IsValid checks if the category is one of the known behavioral categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryEmpathy, CategoryConfidence, CategoryCommunication, CategoryLeadership:
		return true
	default:
		return false
	}
}

// String returns the string representation of Category.
func (c Category) String() string {
	return string(c)
}

// ParseCategory parses a string into a Category, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", ErrInvalidCategory
	}
	return c, nil
}

// Score is a 1-5 interaction score.
type Score int

// MinScore and MaxScore bound the valid score range.
const (
	MinScore Score = 1
	MaxScore Score = 5
)

// IsValid checks if the score is within the valid range.
func (s Score) IsValid() bool {
	return s >= MinScore && s <= MaxScore
}

// Int returns the score as a plain int.
func (s Score) Int() int {
	return int(s)
}

// AnonymousHash is a one-way, per-day-salted digest standing in for a
// student identity. Never reversible to the original identifier.
type AnonymousHash string

// anonymousHashPattern matches a lowercase 256-bit hex digest.
var anonymousHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HashHexLength is the expected length of an anonymous subject hash.
const HashHexLength = 64

// IsValid checks the hash is exactly a 64-char lowercase hex string.
// The server never re-derives hashes; format is all it can verify.
func (h AnonymousHash) IsValid() bool {
	return anonymousHashPattern.MatchString(string(h))
}

// String returns the string representation of AnonymousHash.
func (h AnonymousHash) String() string {
	return string(h)
}
