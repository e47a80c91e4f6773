package privacy

import "strings"

// AllowList validates interaction types and metadata keys against the set of
// educational-purpose tags. A hard gate on both client and server: anything
// off-list never reaches durable storage.
type AllowList struct {
	interactionTypes map[string]bool
	metadataKeys     map[string]bool
}

// DefaultInteractionTypes is the stock educational-purpose tag set. The
// lesson catalog collaborator may extend it per deployment.
var DefaultInteractionTypes = []string{
	"peer_help",
	"group_discussion",
	"turn_taking",
	"conflict_resolution",
	"active_listening",
	"idea_sharing",
	"presentation",
	"question_asked",
	"encouragement_given",
	"task_initiation",
	"collaboration",
	"reflection",
}

// DefaultMetadataKeys is the stock set of non-PII metadata keys permitted on
// an event's free-form metadata map.
var DefaultMetadataKeys = []string{
	"activity_kind",
	"group_size",
	"lesson_phase",
	"duration_bucket",
	"prompt_id",
}

// NewAllowList creates an AllowList from the given tag sets. Empty slices
// fall back to the defaults.
func NewAllowList(interactionTypes, metadataKeys []string) *AllowList {
	if len(interactionTypes) == 0 {
		interactionTypes = DefaultInteractionTypes
	}
	if len(metadataKeys) == 0 {
		metadataKeys = DefaultMetadataKeys
	}

	al := &AllowList{
		interactionTypes: make(map[string]bool, len(interactionTypes)),
		metadataKeys:     make(map[string]bool, len(metadataKeys)),
	}
	for _, t := range interactionTypes {
		al.interactionTypes[normalizeTag(t)] = true
	}
	for _, k := range metadataKeys {
		al.metadataKeys[normalizeTag(k)] = true
	}
	return al
}

// DefaultAllowList creates an AllowList with the stock tag sets.
func DefaultAllowList() *AllowList {
	return NewAllowList(nil, nil)
}

// AllowsInteractionType reports whether the interaction type is on the list.
func (al *AllowList) AllowsInteractionType(t string) bool {
	return al.interactionTypes[normalizeTag(t)]
}

// AllowsMetadataKey reports whether the metadata key is on the list.
func (al *AllowList) AllowsMetadataKey(k string) bool {
	return al.metadataKeys[normalizeTag(k)]
}

// DisallowedMetadataKeys returns the metadata keys of m that are off-list.
func (al *AllowList) DisallowedMetadataKeys(m map[string]string) []string {
	var bad []string
	for k := range m {
		if !al.AllowsMetadataKey(k) {
			bad = append(bad, k)
		}
	}
	return bad
}

func normalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
