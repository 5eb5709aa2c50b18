// Package graphbuilder implements the per-topic narrative extraction
// pipeline (spec.md §4.E/§4.F): cognitive-map generation, blueprint
// synthesis, triplet extraction, transactional graph materialization, and
// the reasoning-enhancement second pass. Grounded directionally on
// original_source/knowledge_graph/graph_builder.py for stage order and on
// go-light-rag's insert.go for the bounded-concurrency LLM fan-out idiom.
package graphbuilder

// Document is one source handed to Build: its stable identity and the
// extracted text the pipeline reasons over.
type Document struct {
	SourceID string
	Name     string
	Content  string
}

// CognitiveMap is stage 1's per-document output (spec.md §4.E point 1).
type CognitiveMap struct {
	Summary           string   `json:"summary"`
	KeyEntities       []string `json:"key_entities"`
	ThemeKeywords     []string `json:"theme_keywords"`
	ImportantTimeline []string `json:"important_timeline"`
}

// tripletParty is the shared shape of a triplet's subject or object.
type tripletParty struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Attributes  map[string]any `json:"attributes"`
}

// relationshipAttributes is the shared shape of a triplet's
// relationship_attributes, and of an enhanced_relationships entry (which
// additionally carries RequiresDescriptionUpdate on each party).
type relationshipAttributes struct {
	FactTime        string         `json:"fact_time,omitempty"`
	FactTimeRange   map[string]any `json:"fact_time_range,omitempty"`
	TemporalContext string         `json:"temporal_context"`
	Condition       string         `json:"condition,omitempty"`
	Scope           string         `json:"scope,omitempty"`
	Prerequisite    string         `json:"prerequisite,omitempty"`
	Impact          string         `json:"impact,omitempty"`
	Sentiment       string         `json:"sentiment"`
	Confidence      string         `json:"confidence"`
	Justification   string         `json:"justification,omitempty"`
}

// triplet is stage 3's per-document extraction unit (spec.md §4.E point 3).
type triplet struct {
	Subject                tripletParty           `json:"subject"`
	Predicate              string                 `json:"predicate"`
	Object                 tripletParty           `json:"object"`
	RelationshipAttributes relationshipAttributes `json:"relationship_attributes"`
}

// enhancedParty is a triplet party as stage 5 emits it, additionally
// flagging whether an existing entity's description should be overwritten.
type enhancedParty struct {
	tripletParty
	RequiresDescriptionUpdate bool `json:"requires_description_update"`
}

// enhancedRelationship is one element of stage 5's enhanced_relationships[].
type enhancedRelationship struct {
	Subject                enhancedParty          `json:"subject"`
	Predicate              string                 `json:"predicate"`
	Object                 enhancedParty          `json:"object"`
	RelationshipAttributes relationshipAttributes `json:"relationship_attributes"`
}

// Result tallies one Build call's effect, returned for logging/metrics.
type Result struct {
	DocumentsProcessed   int
	DocumentsSkipped     int
	EntitiesCreated      int
	RelationshipsCreated int
}
