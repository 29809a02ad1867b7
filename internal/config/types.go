package config

// Kind enumerates the supported config item types. The set is closed.
type Kind string

const (
	KindString      Kind = "string"
	KindInteger     Kind = "integer"
	KindFloat       Kind = "float"
	KindBoolean     Kind = "boolean"
	KindOption      Kind = "option"
	KindMultiOption Kind = "multi-option"
)

// Item is one typed, named, validated configuration slot declared by a
// module manifest.
type Item struct {
	Type     Kind   `json:"type"`
	Name     string `json:"name"`
	Alias    string `json:"alias"`
	Required bool   `json:"required"`
	Editable bool   `json:"editable"`
	Default  any    `json:"default,omitempty"`
	Spec     Spec   `json:"spec,omitempty"`
}

// Spec carries the per-kind constraints. Unused fields stay nil.
type Spec struct {
	// Regex applies to string items; full match required.
	Regex *string `json:"regex,omitempty"`

	// Min/Max bound integer and float items (inclusive, either optional).
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Values is the allowed set for option/multi-option items.
	Values []any `json:"values,omitempty"`

	// MinCount/MaxCount bound multi-option element counts.
	MinCount *int `json:"minCount,omitempty"`
	MaxCount *int `json:"maxCount,omitempty"`
}
