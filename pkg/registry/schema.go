// pkg/registry/schema.go
package registry

// TemplateRegistry is the on-disk layout of a template file. A file may also
// hold a single bare Template.
type TemplateRegistry struct {
	Version     string     `json:"version" yaml:"version"`
	LastUpdated string     `json:"lastUpdated,omitempty" yaml:"lastUpdated,omitempty"`
	Templates   []Template `json:"templates" yaml:"templates"`
}

// Template maps an intent onto the shape of one fleet API call.
type Template struct {
	ID             string                 `json:"id" yaml:"id"`
	Description    string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Intent         string                 `json:"intent,omitempty" yaml:"intent,omitempty"`
	Priority       int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Abstract       bool                   `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Endpoint       string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method         string                 `json:"method,omitempty" yaml:"method,omitempty"`
	RequiredFields []string               `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	Body           map[string]interface{} `json:"body,omitempty" yaml:"body,omitempty"`
	Extends        string                 `json:"extends,omitempty" yaml:"extends,omitempty"`
	Schema         *Schema                `json:"schema,omitempty" yaml:"schema,omitempty"`
	JSONSchema     map[string]interface{} `json:"json_schema,omitempty" yaml:"json_schema,omitempty"`
	Tags           []string               `json:"tags,omitempty" yaml:"tags,omitempty"`

	// ResolvedFrom lists the extends chain, root first. Only set on resolved templates.
	ResolvedFrom []string `json:"resolved_from,omitempty" yaml:"-"`
}

// Schema describes the generated body. Field keys are dotted paths into the
// body, e.g. "reservation.start_time".
type Schema struct {
	Required []string               `json:"required,omitempty" yaml:"required,omitempty"`
	Fields   map[string]FieldSchema `json:"fields,omitempty" yaml:"fields,omitempty"`
	Rules    []RuleSpec             `json:"rules,omitempty" yaml:"rules,omitempty"`
}

type FieldSchema struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength   *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Rules       []string `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RuleSpec attaches a named business rule to a body field at template level.
type RuleSpec struct {
	Name     string `json:"name" yaml:"name"`
	Field    string `json:"field" yaml:"field"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"` // "error" (default) or "warning"
}
