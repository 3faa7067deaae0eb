package models

// Tool describes one invocable capability. Names are globally unique within
// a fabric; external tools are namespaced by their provider.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ArgsSchema  map[string]any `json:"args_schema"`
}

// SearchGroup bundles results gathered for one search query.
type SearchGroup struct {
	Query   string   `json:"query"`
	Texts   []string `json:"texts"`
	Sources []string `json:"sources"`
}
