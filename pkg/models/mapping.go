package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MappingConfig represents the root of the JSON mapping file.
type MappingConfig struct {
	Version   string               `json:"version"`
	Pipelines []PipelineDefinition `json:"pipelines"`
}

// PipelineDefinition describes one data source and the table it is imported into.
type PipelineDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Table       string         `json:"table"`
	ConflictKey ConflictKey    `json:"conflictKey"`
	BatchSize   int            `json:"batchSize,omitempty"`
	MaxRetries  *int           `json:"maxRetries,omitempty"`
	Source      SourceConfig   `json:"source"`
	Passthrough bool           `json:"passthrough,omitempty"`
	Exclude     []string       `json:"exclude,omitempty"`
	ShardColumn string         `json:"shardColumn,omitempty"`
	Constants   map[string]any `json:"constants,omitempty"`
	Fields      []FieldConfig  `json:"fields,omitempty"`
	// Renames maps record column names to the names the target table uses.
	Renames map[string]string `json:"renames,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// FilterColumns drops record columns the target table does not have,
	// for stores that can list a table's columns.
	FilterColumns bool `json:"filterColumns,omitempty"`
	// Destinations, when set, replace the STORE target with one or more
	// Supabase projects.
	Destinations []Destination `json:"destinations,omitempty"`
}

// Destination is a Supabase project the pipeline writes to. Credentials are
// read from the environment variables it names, never from the mapping file.
type Destination struct {
	Name   string `json:"name"`
	URLEnv string `json:"urlEnv"`
	KeyEnv string `json:"keyEnv"`
	Schema string `json:"schema,omitempty"`
	// Table defaults to the pipeline's table.
	Table string `json:"table,omitempty"`
	// Optional destinations are skipped when unconfigured, and their
	// failures do not fail the run.
	Optional bool `json:"optional,omitempty"`
}

// TargetTable returns the table d writes to.
func (d Destination) TargetTable(p *PipelineDefinition) string {
	if d.Table != "" {
		return d.Table
	}
	return p.Table
}

type SourceConfig struct {
	// URL may contain a {shard} placeholder expanded for every entry in Shards.
	URL       string   `json:"url"`
	Shards    []string `json:"shards,omitempty"`
	Delimiter string   `json:"delimiter,omitempty"`
	Archive   string   `json:"archive,omitempty"` // "" or "zip"
	Timeout   Duration `json:"timeout,omitempty"`
}

type FieldConfig struct {
	Column   string   `json:"column"`
	From     []string `json:"from"`
	Type     string   `json:"type,omitempty"`
	Format   string   `json:"format,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Duration decodes "30s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Find returns the pipeline with the given name, or nil.
func (m *MappingConfig) Find(name string) *PipelineDefinition {
	for i := range m.Pipelines {
		if m.Pipelines[i].Name == name {
			return &m.Pipelines[i]
		}
	}
	return nil
}

// Validate checks a single pipeline definition for obvious mistakes.
func (p *PipelineDefinition) Validate() error {
	var errs []string
	if p.Name == "" {
		errs = append(errs, "name is required")
	}
	if p.Table == "" {
		errs = append(errs, "table is required")
	}
	if len(p.ConflictKey) == 0 {
		errs = append(errs, "conflictKey must list at least one column")
	}
	if p.Source.URL == "" {
		errs = append(errs, "source.url is required")
	}
	if strings.Contains(p.Source.URL, ShardPlaceholder) && len(p.Source.Shards) == 0 {
		errs = append(errs, "source.url has a {shard} placeholder but no shards are listed")
	}
	if p.Source.Archive != "" && p.Source.Archive != "zip" {
		errs = append(errs, fmt.Sprintf("source.archive %q is not supported", p.Source.Archive))
	}
	if p.BatchSize < 0 {
		errs = append(errs, "batchSize must not be negative")
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		errs = append(errs, "maxRetries must not be negative")
	}
	if !p.Passthrough && len(p.Fields) == 0 {
		errs = append(errs, "fields are required unless passthrough is set")
	}
	for i, f := range p.Fields {
		if f.Column == "" {
			errs = append(errs, fmt.Sprintf("fields[%d]: column is required", i))
		}
		if len(f.From) == 0 {
			errs = append(errs, fmt.Sprintf("fields[%d] (%s): from must list at least one source column", i, f.Column))
		}
	}

	for from, to := range p.Renames {
		if from == "" || to == "" {
			errs = append(errs, "renames must map non-empty column names")
			break
		}
	}
	seen := make(map[string]bool, len(p.Destinations))
	for i, d := range p.Destinations {
		if d.Name == "" || d.URLEnv == "" || d.KeyEnv == "" {
			errs = append(errs, fmt.Sprintf("destinations[%d]: name, urlEnv and keyEnv are required", i))
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Sprintf("destinations[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("pipeline %q: %s", p.Name, strings.Join(errs, "; "))
	}
	return nil
}

// ShardPlaceholder is replaced by the shard name in SourceConfig.URL.
const ShardPlaceholder = "{shard}"

// LoadMapping parses and validates a mapping document.
func LoadMapping(data []byte) (*MappingConfig, error) {
	var m MappingConfig
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for i := range m.Pipelines {
		if err := m.Pipelines[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}
