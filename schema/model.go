package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// IndexDefinition describes a secondary index. Global indexes carry their own
// hash key; local indexes reuse the table's hash key and leave HashKey empty.
// The query planner routes on these in declaration order.
type IndexDefinition struct {
	Name       string   `yaml:"name"`
	HashKey    string   `yaml:"hashKey,omitempty"`
	RangeKey   string   `yaml:"rangeKey"`
	Projection []string `yaml:"projection,omitempty"`
}

// ModelDefinition describes one document type and the physical table it maps
// to. Name doubles as the discriminator value for single-table inheritance.
type ModelDefinition struct {
	Name      string `yaml:"name"`
	TableName string `yaml:"table"`

	HashKey  string `yaml:"hashKey"`
	RangeKey string `yaml:"rangeKey,omitempty"`

	// LockField names an integer field used for optimistic locking. Empty
	// disables lock checks for this model.
	LockField string `yaml:"lockField,omitempty"`

	// DiscriminatorField names the attribute that selects a registered
	// subtype on load. Empty disables subtype dispatch.
	DiscriminatorField string `yaml:"discriminatorField,omitempty"`

	// Timestamps maintains created_at/updated_at datetime fields on writes.
	Timestamps bool `yaml:"timestamps,omitempty"`

	Fields []FieldDef `yaml:"fields"`

	GlobalIndexes []IndexDefinition `yaml:"globalIndexes,omitempty"`
	LocalIndexes  []IndexDefinition `yaml:"localIndexes,omitempty"`
}

// Field looks up a declared field by name.
func (m *ModelDefinition) Field(name string) (FieldDef, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// HashKeyField returns the declared field backing the hash key.
func (m *ModelDefinition) HashKeyField() (FieldDef, bool) {
	return m.Field(m.HashKey)
}

// RangeKeyField returns the declared field backing the range key, if any.
func (m *ModelDefinition) RangeKeyField() (FieldDef, bool) {
	if m.RangeKey == "" {
		return FieldDef{}, false
	}
	return m.Field(m.RangeKey)
}

// Indexes returns all secondary indexes in declaration order, globals first.
func (m *ModelDefinition) Indexes() []IndexDefinition {
	out := make([]IndexDefinition, 0, len(m.GlobalIndexes)+len(m.LocalIndexes))
	out = append(out, m.GlobalIndexes...)
	out = append(out, m.LocalIndexes...)
	return out
}

// IndexHashKey resolves the hash key an index queries on: its own for global
// indexes, the table's for local ones.
func (m *ModelDefinition) IndexHashKey(idx IndexDefinition) string {
	if idx.HashKey != "" {
		return idx.HashKey
	}
	return m.HashKey
}

// Validate checks internal consistency and fills in the implicitly declared
// fields (lock field, timestamps, discriminator) when missing.
func (m *ModelDefinition) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if m.TableName == "" {
		return fmt.Errorf("model %s: table name is required", m.Name)
	}
	if m.HashKey == "" {
		return fmt.Errorf("model %s: hash key is required", m.Name)
	}
	if _, ok := m.Field(m.HashKey); !ok {
		m.Fields = append(m.Fields, FieldDef{Name: m.HashKey, Type: String})
	}
	if m.RangeKey != "" {
		if _, ok := m.Field(m.RangeKey); !ok {
			return fmt.Errorf("model %s: range key %q is not a declared field", m.Name, m.RangeKey)
		}
	}
	if m.LockField != "" {
		f, ok := m.Field(m.LockField)
		if !ok {
			m.Fields = append(m.Fields, FieldDef{Name: m.LockField, Type: Integer})
		} else if f.Type != Integer {
			return fmt.Errorf("model %s: lock field %q must be an integer field, got %s", m.Name, m.LockField, f.Type)
		}
	}
	if m.DiscriminatorField != "" {
		if _, ok := m.Field(m.DiscriminatorField); !ok {
			m.Fields = append(m.Fields, FieldDef{Name: m.DiscriminatorField, Type: String})
		}
	}
	if m.Timestamps {
		for _, name := range []string{"created_at", "updated_at"} {
			if _, ok := m.Field(name); !ok {
				m.Fields = append(m.Fields, FieldDef{Name: name, Type: DateTime})
			}
		}
	}
	for _, idx := range m.Indexes() {
		if idx.Name == "" {
			return fmt.Errorf("model %s: index name is required", m.Name)
		}
		if idx.RangeKey == "" {
			return fmt.Errorf("model %s: index %s: range key is required", m.Name, idx.Name)
		}
		for _, key := range []string{m.IndexHashKey(idx), idx.RangeKey} {
			if _, ok := m.Field(key); !ok {
				return fmt.Errorf("model %s: index %s: key %q is not a declared field", m.Name, idx.Name, key)
			}
		}
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("model %s: field name is required", m.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("model %s: duplicate field %q", m.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Schema is the root type for YAML-declared model definitions.
type Schema struct {
	Models []*ModelDefinition `yaml:"models"`
}

// LoadSchema parses and validates a YAML schema document.
func LoadSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for _, m := range s.Models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
