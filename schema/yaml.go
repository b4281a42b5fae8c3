package schema

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
)

// yamlDoc is the on-disk shape a schema file is parsed from: a flat list
// of event types and fields, each with an explicit numeric id so the
// ids stay stable across process restarts (required for replay logs to
// remain readable after a schema file is edited to add new fields).
type yamlDoc struct {
	EventTypes []struct {
		Name string          `yaml:"name"`
		ID   event.EventTypeID `yaml:"id"`
	} `yaml:"event_types"`
	Fields []struct {
		Path string `yaml:"path"`
		ID   event.FieldID `yaml:"id"`
		Type string `yaml:"type"`
	} `yaml:"fields"`
}

var typeNames = map[string]DataType{
	"i64":    TypeI64,
	"u64":    TypeU64,
	"f64":    TypeF64,
	"bool":   TypeBool,
	"string": TypeString,
	"bytes":  TypeBytes,
	"array":  TypeArray,
	"null":   TypeNull,
}

// LoadYAML reads a schema definition file (event types and fields with
// explicit ids) into a fresh InMemoryRegistry, the CLI's way of
// supplying schema.Registry without hardcoding a fixed field set (per
// this package's own doc comment: schema discovery is a collaborator's
// concern, and the YAML file is cmd/kestrel's collaborator).
func LoadYAML(path string) (*InMemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidFormat, err, "reading schema file %q", path)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidFormat, err, "parsing schema file %q", path)
	}

	reg := NewInMemoryRegistry()
	for _, et := range doc.EventTypes {
		reg.RegisterEventType(et.Name, et.ID)
	}
	for _, f := range doc.Fields {
		dt, ok := typeNames[f.Type]
		if !ok {
			return nil, kerrors.New(kerrors.SchemaMismatch, "field %q declares unknown type %q", f.Path, f.Type)
		}
		reg.RegisterField(f.Path, f.ID, dt)
	}
	return reg, nil
}
