// Package sdata holds the catalog metadata the compiler resolves query-tree
// column references against: models, their storage collections, field storage
// paths and declared BSON types, and the relations used to build joins.
package sdata

import (
	"fmt"
)

// BSON type names for declared field kinds, used for index $type guards and
// search index mappings.
const (
	TypeString   = "string"
	TypeBool     = "bool"
	TypeInt      = "int"
	TypeLong     = "long"
	TypeDouble   = "double"
	TypeDecimal  = "decimal"
	TypeDate     = "date"
	TypeObject   = "object"
	TypeArray    = "array"
	TypeBinData  = "binData"
	TypeObjectID = "objectId"
)

// Field describes one stored field of a model.
type Field struct {
	// Name is the logical field name used in query trees.
	Name string
	// Column is the storage path inside the document, dotted for nested
	// fields.
	Column string
	// Type is the declared BSON type name.
	Type string
	// ForeignKey marks fields that reference another model's key. Joins on
	// two simple foreign-key columns can use the cheap field-to-field form.
	ForeignKey bool
	// Identifier marks opaque identifier fields (UUIDs and the like) that
	// don't support pattern matching.
	Identifier bool
	// Size is the fixed element count for array fields, required by vector
	// search indexes.
	Size int
}

// Relation describes a named link from one model to another, resolvable into
// a join descriptor.
type Relation struct {
	Name        string
	Model       string // related model name
	LocalField  string // field on the owning model
	RemoteField string // field on the related model
}

// Model is one queryable collection.
type Model struct {
	Name       string
	Collection string
	fields     map[string]Field
	relations  map[string]Relation
}

// NewModel builds a model from its fields and relations.
func NewModel(name, collection string, fields []Field, relations ...Relation) *Model {
	m := &Model{
		Name:       name,
		Collection: collection,
		fields:     make(map[string]Field, len(fields)),
		relations:  make(map[string]Relation, len(relations)),
	}
	for _, f := range fields {
		if f.Column == "" {
			f.Column = f.Name
		}
		m.fields[f.Name] = f
	}
	for _, r := range relations {
		m.relations[r.Name] = r
	}
	return m
}

// Field resolves a logical field name to its storage metadata.
func (m *Model) Field(name string) (Field, error) {
	f, ok := m.fields[name]
	if !ok {
		return Field{}, fmt.Errorf("sdata: model %s has no field %s", m.Name, name)
	}
	return f, nil
}

// Fields returns the model's fields keyed by logical name.
func (m *Model) Fields() map[string]Field {
	return m.fields
}

// Relation resolves a named relation on the model.
func (m *Model) Relation(name string) (Relation, error) {
	r, ok := m.relations[name]
	if !ok {
		return Relation{}, fmt.Errorf("sdata: model %s has no relation %s", m.Name, name)
	}
	return r, nil
}

// Catalog is the set of models known to one database.
type Catalog struct {
	models map[string]*Model
}

// NewCatalog builds a catalog from models.
func NewCatalog(models ...*Model) *Catalog {
	c := &Catalog{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		c.models[m.Name] = m
	}
	return c
}

// Model resolves a model by name.
func (c *Catalog) Model(name string) (*Model, error) {
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("sdata: unknown model %s", name)
	}
	return m, nil
}
