package mql

import (
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/monrel/monrel/qtree"
	"github.com/monrel/monrel/sdata"
)

// indexOperators is the restricted operator set usable inside a partial
// index filter. Partial filters take plain query operators only; computed
// expressions, negation, and parity tests have no filter form.
var indexOperators = map[qtree.LookupName]string{
	qtree.LookupExact: "$eq",
	qtree.LookupGt:    "$gt",
	qtree.LookupGte:   "$gte",
	qtree.LookupLt:    "$lt",
	qtree.LookupLte:   "$lte",
	qtree.LookupIn:    "$in",
}

// IndexField is one key of a regular index.
type IndexField struct {
	Field      sdata.Field
	Descending bool
}

// Index describes a regular collection index, optionally unique or partial.
type Index struct {
	Name      string
	Fields    []IndexField
	Condition qtree.Node
	Unique    bool
}

// IndexModel lowers the index into a driver index model. Unique indexes get
// a per-field $type guard in the partial filter so documents missing a key
// field stay out of the uniqueness constraint, matching multiple-null
// semantics.
func (ix *Index) IndexModel() (mongo.IndexModel, error) {
	filter := bson.M{}
	if ix.Condition != nil {
		cond, err := compileIndexNode(ix.Condition)
		if err != nil {
			return mongo.IndexModel{}, err
		}
		for k, v := range cond {
			filter[k] = v
		}
	}
	if ix.Unique {
		for _, f := range ix.Fields {
			if ops, ok := filter[f.Field.Column].(bson.M); ok {
				ops["$type"] = f.Field.Type
				continue
			}
			filter[f.Field.Column] = bson.M{"$type": f.Field.Type}
		}
	}

	keys := bson.D{}
	for _, f := range ix.Fields {
		dir := 1
		if f.Descending {
			dir = -1
		}
		keys = append(keys, bson.E{Key: f.Field.Column, Value: dir})
	}

	opts := options.Index().SetName(ix.Name)
	if ix.Unique {
		opts = opts.SetUnique(true)
	}
	if len(filter) > 0 {
		opts = opts.SetPartialFilterExpression(filter)
	}
	return mongo.IndexModel{Keys: keys, Options: opts}, nil
}

// compileIndexNode lowers a predicate tree to a partial filter document.
func compileIndexNode(n qtree.Node) (bson.M, error) {
	switch v := n.(type) {
	case *qtree.Where:
		if v.Negated {
			return nil, notSupported("negation in index conditions")
		}
		var op string
		switch v.Connector {
		case qtree.And:
			op = "$and"
		case qtree.Or:
			op = "$or"
		default:
			return nil, notSupported("%s connector in index conditions", v.Connector)
		}
		children := make(bson.A, 0, len(v.Children))
		for _, c := range v.Children {
			frag, err := compileIndexNode(c)
			if err != nil {
				return nil, err
			}
			children = append(children, frag)
		}
		switch len(children) {
		case 0:
			return bson.M{}, nil
		case 1:
			return children[0].(bson.M), nil
		default:
			return bson.M{op: children}, nil
		}
	case *qtree.Lookup:
		op, ok := indexOperators[v.Name]
		if !ok {
			return nil, notSupported("the %q lookup in index conditions", v.Name)
		}
		col, ok := v.LHS.(qtree.Col)
		if !ok {
			return nil, notSupported("computed expressions in index conditions")
		}
		if !qtree.IsConstantValue(v.RHS) {
			return nil, notSupported("non-constant values in index conditions")
		}
		val, err := compileIndexValue(v.RHS)
		if err != nil {
			return nil, err
		}
		return bson.M{col.Target.Column: bson.M{op: val}}, nil
	}
	return nil, notSupported("%T nodes in index conditions", n)
}

func compileIndexValue(n qtree.Node) (any, error) {
	v, ok := n.(qtree.Value)
	if !ok {
		return nil, notSupported("computed values in index conditions")
	}
	return prepareLiteral(v.V, false)
}

// searchIndexDataType maps a declared BSON type to its search index mapping
// type.
func searchIndexDataType(bsonType string) string {
	switch bsonType {
	case sdata.TypeDouble, sdata.TypeInt, sdata.TypeLong, sdata.TypeDecimal:
		return "number"
	case sdata.TypeBinData:
		return "string"
	case sdata.TypeBool:
		return "boolean"
	case sdata.TypeObject:
		return "document"
	case sdata.TypeArray:
		return "embeddedDocuments"
	default:
		return bsonType
	}
}

// SearchIndex describes a full-text search index over a set of fields.
// Mappings holds per-field options for fields that need more than the
// type derived from the catalog.
type SearchIndex struct {
	Name           string
	Fields         []sdata.Field
	Mappings       map[string]bson.M
	Analyzer       string
	SearchAnalyzer string
}

// IndexModel lowers the search index into a driver search index model with
// static field mappings.
func (ix *SearchIndex) IndexModel() (mongo.SearchIndexModel, error) {
	fields := bson.M{}
	for _, f := range ix.Fields {
		if m, ok := ix.Mappings[f.Name]; ok {
			fields[f.Column] = m
			continue
		}
		fields[f.Column] = bson.M{"type": searchIndexDataType(f.Type)}
	}
	definition := bson.M{
		"mappings": bson.M{"dynamic": false, "fields": fields},
	}
	if ix.Analyzer != "" {
		definition["analyzer"] = ix.Analyzer
	}
	if ix.SearchAnalyzer != "" {
		definition["searchAnalyzer"] = ix.SearchAnalyzer
	}
	return mongo.SearchIndexModel{
		Definition: definition,
		Options:    options.SearchIndexes().SetName(ix.Name),
	}, nil
}

// vectorSimilarities are the similarity functions vector search accepts.
var vectorSimilarities = map[string]bool{
	"cosine":     true,
	"dotProduct": true,
	"euclidean":  true,
}

// vectorFilterTypes are the search mapping types usable as vector search
// filter fields.
var vectorFilterTypes = map[string]bool{
	"boolean":  true,
	"date":     true,
	"number":   true,
	"objectId": true,
	"string":   true,
}

// VectorSearchIndex describes a vector search index. Array fields hold the
// vectors; every other field becomes a filter field.
type VectorSearchIndex struct {
	Name       string
	Fields     []sdata.Field
	Similarity string
}

// IndexModel lowers the vector index, validating the similarity function,
// vector field sizing, and filter field types.
func (ix *VectorSearchIndex) IndexModel() (mongo.SearchIndexModel, error) {
	if !vectorSimilarities[ix.Similarity] {
		return mongo.SearchIndexModel{}, malformed("%q is not a valid similarity function", ix.Similarity)
	}
	vectors := 0
	fields := bson.A{}
	for _, f := range ix.Fields {
		if f.Type == sdata.TypeArray {
			if f.Size <= 0 {
				return mongo.SearchIndexModel{}, malformed("vector field %q needs a fixed size", f.Name)
			}
			vectors++
			fields = append(fields, bson.M{
				"path":          f.Column,
				"type":          "vector",
				"numDimensions": f.Size,
				"similarity":    ix.Similarity,
			})
			continue
		}
		if t := searchIndexDataType(f.Type); !vectorFilterTypes[t] {
			return mongo.SearchIndexModel{}, notSupported("%s fields as vector search filters", f.Type)
		}
		fields = append(fields, bson.M{"path": f.Column, "type": "filter"})
	}
	if vectors == 0 {
		return mongo.SearchIndexModel{}, malformed("vector search index needs at least one array field")
	}
	return mongo.SearchIndexModel{
		Definition: bson.M{"fields": fields},
		Options:    options.SearchIndexes().SetName(ix.Name).SetType("vectorSearch"),
	}, nil
}
