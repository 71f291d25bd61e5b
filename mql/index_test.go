package mql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/monrel/monrel/qtree"
	"github.com/monrel/monrel/sdata"
)

// buildIndexOptions applies the option builder so its settings can be
// inspected.
func buildIndexOptions(t *testing.T, b *options.IndexOptionsBuilder) *options.IndexOptions {
	t.Helper()
	opts := &options.IndexOptions{}
	for _, fn := range b.Opts {
		require.NoError(t, fn(opts))
	}
	return opts
}

func TestIndexModelKeysAndOptions(t *testing.T) {
	ix := &Index{
		Name: "age_status",
		Fields: []IndexField{
			{Field: sdata.Field{Name: "age", Column: "age", Type: sdata.TypeInt}},
			{Field: sdata.Field{Name: "status", Column: "status", Type: sdata.TypeString}, Descending: true},
		},
	}
	m, err := ix.IndexModel()
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "age", Value: 1}, {Key: "status", Value: -1}}, m.Keys)
}

func TestUniqueIndexGuardsType(t *testing.T) {
	// Uniqueness allows multiple missing values: the partial filter limits
	// the constraint to documents where the field holds its declared type.
	ix := &Index{
		Name:   "email_unique",
		Fields: []IndexField{{Field: sdata.Field{Name: "email", Column: "email", Type: sdata.TypeString}}},
		Unique: true,
	}
	m, err := ix.IndexModel()
	require.NoError(t, err)
	opts := buildIndexOptions(t, m.Options)
	assert.Equal(t, bson.M{"email": bson.M{"$type": "string"}}, opts.PartialFilterExpression)
	require.NotNil(t, opts.Unique)
	assert.True(t, *opts.Unique)
}

func TestPartialIndexCondition(t *testing.T) {
	age := sdata.Field{Name: "age", Column: "age", Type: sdata.TypeInt}
	ix := &Index{
		Name:   "adults",
		Fields: []IndexField{{Field: age}},
		Condition: qtree.NewWhere(qtree.And,
			qtree.NewLookup(qtree.LookupGte, qtree.NewCol(age), qtree.NewValue(18)),
			qtree.NewLookup(qtree.LookupIn, qtree.Col{Target: sdata.Field{Name: "status", Column: "status"}},
				qtree.NewValue([]any{"active", "trial"}))),
	}
	m, err := ix.IndexModel()
	require.NoError(t, err)
	pf := buildIndexOptions(t, m.Options).PartialFilterExpression.(bson.M)
	and := pf["$and"].(bson.A)
	require.Len(t, and, 2)
	assert.Equal(t, bson.M{"age": bson.M{"$gte": 18}}, and[0])
	assert.Equal(t, bson.M{"status": bson.M{"$in": bson.A{"active", "trial"}}}, and[1])
}

func TestIndexConditionRestrictions(t *testing.T) {
	age := sdata.Field{Name: "age", Column: "age", Type: sdata.TypeInt}

	ix := &Index{
		Name:      "bad_negated",
		Fields:    []IndexField{{Field: age}},
		Condition: qtree.Not(qtree.NewLookup(qtree.LookupGte, qtree.NewCol(age), qtree.NewValue(18))),
	}
	_, err := ix.IndexModel()
	assert.ErrorIs(t, err, ErrNotSupported)

	ix = &Index{
		Name:   "bad_xor",
		Fields: []IndexField{{Field: age}},
		Condition: qtree.NewWhere(qtree.Xor,
			qtree.NewLookup(qtree.LookupGte, qtree.NewCol(age), qtree.NewValue(18)),
			qtree.NewLookup(qtree.LookupLt, qtree.NewCol(age), qtree.NewValue(65))),
	}
	_, err = ix.IndexModel()
	assert.ErrorIs(t, err, ErrNotSupported)

	ix = &Index{
		Name:      "bad_pattern",
		Fields:    []IndexField{{Field: age}},
		Condition: qtree.NewLookup(qtree.LookupContains, qtree.NewCol(age), qtree.NewValue("x")),
	}
	_, err = ix.IndexModel()
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestSearchIndexMappings(t *testing.T) {
	ix := &SearchIndex{
		Name: "user_search",
		Fields: []sdata.Field{
			{Name: "name", Column: "name", Type: sdata.TypeString},
			{Name: "age", Column: "age", Type: sdata.TypeInt},
			{Name: "meta", Column: "meta", Type: sdata.TypeObject},
		},
		Analyzer: "lucene.standard",
	}
	m, err := ix.IndexModel()
	require.NoError(t, err)
	def := m.Definition.(bson.M)
	assert.Equal(t, "lucene.standard", def["analyzer"])
	fields := def["mappings"].(bson.M)["fields"].(bson.M)
	assert.Equal(t, bson.M{"type": "string"}, fields["name"])
	assert.Equal(t, bson.M{"type": "number"}, fields["age"])
	assert.Equal(t, bson.M{"type": "document"}, fields["meta"])
}

func TestVectorSearchIndexModel(t *testing.T) {
	ix := &VectorSearchIndex{
		Name: "embedding_idx",
		Fields: []sdata.Field{
			{Name: "embedding", Column: "embedding", Type: sdata.TypeArray, Size: 768},
			{Name: "status", Column: "status", Type: sdata.TypeString},
		},
		Similarity: "cosine",
	}
	m, err := ix.IndexModel()
	require.NoError(t, err)
	fields := m.Definition.(bson.M)["fields"].(bson.A)
	require.Len(t, fields, 2)
	assert.Equal(t, bson.M{
		"path":          "embedding",
		"type":          "vector",
		"numDimensions": 768,
		"similarity":    "cosine",
	}, fields[0])
	assert.Equal(t, bson.M{"path": "status", "type": "filter"}, fields[1])
}

func TestVectorSearchIndexValidation(t *testing.T) {
	ix := &VectorSearchIndex{
		Name:       "bad_similarity",
		Fields:     []sdata.Field{{Name: "v", Column: "v", Type: sdata.TypeArray, Size: 3}},
		Similarity: "manhattan",
	}
	_, err := ix.IndexModel()
	assert.ErrorIs(t, err, ErrMalformed)

	ix = &VectorSearchIndex{
		Name:       "no_size",
		Fields:     []sdata.Field{{Name: "v", Column: "v", Type: sdata.TypeArray}},
		Similarity: "cosine",
	}
	_, err = ix.IndexModel()
	assert.ErrorIs(t, err, ErrMalformed)

	ix = &VectorSearchIndex{
		Name:       "no_vector",
		Fields:     []sdata.Field{{Name: "status", Column: "status", Type: sdata.TypeString}},
		Similarity: "cosine",
	}
	_, err = ix.IndexModel()
	assert.ErrorIs(t, err, ErrMalformed)
}
