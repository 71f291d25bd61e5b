package mql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
)

func orgJoin(t *testing.T, kind qtree.JoinKind) *qtree.Join {
	t.Helper()
	rel, err := userModel.Relation("org")
	require.NoError(t, err)
	j, err := qtree.NewJoin(kind, userModel, rel, orgModel, "org")
	require.NoError(t, err)
	return j
}

func TestInnerJoinForeignKeyForm(t *testing.T) {
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{orgJoin(t, qtree.InnerJoin)}
	q.Where = qtree.NewWhere(qtree.And,
		qtree.NewLookup(qtree.LookupExact, orgCol(t, "org", "plan"), qtree.NewValue("pro")))

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	require.Len(t, mq.LookupPipeline, 2)

	lookup := mq.LookupPipeline[0]["$lookup"].(bson.M)
	assert.Equal(t, "orgs", lookup["from"])
	assert.Equal(t, "org", lookup["as"])
	assert.Equal(t, "org_id", lookup["localField"])
	assert.Equal(t, "_id", lookup["foreignField"])
	// The filter on the joined collection folds into the lookup.
	assert.Equal(t, bson.A{bson.M{"$match": bson.M{"plan": "pro"}}}, lookup["pipeline"])

	assert.Equal(t, bson.M{"$unwind": "$org"}, mq.LookupPipeline[1])
	// The pushed conjunct left nothing behind.
	assert.Nil(t, mq.Match)
}

func TestJoinGeneralFormBindsParentColumns(t *testing.T) {
	j := &qtree.Join{
		Table: "orgs",
		Alias: "org",
		Kind:  qtree.InnerJoin,
		Fields: []qtree.JoinField{{
			LHS: userCol(t, "email"),
			RHS: orgCol(t, "org", "contact"),
		}},
	}
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{j}
	q.Where = qtree.NewWhere(qtree.And,
		qtree.NewLookup(qtree.LookupIsNull, orgCol(t, "org", "plan"), qtree.NewValue(false)))

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	require.Len(t, mq.LookupPipeline, 2)

	lookup := mq.LookupPipeline[0]["$lookup"].(bson.M)
	assert.Equal(t, bson.M{"parent__field__0": "$email"}, lookup["let"])
	assert.NotContains(t, lookup, "localField")

	pipeline := lookup["pipeline"].(bson.A)
	require.Len(t, pipeline, 1)
	match := pipeline[0].(bson.M)["$match"].(bson.M)
	conds := match["$and"].(bson.A)
	require.Len(t, conds, 2)
	assert.Equal(t, bson.M{"$expr": bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{"$$parent__field__0", "$contact"}},
	}}}, conds[0])
}

func TestLeftOuterJoinKeepsOuterRows(t *testing.T) {
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{orgJoin(t, qtree.LeftOuterJoin)}
	q.Project = []qtree.Projection{{As: "plan", Expr: orgCol(t, "org", "plan")}}

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	require.Len(t, mq.LookupPipeline, 3)

	// A placeholder row is substituted before unwinding so outer rows with
	// no join partner survive.
	set := mq.LookupPipeline[1]["$set"].(bson.M)
	cond := set["org"].(bson.M)["$cond"].(bson.M)
	assert.Equal(t, bson.A{bson.M{}}, cond["then"])
	assert.Equal(t, bson.M{"$unwind": "$org"}, mq.LookupPipeline[2])
}

func TestOuterJoinFilterNotPushed(t *testing.T) {
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{orgJoin(t, qtree.LeftOuterJoin)}
	q.Where = qtree.NewWhere(qtree.And,
		qtree.NewLookup(qtree.LookupExact, orgCol(t, "org", "plan"), qtree.NewValue("pro")))

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	// Folding the filter into the lookup would defeat the placeholder row;
	// it stays in the match stage.
	assert.Equal(t, bson.M{"org.plan": "pro"}, mq.Match)
	lookup := mq.LookupPipeline[0]["$lookup"].(bson.M)
	assert.Equal(t, bson.A{}, lookup["pipeline"])
}

func TestUnreferencedJoinPruned(t *testing.T) {
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{orgJoin(t, qtree.InnerJoin)}
	q.Where = qtree.NewWhere(qtree.And, ageIs(t, 1))

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	assert.Empty(t, mq.LookupPipeline)
}

func TestStaticallyEmptyInnerJoin(t *testing.T) {
	j := orgJoin(t, qtree.InnerJoin)
	j.Extra = qtree.Nothing{}
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{j}
	q.Project = []qtree.Projection{{As: "plan", Expr: orgCol(t, "org", "plan")}}

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	assert.True(t, mq.Empty)
}

func TestStaticallyEmptyOuterJoinMatchesNothingInside(t *testing.T) {
	j := orgJoin(t, qtree.LeftOuterJoin)
	j.Extra = qtree.Nothing{}
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{j}
	q.Project = []qtree.Projection{{As: "plan", Expr: orgCol(t, "org", "plan")}}

	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	require.False(t, mq.Empty)
	lookup := mq.LookupPipeline[0]["$lookup"].(bson.M)
	pipeline := lookup["pipeline"].(bson.A)
	require.Len(t, pipeline, 1)
	assert.Equal(t, bson.M{"$match": bson.M{"$expr": false}}, pipeline[0])
}

func TestJoinWithoutFieldsOrExtraRejected(t *testing.T) {
	q := qtree.NewQuery(userModel)
	q.Joins = []*qtree.Join{{Table: "orgs", Alias: "org", Kind: qtree.InnerJoin}}
	_, err := Compile(q, Options{})
	assert.Error(t, err)
}
