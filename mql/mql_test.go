package mql

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monrel/monrel/qtree"
	"github.com/monrel/monrel/sdata"
)

var (
	userModel = sdata.NewModel("User", "users", []sdata.Field{
		{Name: "id", Column: "_id", Type: sdata.TypeObjectID},
		{Name: "name", Type: sdata.TypeString},
		{Name: "email", Type: sdata.TypeString},
		{Name: "age", Type: sdata.TypeInt},
		{Name: "status", Type: sdata.TypeString},
		{Name: "token", Type: sdata.TypeString, Identifier: true},
		{Name: "org_id", Type: sdata.TypeObjectID, ForeignKey: true},
	}, sdata.Relation{Name: "org", Model: "Org", LocalField: "org_id", RemoteField: "id"})

	orgModel = sdata.NewModel("Org", "orgs", []sdata.Field{
		{Name: "id", Column: "_id", Type: sdata.TypeObjectID},
		{Name: "name", Type: sdata.TypeString},
		{Name: "plan", Type: sdata.TypeString},
		{Name: "contact", Type: sdata.TypeString},
	})
)

func field(t *testing.T, m *sdata.Model, name string) sdata.Field {
	t.Helper()
	f, err := m.Field(name)
	require.NoError(t, err)
	return f
}

func userCol(t *testing.T, name string) qtree.Col {
	t.Helper()
	return qtree.NewCol(field(t, userModel, name))
}

func orgCol(t *testing.T, alias, name string) qtree.Col {
	t.Helper()
	return qtree.NewAliasedCol(alias, field(t, orgModel, name))
}

// compileMatch compiles a single-predicate query and returns the match
// fragment.
func compileMatch(t *testing.T, cond qtree.Node) any {
	t.Helper()
	q := qtree.NewQuery(userModel)
	q.Where = qtree.NewWhere(qtree.And, cond)
	mq, err := Compile(q, Options{})
	require.NoError(t, err)
	require.False(t, mq.Empty)
	return mq.Match
}

func compileErr(t *testing.T, cond qtree.Node) error {
	t.Helper()
	q := qtree.NewQuery(userModel)
	q.Where = qtree.NewWhere(qtree.And, cond)
	_, err := Compile(q, Options{})
	require.Error(t, err)
	return err
}
