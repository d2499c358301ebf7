package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	row, err := DecodeRow([]byte(`{"id":42,"estado":"pendiente","activo":true,"notas":null,"precio":19.9}`))
	require.NoError(t, err)

	assert.True(t, Eq("id", int64(42)).Match(row))
	assert.True(t, Eq("id", "42").Match(row))
	assert.True(t, Eq("activo", true).Match(row))
	assert.True(t, Eq("precio", 19.9).Match(row))
	assert.False(t, Eq("estado", "aceptado").Match(row))
	assert.True(t, Neq("estado", "aceptado").Match(row))
	assert.True(t, In("estado", "pendiente", "aceptado").Match(row))
	assert.False(t, In("estado", "rechazado").Match(row))
	assert.True(t, IsNull("notas").Match(row))
	assert.True(t, IsNull("missing").Match(row))
	assert.False(t, IsNull("estado").Match(row))
	assert.False(t, Neq("notas", "x").Match(row))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("contratacion_id=eq.7")
	require.NoError(t, err)
	assert.Equal(t, Filter{Column: "contratacion_id", Op: OpEq, Value: "7"}, *f)

	f, err = ParseFilter("estado=in.(pendiente, aceptado)")
	require.NoError(t, err)
	assert.Equal(t, []string{"pendiente", "aceptado"}, f.Values())

	f, err = ParseFilter("")
	assert.NoError(t, err)
	assert.Nil(t, f)

	_, err = ParseFilter("broken")
	assert.Error(t, err)
	_, err = ParseFilter("id=gt.3")
	assert.Error(t, err)
}

func TestChangeFilterAccepts(t *testing.T) {
	cf := ChangeFilter{Event: EventInsert, Table: TableMessages, Filter: "contratacion_id=eq.7"}

	ins := ChangeEvent{Type: EventInsert, Table: TableMessages, Record: json.RawMessage(`{"contratacion_id":7}`)}
	assert.True(t, cf.Accepts(ins))

	other := ins
	other.Record = json.RawMessage(`{"contratacion_id":8}`)
	assert.False(t, cf.Accepts(other))

	upd := ins
	upd.Type = EventUpdate
	assert.False(t, cf.Accepts(upd))

	all := ChangeFilter{Event: EventAll, Table: TablePlans}
	del := ChangeEvent{Type: EventDelete, Table: TablePlans, OldRecord: json.RawMessage(`{"id":1}`)}
	assert.True(t, all.Accepts(del))
	assert.False(t, all.Accepts(ins))
}

func TestQueryBuilderDoesNotAlias(t *testing.T) {
	base := Query{}.Where(Eq("a", 1))
	q1 := base.Where(Eq("b", 2)).OrderBy("id", true).Take(5)
	q2 := base.Where(Eq("c", 3))

	assert.Len(t, base.Filters, 1)
	assert.Equal(t, "b", q1.Filters[1].Column)
	assert.Equal(t, "c", q2.Filters[1].Column)
	assert.Equal(t, 5, q1.Limit)
	assert.Equal(t, []Order{{Column: "id", Desc: true}}, q1.Order)
}

func TestParseError(t *testing.T) {
	err := ParseError([]byte(`{"code":"23505","message":"duplicate key value","details":"Key (usuario_id)"}`), 409)
	assert.True(t, IsUniqueViolation(err))
	assert.Contains(t, err.Error(), "duplicate key value")

	err = ParseError([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`), 400)
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "Invalid login credentials", ge.Message)

	err = ParseError([]byte(`not json`), 502)
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "unknown", ge.Code)
	assert.False(t, IsUnauthorized(err))
	assert.True(t, IsUnauthorized(&Error{StatusCode: 401}))
}
