package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Op - оператор фильтра (подмножество PostgREST)
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
	OpIs  Op = "is"
)

// Filter - условие по колонке. Для OpIn Value - []interface{}.
type Filter struct {
	Column string
	Op     Op
	Value  interface{}
}

func Eq(column string, v interface{}) Filter  { return Filter{Column: column, Op: OpEq, Value: v} }
func Neq(column string, v interface{}) Filter { return Filter{Column: column, Op: OpNeq, Value: v} }

// In - колонка входит в список значений
func In(column string, vs ...interface{}) Filter {
	return Filter{Column: column, Op: OpIn, Value: vs}
}

// IsNull - колонка IS NULL
func IsNull(column string) Filter { return Filter{Column: column, Op: OpIs, Value: nil} }

// Order - сортировка
type Order struct {
	Column string
	Desc   bool
}

// Query - параметры выборки
type Query struct {
	Filters []Filter
	Order   []Order
	Limit   int
}

// Where добавляет фильтры (цепочкой)
func (q Query) Where(f ...Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), f...)
	return q
}

// OrderBy добавляет сортировку
func (q Query) OrderBy(column string, desc bool) Query {
	q.Order = append(append([]Order(nil), q.Order...), Order{Column: column, Desc: desc})
	return q
}

// Take ограничивает количество строк
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// FormatValue приводит значение фильтра к текстовому виду, как его видит Postgres
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Values разворачивает значение OpIn в список строк
func (f Filter) Values() []string {
	vs, ok := f.Value.([]interface{})
	if !ok {
		return []string{FormatValue(f.Value)}
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = FormatValue(v)
	}
	return out
}

// Match проверяет фильтр на строке, декодированной в map
func (f Filter) Match(row map[string]interface{}) bool {
	v, present := row[f.Column]
	switch f.Op {
	case OpIs:
		if f.Value == nil {
			return !present || v == nil
		}
		return present && v != nil && FormatValue(v) == FormatValue(f.Value)
	case OpEq:
		return present && v != nil && FormatValue(v) == FormatValue(f.Value)
	case OpNeq:
		return present && v != nil && FormatValue(v) != FormatValue(f.Value)
	case OpIn:
		if !present || v == nil {
			return false
		}
		s := FormatValue(v)
		for _, want := range f.Values() {
			if s == want {
				return true
			}
		}
	}
	return false
}

// ParseFilter разбирает realtime-фильтр "col=eq.value".
// Пустая строка означает "без фильтра".
func ParseFilter(s string) (*Filter, error) {
	if s == "" {
		return nil, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return nil, fmt.Errorf("invalid realtime filter %q", s)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("invalid realtime filter %q", s)
	}
	switch Op(op) {
	case OpEq, OpNeq:
		return &Filter{Column: col, Op: Op(op), Value: val}, nil
	case OpIn:
		val = strings.TrimSuffix(strings.TrimPrefix(val, "("), ")")
		parts := strings.Split(val, ",")
		vs := make([]interface{}, len(parts))
		for i, p := range parts {
			vs[i] = strings.TrimSpace(p)
		}
		return &Filter{Column: col, Op: OpIn, Value: vs}, nil
	}
	return nil, fmt.Errorf("unsupported realtime filter operator %q", op)
}

// Accepts проверяет, подходит ли событие под подписку
func (cf ChangeFilter) Accepts(ev ChangeEvent) bool {
	if cf.Table != "" && cf.Table != ev.Table {
		return false
	}
	if cf.Event != "" && cf.Event != EventAll && cf.Event != ev.Type {
		return false
	}
	f, err := ParseFilter(cf.Filter)
	if err != nil {
		return false
	}
	if f == nil {
		return true
	}
	raw := ev.Record
	if ev.Type == EventDelete {
		raw = ev.OldRecord
	}
	row, err := DecodeRow(raw)
	if err != nil {
		return false
	}
	return f.Match(row)
}

// DecodeRow декодирует JSON-объект строки, числа сохраняются как json.Number
func DecodeRow(raw []byte) (map[string]interface{}, error) {
	row := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return row, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}
