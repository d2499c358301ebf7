package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/egor/planmovil/gateway"
)

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func checkTable(table string) error {
	if _, ok := tableColumns[table]; !ok {
		return &gateway.Error{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", table), StatusCode: http.StatusNotFound}
	}
	return nil
}

func unknownColumn(table, column string) error {
	return &gateway.Error{
		Code:       "PGRST204",
		Message:    fmt.Sprintf("column %q of %q not found", column, table),
		StatusCode: http.StatusBadRequest,
	}
}

// buildWhere переводит фильтры в WHERE. Сравнение идёт по текстовому
// представлению колонки, поэтому все параметры - строки.
func buildWhere(table string, filters []gateway.Filter, args []interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", args, nil
	}
	conds := make([]string, 0, len(filters))
	for _, f := range filters {
		if !hasColumn(table, f.Column) {
			return "", nil, unknownColumn(table, f.Column)
		}
		col := quoteIdent(f.Column)
		switch f.Op {
		case gateway.OpEq, gateway.OpNeq:
			args = append(args, gateway.FormatValue(f.Value))
			op := "="
			if f.Op == gateway.OpNeq {
				op = "<>"
			}
			conds = append(conds, fmt.Sprintf("%s::text %s $%d", col, op, len(args)))
		case gateway.OpIn:
			vals := f.Values()
			if len(vals) == 0 {
				conds = append(conds, "FALSE")
				continue
			}
			ph := make([]string, len(vals))
			for i, v := range vals {
				args = append(args, v)
				ph[i] = "$" + strconv.Itoa(len(args))
			}
			conds = append(conds, fmt.Sprintf("%s::text IN (%s)", col, strings.Join(ph, ", ")))
		case gateway.OpIs:
			switch gateway.FormatValue(f.Value) {
			case "null":
				conds = append(conds, col+" IS NULL")
			case "true":
				conds = append(conds, col+" IS TRUE")
			case "false":
				conds = append(conds, col+" IS FALSE")
			default:
				return "", nil, fmt.Errorf("unsupported IS value %v", f.Value)
			}
		default:
			return "", nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func buildOrder(table, alias string, order []gateway.Order) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	parts := make([]string, len(order))
	for i, o := range order {
		if !hasColumn(table, o.Column) {
			return "", unknownColumn(table, o.Column)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		col := quoteIdent(o.Column)
		if alias != "" {
			col = alias + "." + col
		}
		parts[i] = col + " " + dir
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// buildSelect: SELECT json_agg по подзапросу, результат - JSON-массив
func buildSelect(table string, q gateway.Query) (string, []interface{}, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	where, args, err := buildWhere(table, q.Filters, nil)
	if err != nil {
		return "", nil, err
	}
	inner, err := buildOrder(table, "", q.Order)
	if err != nil {
		return "", nil, err
	}
	outer, _ := buildOrder(table, "t", q.Order)
	limit := ""
	if q.Limit > 0 {
		limit = " LIMIT " + strconv.Itoa(q.Limit)
	}
	query := fmt.Sprintf(
		"SELECT COALESCE(json_agg(t%s), '[]'::json) FROM (SELECT * FROM %s%s%s%s) t",
		outer, quoteIdent(table), where, inner, limit,
	)
	return query, args, nil
}

// rowColumns возвращает отсортированные колонки JSON-объекта, проверяя белый список
func rowColumns(table string, raw []byte) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &gateway.Error{Code: "PGRST102", Message: "row must be a JSON object", StatusCode: http.StatusBadRequest}
	}
	cols := make([]string, 0, len(obj))
	for c := range obj {
		if !hasColumn(table, c) {
			return nil, unknownColumn(table, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func quoteAll(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}

func buildInsert(table string, raw []byte) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	cols, err := rowColumns(table, raw)
	if err != nil {
		return "", err
	}
	t := quoteIdent(table)
	var insert string
	if len(cols) == 0 {
		insert = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", t)
	} else {
		list := quoteAll(cols)
		insert = fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) RETURNING *",
			t, list, list, t,
		)
	}
	return "WITH r AS (" + insert + ") SELECT COALESCE(json_agg(r), '[]'::json) FROM r", nil
}

func buildUpdate(table string, filters []gateway.Filter, raw []byte) (string, []interface{}, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	cols, err := rowColumns(table, raw)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, &gateway.Error{Code: "PGRST102", Message: "empty update", StatusCode: http.StatusBadRequest}
	}
	where, args, err := buildWhere(table, filters, []interface{}{string(raw)})
	if err != nil {
		return "", nil, err
	}
	t := quoteIdent(table)
	list := quoteAll(cols)
	update := fmt.Sprintf(
		"UPDATE %s SET (%s) = (SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb))%s RETURNING *",
		t, list, list, t, where,
	)
	return "WITH r AS (" + update + ") SELECT COALESCE(json_agg(r), '[]'::json) FROM r", args, nil
}

// queryJSON выполняет запрос, возвращающий одну JSON-ячейку
func (g *Gateway) queryJSON(ctx context.Context, query string, args ...interface{}) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	var out []byte
	if err := g.db.QueryRowContext(ctx, query, args...).Scan(&out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []byte("[]"), nil
		}
		return nil, mapError(err)
	}
	return out, nil
}

func (g *Gateway) Select(ctx context.Context, table string, q gateway.Query) ([]byte, error) {
	query, args, err := buildSelect(table, q)
	if err != nil {
		return nil, err
	}
	return g.queryJSON(ctx, query, args...)
}

func (g *Gateway) Insert(ctx context.Context, table string, row interface{}) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", table, err)
	}
	query, err := buildInsert(table, raw)
	if err != nil {
		return nil, err
	}
	if strings.Contains(query, "$1") {
		return g.queryJSON(ctx, query, string(raw))
	}
	return g.queryJSON(ctx, query)
}

func (g *Gateway) Update(ctx context.Context, table string, filters []gateway.Filter, patch interface{}) ([]byte, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode %s patch: %w", table, err)
	}
	query, args, err := buildUpdate(table, filters, raw)
	if err != nil {
		return nil, err
	}
	return g.queryJSON(ctx, query, args...)
}

func (g *Gateway) Delete(ctx context.Context, table string, filters []gateway.Filter) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(filters) == 0 {
		return &gateway.Error{Code: "21000", Message: "DELETE requires a WHERE clause", StatusCode: http.StatusBadRequest}
	}
	where, args, err := buildWhere(table, filters, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if _, err := g.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)+where, args...); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError переводит ошибку Postgres в *gateway.Error
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("postgres: %w", err)
	}
	status := http.StatusBadRequest
	switch pgErr.Code {
	case gateway.CodeUniqueViolation, gateway.CodeForeignKeyViolation:
		status = http.StatusConflict
	}
	return &gateway.Error{
		Code:       pgErr.Code,
		Message:    pgErr.Message,
		Details:    pgErr.Detail,
		Hint:       pgErr.Hint,
		StatusCode: status,
	}
}
