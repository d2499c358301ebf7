package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/egor/planmovil/gateway"
)

// encodeFilters переводит фильтры в query-параметры PostgREST: col=eq.v
func encodeFilters(v url.Values, filters []gateway.Filter) {
	for _, f := range filters {
		switch f.Op {
		case gateway.OpIn:
			vals := f.Values()
			for i, s := range vals {
				vals[i] = quoteListItem(s)
			}
			v.Add(f.Column, "in.("+strings.Join(vals, ",")+")")
		case gateway.OpIs:
			v.Add(f.Column, "is."+gateway.FormatValue(f.Value))
		default:
			v.Add(f.Column, string(f.Op)+"."+gateway.FormatValue(f.Value))
		}
	}
}

// quoteListItem экранирует элемент in.(...) с зарезервированными символами
func quoteListItem(s string) string {
	if strings.ContainsAny(s, `,()"\ `) {
		return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	return s
}

func (c *Client) tableURL(table string, v url.Values) string {
	u := c.restURL + "/" + url.PathEscape(table)
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	return u
}

func (c *Client) Select(ctx context.Context, table string, q gateway.Query) ([]byte, error) {
	v := url.Values{}
	v.Set("select", "*")
	encodeFilters(v, q.Filters)
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts[i] = o.Column + "." + dir
		}
		v.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return c.do(ctx, http.MethodGet, c.tableURL(table, v), nil, nil)
}

func (c *Client) Insert(ctx context.Context, table string, row interface{}) ([]byte, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", table, err)
	}
	return c.do(ctx, http.MethodPost, c.tableURL(table, nil), body, map[string]string{
		"Prefer": "return=representation",
	})
}

func (c *Client) Update(ctx context.Context, table string, filters []gateway.Filter, patch interface{}) ([]byte, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode %s patch: %w", table, err)
	}
	v := url.Values{}
	encodeFilters(v, filters)
	return c.do(ctx, http.MethodPatch, c.tableURL(table, v), body, map[string]string{
		"Prefer": "return=representation",
	})
}

func (c *Client) Delete(ctx context.Context, table string, filters []gateway.Filter) error {
	v := url.Values{}
	encodeFilters(v, filters)
	_, err := c.do(ctx, http.MethodDelete, c.tableURL(table, v), nil, nil)
	return err
}
