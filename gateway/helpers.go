package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// SelectInto выполняет Select и декодирует массив строк в dst (указатель на срез)
func SelectInto(ctx context.Context, rows Rows, table string, q Query, dst interface{}) error {
	body, err := rows.Select(ctx, table, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s rows: %w", table, err)
	}
	return nil
}

// InsertInto вставляет строку и декодирует результат в dst (указатель на срез)
func InsertInto(ctx context.Context, rows Rows, table string, row, dst interface{}) error {
	body, err := rows.Insert(ctx, table, row)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode inserted %s rows: %w", table, err)
	}
	return nil
}

// UpdateInto обновляет строки и декодирует результат в dst (указатель на срез)
func UpdateInto(ctx context.Context, rows Rows, table string, filters []Filter, patch, dst interface{}) error {
	body, err := rows.Update(ctx, table, filters, patch)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode updated %s rows: %w", table, err)
	}
	return nil
}
