package insforge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	preferRepresentation = "return=representation"
	preferMergeUpsert    = "resolution=merge-duplicates,return=representation"
)

// Eq builds a PostgREST equality filter value.
func Eq(v string) string {
	return "eq." + v
}

// IsNull is the PostgREST filter matching a NULL column.
const IsNull = "is.null"

// QueryRecords runs GET /api/database/records/{table} and decodes the row array into out.
func (c *Client) QueryRecords(ctx context.Context, table string, filters url.Values, out any) error {
	if err := c.do(ctx, http.MethodGet, recordsPath+url.PathEscape(table), filters, c.serviceAuth(), nil, out); err != nil {
		return fmt.Errorf("[insforge.QueryRecords] %s: %w", table, err)
	}
	return nil
}

// InsertRecords inserts rows. With upsert set, rows that collide on the
// primary key are merged instead of rejected.
func (c *Client) InsertRecords(ctx context.Context, table string, rows any, upsert bool) error {
	prefer := preferRepresentation
	if upsert {
		prefer = preferMergeUpsert
	}
	headers := map[string]string{"Prefer": prefer}
	if err := c.doWithHeaders(ctx, http.MethodPost, recordsPath+url.PathEscape(table), nil, c.serviceAuth(), headers, rows, nil); err != nil {
		return fmt.Errorf("[insforge.InsertRecords] %s: %w", table, err)
	}
	return nil
}

// UpdateRecords patches every row matching filters and decodes the updated
// rows into out, so callers can tell how many rows the filter hit.
func (c *Client) UpdateRecords(ctx context.Context, table string, filters url.Values, updates any, out any) error {
	headers := map[string]string{"Prefer": preferRepresentation}
	if err := c.doWithHeaders(ctx, http.MethodPatch, recordsPath+url.PathEscape(table), filters, c.serviceAuth(), headers, updates, out); err != nil {
		return fmt.Errorf("[insforge.UpdateRecords] %s: %w", table, err)
	}
	return nil
}

// DeleteRecords removes every row matching filters.
func (c *Client) DeleteRecords(ctx context.Context, table string, filters url.Values, out any) error {
	headers := map[string]string{"Prefer": preferRepresentation}
	if err := c.doWithHeaders(ctx, http.MethodDelete, recordsPath+url.PathEscape(table), filters, c.serviceAuth(), headers, nil, out); err != nil {
		return fmt.Errorf("[insforge.DeleteRecords] %s: %w", table, err)
	}
	return nil
}

func (c *Client) serviceAuth() string {
	return "Bearer " + c.apiKey
}
