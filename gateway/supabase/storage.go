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

// escapePath экранирует каждый сегмент пути объекта, сохраняя "/"
func escapePath(p string) string {
	segs := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (c *Client) objectURL(bucket, path string) string {
	return c.storageURL + "/object/" + url.PathEscape(bucket) + "/" + escapePath(path)
}

func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, opts gateway.UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	method := http.MethodPost
	headers := map[string]string{
		"Content-Type": contentType,
		"x-upsert":     strconv.FormatBool(opts.Upsert),
	}
	if data == nil {
		data = []byte{}
	}
	_, err := c.do(ctx, method, c.objectURL(bucket, path), data, headers)
	return err
}

func (c *Client) PublicURL(bucket, path string) string {
	return c.storageURL + "/object/public/" + url.PathEscape(bucket) + "/" + escapePath(path)
}

func (c *Client) Remove(ctx context.Context, bucket string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("encode remove request: %w", err)
	}
	_, err = c.do(ctx, http.MethodDelete, c.storageURL+"/object/"+url.PathEscape(bucket), body, nil)
	return err
}
