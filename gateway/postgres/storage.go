package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/egor/planmovil/gateway"
)

// PublicPrefix - URL-префикс, под которым main раздаёт STORAGE_DIR
const PublicPrefix = "/storage/v1/object/public"

// objectPath переводит bucket/path в путь на диске, не выпуская за пределы StorageDir
func (g *Gateway) objectPath(bucket, p string) (string, error) {
	if g.cfg.StorageDir == "" {
		return "", fmt.Errorf("storage dir not configured")
	}
	clean := path.Clean("/" + bucket + "/" + p)
	if strings.Contains(bucket, "/") || bucket == "" || clean == "/"+bucket || strings.Contains(p, "..") {
		return "", &gateway.Error{Code: "InvalidKey", Message: "invalid object key", StatusCode: http.StatusBadRequest}
	}
	return filepath.Join(g.cfg.StorageDir, filepath.FromSlash(clean)), nil
}

func (g *Gateway) Upload(ctx context.Context, bucket, p string, data []byte, opts gateway.UploadOptions) error {
	dst, err := g.objectPath(bucket, p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil && !opts.Upsert {
		return &gateway.Error{Code: "Duplicate", Message: "The resource already exists", StatusCode: http.StatusConflict}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (g *Gateway) PublicURL(bucket, p string) string {
	return strings.TrimRight(g.cfg.PublicBaseURL, "/") + PublicPrefix + "/" + bucket + "/" + strings.TrimLeft(p, "/")
}

func (g *Gateway) Remove(ctx context.Context, bucket string, paths ...string) error {
	for _, p := range paths {
		dst, err := g.objectPath(bucket, p)
		if err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove object: %w", err)
		}
	}
	return nil
}
