package memory

import (
	"context"

	"github.com/egor/planmovil/gateway"
)

func (g *Gateway) Upload(ctx context.Context, bucket, path string, data []byte, opts gateway.UploadOptions) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("upload", bucket); err != nil {
		return err
	}
	k := bucket + "/" + path
	if _, exists := s.objects[k]; exists && !opts.Upsert {
		return &gateway.Error{Code: "Duplicate", Message: "The resource already exists", StatusCode: 409}
	}
	s.objects[k] = append([]byte(nil), data...)
	return nil
}

func (g *Gateway) PublicURL(bucket, path string) string {
	return g.baseURL + "/storage/v1/object/public/" + bucket + "/" + path
}

func (g *Gateway) Remove(ctx context.Context, bucket string, paths ...string) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("remove", bucket); err != nil {
		return err
	}
	for _, p := range paths {
		delete(s.objects, bucket+"/"+p)
	}
	return nil
}

// Object возвращает содержимое объекта, если он есть
func (g *Gateway) Object(bucket, path string) ([]byte, bool) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	b, ok := g.s.objects[bucket+"/"+path]
	return b, ok
}

// Objects - количество объектов в бакете
func (g *Gateway) Objects(bucket string) int {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	n := 0
	prefix := bucket + "/"
	for k := range g.s.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
