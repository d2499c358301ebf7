// Package supabase - backend gateway поверх Supabase: PostgREST, GoTrue,
// Storage и Realtime (Phoenix websocket).
package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
)

// Config - параметры проекта Supabase
type Config struct {
	// URL проекта, например https://xxx.supabase.co
	URL            string
	AnonKey        string
	ServiceRoleKey string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         logrus.FieldLogger
}

// Client реализует gateway.Gateway
type Client struct {
	cfg Config

	baseURL    string
	restURL    string
	authURL    string
	storageURL string

	http  *http.Client
	log   logrus.FieldLogger
	token string
	view  bool

	// общий для всех представлений WithToken
	rt *realtime
}

var _ gateway.Gateway = (*Client)(nil)

// New проверяет конфигурацию и создает клиента
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	baseURL := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid supabase URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "supabase")

	c := &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		restURL:    baseURL + "/rest/v1",
		authURL:    baseURL + "/auth/v1",
		storageURL: baseURL + "/storage/v1",
		http:       httpClient,
		log:        log,
	}
	c.rt = newRealtime(baseURL, cfg.AnonKey, log)
	return c, nil
}

func (c *Client) WithToken(token string) gateway.Gateway {
	cp := *c
	cp.token = token
	cp.view = true
	return &cp
}

// Close закрывает общее realtime-соединение. У представлений WithToken ничего не делает.
func (c *Client) Close() error {
	if c.view {
		return nil
	}
	return c.rt.close()
}

// bearer - токен пользователя, если он есть, иначе anon key
func (c *Client) bearer() string {
	if c.token != "" {
		return c.token
	}
	return c.cfg.AnonKey
}

// do выполняет запрос и возвращает тело ответа; статус >= 400 превращается в *gateway.Error
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, gateway.ParseError(data, resp.StatusCode)
	}
	return data, nil
}

// serviceHeaders - заголовки для привилегированных вызовов
func (c *Client) serviceHeaders() (map[string]string, error) {
	if c.cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("supabase service role key not configured")
	}
	return map[string]string{
		"apikey":        c.cfg.ServiceRoleKey,
		"Authorization": "Bearer " + c.cfg.ServiceRoleKey,
	}, nil
}
