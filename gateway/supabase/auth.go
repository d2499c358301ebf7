package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/egor/planmovil/gateway"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authResponse покрывает оба варианта ответа /signup:
// сессию целиком или голого пользователя (если включено подтверждение email)
type authResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresAt    int64         `json:"expires_at"`
	User         *gateway.User `json:"user"`
	ID           string        `json:"id"`
	Email        string        `json:"email"`
}

func (r authResponse) session() (*gateway.Session, error) {
	s := &gateway.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
	}
	switch {
	case r.User != nil:
		s.User = *r.User
	case r.ID != "":
		s.User = gateway.User{ID: r.ID, Email: r.Email}
	default:
		return nil, fmt.Errorf("auth response without user")
	}
	return s, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*gateway.Session, error) {
	body, _ := json.Marshal(credentials{Email: email, Password: password})
	data, err := c.do(ctx, http.MethodPost, c.authURL+"/signup", body, nil)
	if err != nil {
		return nil, err
	}
	var resp authResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode signup response: %w", err)
	}
	return resp.session()
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*gateway.Session, error) {
	body, _ := json.Marshal(credentials{Email: email, Password: password})
	data, err := c.do(ctx, http.MethodPost, c.authURL+"/token?grant_type=password", body, nil)
	if err != nil {
		return nil, err
	}
	var resp authResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return resp.session()
}

func (c *Client) SignOut(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodPost, c.authURL+"/logout", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	return err
}

func (c *Client) GetUser(ctx context.Context, token string) (*gateway.User, error) {
	data, err := c.do(ctx, http.MethodGet, c.authURL+"/user", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, err
	}
	var u gateway.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// DeleteUser требует service role key
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	headers, err := c.serviceHeaders()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, c.authURL+"/admin/users/"+url.PathEscape(userID), nil, headers)
	return err
}
