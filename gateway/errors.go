package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Коды ошибок Postgres, которые различают менеджеры
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
)

// Error - ошибка, вернувшаяся от backend'а
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// IsUniqueViolation - нарушение уникального индекса
func IsUniqueViolation(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Code == CodeUniqueViolation
}

// IsUnauthorized - backend отверг токен или учётные данные
func IsUnauthorized(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && (ge.StatusCode == 401 || ge.StatusCode == 403)
}

// ParseError разбирает тело ответа с ошибкой (PostgREST, GoTrue, Storage)
func ParseError(body []byte, statusCode int) error {
	var resp struct {
		Code             interface{} `json:"code"`
		Message          string      `json:"message"`
		Msg              string      `json:"msg"`
		Details          string      `json:"details"`
		Hint             string      `json:"hint"`
		Error            string      `json:"error"`
		ErrorDescription string      `json:"error_description"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return &Error{Code: "unknown", Message: string(body), StatusCode: statusCode}
	}

	msg := resp.Message
	for _, alt := range []string{resp.Msg, resp.ErrorDescription, resp.Error} {
		if msg == "" {
			msg = alt
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("backend responded with status %d", statusCode)
	}

	code := ""
	if resp.Code != nil {
		code = FormatValue(resp.Code)
	}

	return &Error{
		Code:       code,
		Message:    msg,
		Details:    resp.Details,
		Hint:       resp.Hint,
		StatusCode: statusCode,
	}
}
