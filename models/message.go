package models

import (
	"time"
)

// ChatMessage представляет собой строку mensajes_chat.
// После создания меняется только флаг leido.
type ChatMessage struct {
	ID             int64     `json:"id"`
	ContratacionID int64     `json:"contratacion_id"`
	EmisorID       string    `json:"emisor_id"`
	Mensaje        string    `json:"mensaje"`
	Leido          bool      `json:"leido"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatMessageRow - вставляемая часть сообщения
type ChatMessageRow struct {
	ContratacionID int64  `json:"contratacion_id"`
	EmisorID       string `json:"emisor_id"`
	Mensaje        string `json:"mensaje"`
	Leido          bool   `json:"leido"`
}

// Result - единый формат ответа API: {success, error}
type Result struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Redirect string      `json:"redirect,omitempty"`
	// Draft возвращает текст неотправленного сообщения, чтобы его не потерять
	Draft string `json:"draft,omitempty"`
}

// OK оборачивает успешный результат
func OK(data interface{}) Result {
	return Result{Success: true, Data: data}
}

// Fail оборачивает ошибку в результат
func Fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
