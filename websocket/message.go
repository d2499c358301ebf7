package websocket

import (
	"encoding/json"
)

// Типы исходящих сообщений: снимки опубликованного состояния сессии
const (
	TypeProfile   = "profile"
	TypePlans     = "plans"
	TypeContracts = "contracts"
	TypeMessages  = "messages"
	TypeError     = "error"
)

// Типы входящих сообщений
const (
	TypeOpenChat    = "openChat"
	TypeSendMessage = "sendMessage"
	TypeMarkAsRead  = "markAsRead"
	TypeCloseChat   = "closeChat"
)

// WebSocketMessage представляет сообщение для WebSocket
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientMessage - команда от клиента
type ClientMessage struct {
	Type       string `json:"type"`
	ContractID int64  `json:"contractId,omitempty"`
	Body       string `json:"body,omitempty"`
}

// NewMessage создает новое сообщение с указанным типом и данными
func NewMessage(messageType string, payload interface{}) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	message := WebSocketMessage{
		Type:    messageType,
		Payload: payloadJSON,
	}

	return json.Marshal(message)
}

// NewErrorMessage создает сообщение об ошибке. draft возвращает
// неотправленный текст, если он был.
func NewErrorMessage(errorText, draft string) ([]byte, error) {
	payload := struct {
		Error string `json:"error"`
		Draft string `json:"draft,omitempty"`
	}{
		Error: errorText,
		Draft: draft,
	}

	return NewMessage(TypeError, payload)
}
