package models

import (
	"time"
)

// Role - роль пользователя в таблице perfiles
type Role string

const (
	RoleConsumer Role = "usuario_registrado"
	RoleAdvisor  Role = "asesor_comercial"
	// RoleGuest встречается только в старой схеме, новые профили его не получают
	RoleGuest Role = "invitado"
)

// Valid проверяет, что роль входит в перечисление
func (r Role) Valid() bool {
	switch r {
	case RoleConsumer, RoleAdvisor, RoleGuest:
		return true
	}
	return false
}

// Profile представляет собой строку таблицы perfiles (1:1 с пользователем auth)
type Profile struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Nombre    string    `json:"nombre"`
	Telefono  *string   `json:"telefono,omitempty"`
	Rol       Role      `json:"rol"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RegisterInput - данные формы регистрации
type RegisterInput struct {
	Email    string  `json:"email" validate:"required,email"`
	Password string  `json:"password" validate:"required,min=6"`
	Nombre   string  `json:"nombre" validate:"required,min=2"`
	Telefono *string `json:"telefono,omitempty" validate:"omitempty,min=7,max=20"`
}

// ProfilePatch - изменяемые владельцем поля профиля
type ProfilePatch struct {
	Nombre   *string `json:"nombre,omitempty" validate:"omitempty,min=2"`
	Telefono *string `json:"telefono,omitempty" validate:"omitempty,max=20"`
}
