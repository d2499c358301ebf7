package models

import (
	"errors"
	"fmt"
	"time"
)

// ContractStatus - значение колонки contrataciones.estado
type ContractStatus string

const (
	StatusPending   ContractStatus = "pendiente"
	StatusAccepted  ContractStatus = "aceptado"
	StatusRejected  ContractStatus = "rechazado"
	StatusCancelled ContractStatus = "cancelado"
)

// Statuses перечисляет все известные статусы
var Statuses = []ContractStatus{StatusPending, StatusAccepted, StatusRejected, StatusCancelled}

// Valid проверяет, что статус входит в перечисление
func (s ContractStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsActive: договор занимает единственный "активный" слот потребителя
func (s ContractStatus) IsActive() bool {
	return s == StatusPending || s == StatusAccepted
}

// IsFinal: из статуса нет исходящих переходов
func (s ContractStatus) IsFinal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// Transition - одна разрешённая строка таблицы переходов
type Transition struct {
	From  ContractStatus
	To    ContractStatus
	Actor Role
	// OwnerOnly: переход доступен только владельцу договора
	OwnerOnly bool
}

// Transitions - полная таблица разрешённых переходов.
// Всё, чего здесь нет, запрещено.
var Transitions = []Transition{
	{From: StatusPending, To: StatusAccepted, Actor: RoleAdvisor},
	{From: StatusPending, To: StatusRejected, Actor: RoleAdvisor},
	{From: StatusPending, To: StatusCancelled, Actor: RoleConsumer, OwnerOnly: true},
	{From: StatusAccepted, To: StatusCancelled, Actor: RoleConsumer, OwnerOnly: true},
}

var (
	ErrInvalidTransition   = errors.New("transición de estado no permitida")
	ErrTransitionForbidden = errors.New("no tienes permisos para este cambio de estado")
)

// CheckTransition проверяет переход from -> to для актёра с ролью actor.
// isOwner - является ли актёр владельцем договора.
func CheckTransition(from, to ContractStatus, actor Role, isOwner bool) error {
	known := false
	for _, t := range Transitions {
		if t.From != from || t.To != to {
			continue
		}
		known = true
		if t.Actor == actor && (!t.OwnerOnly || isOwner) {
			return nil
		}
	}
	if !known {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransitionForbidden, from, to)
}

// NextStatuses возвращает статусы, доступные актёру из from
func NextStatuses(from ContractStatus, actor Role, isOwner bool) []ContractStatus {
	var out []ContractStatus
	for _, t := range Transitions {
		if t.From == from && CheckTransition(from, t.To, actor, isOwner) == nil {
			out = append(out, t.To)
		}
	}
	return out
}

// Contract представляет собой строку contrataciones вместе со снимком плана
type Contract struct {
	ID        int64          `json:"id"`
	UsuarioID string         `json:"usuario_id"`
	PlanID    int64          `json:"plan_id"`
	Estado    ContractStatus `json:"estado"`
	Fecha     time.Time      `json:"fecha"`
	Notas     *string        `json:"notas,omitempty"`
	Plan      *Plan          `json:"planes_moviles,omitempty"`
}

// ContractRow - то, что реально пишется в таблицу (без вложенного плана)
type ContractRow struct {
	UsuarioID string         `json:"usuario_id"`
	PlanID    int64          `json:"plan_id"`
	Estado    ContractStatus `json:"estado"`
	Notas     *string        `json:"notas,omitempty"`
}
