package models

import (
	"time"
)

// Plan представляет собой строку каталога planes_moviles
type Plan struct {
	ID              int64     `json:"id"`
	Nombre          string    `json:"nombre"`
	Descripcion     string    `json:"descripcion"`
	Precio          float64   `json:"precio"`
	Segmento        string    `json:"segmento"`
	PublicoObjetivo string    `json:"publico_objetivo"`
	Datos           string    `json:"datos"`
	Minutos         string    `json:"minutos"`
	SMS             string    `json:"sms"`
	Velocidad       string    `json:"velocidad"`
	RedesSociales   string    `json:"redes_sociales"`
	ImagenURL       *string   `json:"imagen_url,omitempty"`
	Activo          bool      `json:"activo"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       *string   `json:"created_by,omitempty"`
}

// PlanInput - данные для создания плана (форма асесора)
type PlanInput struct {
	Nombre          string  `json:"nombre" validate:"required,min=3"`
	Descripcion     string  `json:"descripcion"`
	Precio          float64 `json:"precio" validate:"gte=0.01"`
	Segmento        string  `json:"segmento" validate:"required"`
	PublicoObjetivo string  `json:"publico_objetivo" validate:"required"`
	Datos           string  `json:"datos" validate:"required"`
	Minutos         string  `json:"minutos" validate:"required"`
	SMS             string  `json:"sms" validate:"required"`
	Velocidad       string  `json:"velocidad" validate:"required"`
	RedesSociales   string  `json:"redes_sociales" validate:"required"`
	ImagenURL       *string `json:"imagen_url,omitempty"`
	Activo          *bool   `json:"activo,omitempty"`
	CreatedBy       *string `json:"created_by,omitempty"`
}

// PlanPatch - частичное обновление, в JSON попадают только заданные поля
type PlanPatch struct {
	Nombre          *string  `json:"nombre,omitempty" validate:"omitempty,min=3"`
	Descripcion     *string  `json:"descripcion,omitempty"`
	Precio          *float64 `json:"precio,omitempty" validate:"omitempty,gte=0.01"`
	Segmento        *string  `json:"segmento,omitempty" validate:"omitempty,min=1"`
	PublicoObjetivo *string  `json:"publico_objetivo,omitempty" validate:"omitempty,min=1"`
	Datos           *string  `json:"datos,omitempty" validate:"omitempty,min=1"`
	Minutos         *string  `json:"minutos,omitempty" validate:"omitempty,min=1"`
	SMS             *string  `json:"sms,omitempty" validate:"omitempty,min=1"`
	Velocidad       *string  `json:"velocidad,omitempty" validate:"omitempty,min=1"`
	RedesSociales   *string  `json:"redes_sociales,omitempty" validate:"omitempty,min=1"`
	ImagenURL       *string  `json:"imagen_url,omitempty"`
	Activo          *bool    `json:"activo,omitempty"`
}

// Empty сообщает, что в патче нет ни одного поля
func (p PlanPatch) Empty() bool {
	return p.Nombre == nil && p.Descripcion == nil && p.Precio == nil &&
		p.Segmento == nil && p.PublicoObjetivo == nil && p.Datos == nil &&
		p.Minutos == nil && p.SMS == nil && p.Velocidad == nil &&
		p.RedesSociales == nil && p.ImagenURL == nil && p.Activo == nil
}
