package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Общие ошибки доменного слоя. Текст виден пользователю.
var (
	ErrNotAuthenticated = errors.New("usuario no autenticado")
	ErrForbidden        = errors.New("no tienes permisos para esta acción")
	ErrNotFound         = errors.New("registro no encontrado")
	ErrValidation       = errors.New("datos inválidos")
	ErrActiveContract   = errors.New("ya tienes una contratación activa")
	ErrPlanInactive     = errors.New("el plan no está disponible")
	ErrConflict         = errors.New("el registro fue modificado por otro usuario")
)

var validate = validator.New()

// Validate проверяет теги validate и сворачивает ошибки валидатора в ErrValidation
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
}
