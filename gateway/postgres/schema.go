package postgres

import (
	_ "embed"
)

// Schema - DDL backend'а: таблицы, уникальный индекс активного договора и
// триггеры pg_notify для realtime
//
//go:embed schema.sql
var Schema string

// notifyChannel - канал NOTIFY, в который пишут триггеры
const notifyChannel = "planmovil_changes"

// tableColumns - белый список таблиц и колонок, доступных через Rows
var tableColumns = map[string][]string{
	"perfiles": {
		"id", "user_id", "nombre", "telefono", "rol", "email", "created_at",
	},
	"planes_moviles": {
		"id", "nombre", "descripcion", "precio", "segmento", "publico_objetivo",
		"datos", "minutos", "sms", "velocidad", "redes_sociales", "imagen_url",
		"activo", "created_at", "created_by",
	},
	"contrataciones": {
		"id", "usuario_id", "plan_id", "estado", "fecha", "notas",
	},
	"mensajes_chat": {
		"id", "contratacion_id", "emisor_id", "mensaje", "leido", "created_at",
	},
}

func hasColumn(table, column string) bool {
	for _, c := range tableColumns[table] {
		if c == column {
			return true
		}
	}
	return false
}
