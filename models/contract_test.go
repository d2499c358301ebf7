package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransitionAllPairs(t *testing.T) {
	allowed := map[[2]ContractStatus]bool{
		{StatusPending, StatusAccepted}:   true,
		{StatusPending, StatusRejected}:   true,
		{StatusPending, StatusCancelled}:  true,
		{StatusAccepted, StatusCancelled}: true,
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			key := [2]ContractStatus{from, to}
			okForSomeone := false
			for _, actor := range []Role{RoleConsumer, RoleAdvisor, RoleGuest} {
				if CheckTransition(from, to, actor, true) == nil {
					okForSomeone = true
				}
			}
			assert.Equal(t, allowed[key], okForSomeone, "%s -> %s", from, to)
		}
	}
}

func TestCheckTransitionActors(t *testing.T) {
	tests := []struct {
		name    string
		from    ContractStatus
		to      ContractStatus
		actor   Role
		owner   bool
		wantErr error
	}{
		{"advisor accepts", StatusPending, StatusAccepted, RoleAdvisor, false, nil},
		{"advisor rejects", StatusPending, StatusRejected, RoleAdvisor, false, nil},
		{"consumer cannot accept", StatusPending, StatusAccepted, RoleConsumer, true, ErrTransitionForbidden},
		{"owner cancels pending", StatusPending, StatusCancelled, RoleConsumer, true, nil},
		{"owner cancels accepted", StatusAccepted, StatusCancelled, RoleConsumer, true, nil},
		{"stranger cannot cancel", StatusAccepted, StatusCancelled, RoleConsumer, false, ErrTransitionForbidden},
		{"advisor cannot cancel", StatusPending, StatusCancelled, RoleAdvisor, false, ErrTransitionForbidden},
		{"accepted again", StatusAccepted, StatusAccepted, RoleAdvisor, false, ErrInvalidTransition},
		{"rejected is final", StatusRejected, StatusCancelled, RoleConsumer, true, ErrInvalidTransition},
		{"cancelled is final", StatusCancelled, StatusPending, RoleConsumer, true, ErrInvalidTransition},
		{"guest cannot do anything", StatusPending, StatusAccepted, RoleGuest, false, ErrTransitionForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to, tt.actor, tt.owner)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.IsActive())
	assert.True(t, StatusAccepted.IsActive())
	assert.False(t, StatusRejected.IsActive())
	assert.False(t, StatusCancelled.IsActive())

	assert.True(t, StatusRejected.IsFinal())
	assert.True(t, StatusCancelled.IsFinal())
	assert.False(t, StatusAccepted.IsFinal())

	assert.False(t, ContractStatus("archivado").Valid())
}

func TestNextStatuses(t *testing.T) {
	assert.ElementsMatch(t, []ContractStatus{StatusAccepted, StatusRejected}, NextStatuses(StatusPending, RoleAdvisor, false))
	assert.Equal(t, []ContractStatus{StatusCancelled}, NextStatuses(StatusAccepted, RoleConsumer, true))
	assert.Empty(t, NextStatuses(StatusCancelled, RoleConsumer, true))
}

func TestValidatePlanInput(t *testing.T) {
	in := PlanInput{
		Nombre: "Plan Joven", Precio: 19.99, Segmento: "prepago", PublicoObjetivo: "jóvenes",
		Datos: "10 GB", Minutos: "Ilimitados", SMS: "100", Velocidad: "4G", RedesSociales: "WhatsApp",
	}
	require.NoError(t, Validate(in))

	in.Nombre = "ab"
	in.Precio = 0
	err := Validate(in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "Nombre")
	assert.Contains(t, err.Error(), "Precio")
}

func TestPlanPatchEmpty(t *testing.T) {
	name := "Nuevo"
	active := false
	p := PlanPatch{Nombre: &name, Activo: &active}
	assert.False(t, p.Empty())
	assert.True(t, PlanPatch{}.Empty())
}
