package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/models"
)

// ListMyContracts - договоры текущего потребителя
func (h *Handlers) ListMyContracts(c *gin.Context) {
	list, err := middleware.Workspace(c).Contracts.ListMine(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, list)
}

// ActiveContract отвечает, есть ли у потребителя активный договор
func (h *Handlers) ActiveContract(c *gin.Context) {
	has, contract, err := middleware.Workspace(c).Contracts.HasActiveContract(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"active": has, "contract": contract})
}

// CreateContract оформляет заявку на план
func (h *Handlers) CreateContract(c *gin.Context) {
	var req struct {
		PlanID int64   `json:"plan_id" binding:"required"`
		Notas  *string `json:"notas"`
	}
	if !h.bind(c, &req) {
		return
	}
	contract, err := middleware.Workspace(c).Contracts.Create(c.Request.Context(), req.PlanID, req.Notas)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, contract)
}

// PlanContracted - есть ли у потребителя активный договор на этот план
func (h *Handlers) PlanContracted(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	done, err := middleware.Workspace(c).Contracts.AlreadyContracted(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"contracted": done})
}

func (h *Handlers) GetContract(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	contract, err := middleware.Workspace(c).Contracts.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, contract)
}

func (h *Handlers) CancelContract(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	contract, err := middleware.Workspace(c).Contracts.Cancel(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, contract)
}

// TransitionContract переводит договор в новый статус; права проверяет менеджер
func (h *Handlers) TransitionContract(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	var req struct {
		Estado models.ContractStatus `json:"estado" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	contract, err := middleware.Workspace(c).Contracts.Transition(c.Request.Context(), id, req.Estado)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, contract)
}

// AdvisorListContracts - все договоры, ?estado= фильтрует по статусу
func (h *Handlers) AdvisorListContracts(c *gin.Context) {
	var status *models.ContractStatus
	if v := c.Query("estado"); v != "" {
		s := models.ContractStatus(v)
		status = &s
	}
	list, err := middleware.Workspace(c).Contracts.ListAll(c.Request.Context(), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, list)
}

// UpdateContractNotes заменяет заметки; null очищает их
func (h *Handlers) UpdateContractNotes(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	var req struct {
		Notas *string `json:"notas"`
	}
	if !h.bind(c, &req) {
		return
	}
	if req.Notas != nil && len(*req.Notas) > 1000 {
		h.fail(c, fmt.Errorf("%w: notas demasiado largas", models.ErrValidation))
		return
	}
	contract, err := middleware.Workspace(c).Contracts.UpdateNotes(c.Request.Context(), id, req.Notas)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, contract)
}
