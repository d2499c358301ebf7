package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/models"
)

// ListPlans отдаёт витрину активных планов из общего кеша
func (h *Handlers) ListPlans(c *gin.Context) {
	plans := h.reg.Public().Plans().Get()
	if plans == nil {
		plans = []models.Plan{}
	}
	ok(c, http.StatusOK, plans)
}

// GetPlan возвращает один план
func (h *Handlers) GetPlan(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	p, err := h.reg.Public().Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// AdvisorListPlans - все планы, ?include_inactive=true добавляет снятые с витрины
func (h *Handlers) AdvisorListPlans(c *gin.Context) {
	plans, err := middleware.Workspace(c).Catalog.ListAll(c.Request.Context(), c.Query("include_inactive") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, plans)
}

func (h *Handlers) CreatePlan(c *gin.Context) {
	var in models.PlanInput
	if !h.bind(c, &in) {
		return
	}
	p, err := middleware.Workspace(c).Catalog.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

func (h *Handlers) UpdatePlan(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	var patch models.PlanPatch
	if !h.bind(c, &patch) {
		return
	}
	p, err := middleware.Workspace(c).Catalog.Update(c.Request.Context(), id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// SetPlanActive включает или скрывает план
func (h *Handlers) SetPlanActive(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	var req struct {
		Activo *bool `json:"activo" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	p, err := middleware.Workspace(c).Catalog.SetActive(c.Request.Context(), id, *req.Activo)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

func (h *Handlers) DeletePlan(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	if err := middleware.Workspace(c).Catalog.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

// UploadPlanImage принимает multipart поле "imagen", кладёт файл в бакет
// и записывает публичный URL в план
func (h *Handlers) UploadPlanImage(c *gin.Context) {
	id, valid := h.idParam(c, "id")
	if !valid {
		return
	}
	fh, err := c.FormFile("imagen")
	if err != nil {
		h.fail(c, validationError(err))
		return
	}
	if fh.Size > h.maxImageSize {
		h.fail(c, fmt.Errorf("%w: la imagen supera %d bytes", models.ErrValidation, h.maxImageSize))
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, validationError(err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxImageSize+1))
	if err != nil {
		h.fail(c, validationError(err))
		return
	}

	ctx := c.Request.Context()
	store := middleware.Workspace(c).Catalog
	url, err := store.UploadImage(ctx, data, fh.Filename, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := store.Update(ctx, id, models.PlanPatch{ImagenURL: &url})
	if err != nil {
		// картинка без плана никому не нужна
		if derr := store.DeleteImage(ctx, url); derr != nil {
			h.log.WithError(derr).WithField("url", url).Warn("не удалось удалить осиротевшую картинку")
		}
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// DeletePlanImage удаляет объект по публичному URL
func (h *Handlers) DeletePlanImage(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	if err := middleware.Workspace(c).Catalog.DeleteImage(c.Request.Context(), req.URL); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}
