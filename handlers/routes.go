package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/planmovil/metrics"
	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/models"
)

// Routes регистрирует все маршруты сервиса
func (h *Handlers) Routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.reg.Len()})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws", h.ServeWs)

	api := r.Group("/api")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.GET("/plans", h.ListPlans)
	api.GET("/plans/:id", h.GetPlan)

	authed := api.Group("")
	authed.Use(middleware.Authenticate(h.reg, h.log))
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/profile", h.GetProfile)
	authed.PUT("/profile", h.UpdateProfile)

	consumer := authed.Group("")
	consumer.Use(middleware.RequireRole(models.RoleConsumer))
	consumer.GET("/contracts/mine", h.ListMyContracts)
	consumer.GET("/contracts/active", h.ActiveContract)
	consumer.POST("/contracts", h.CreateContract)
	consumer.GET("/plans/:id/contracted", h.PlanContracted)
	consumer.POST("/contracts/:id/cancel", h.CancelContract)

	member := authed.Group("")
	member.Use(middleware.RequireRole(models.RoleConsumer, models.RoleAdvisor))
	member.GET("/contracts/:id", h.GetContract)
	member.POST("/contracts/:id/transition", h.TransitionContract)
	member.GET("/chat/:contractId/messages", h.OpenChat)
	member.POST("/chat/:contractId/messages", h.SendMessage)
	member.POST("/chat/:contractId/read", h.MarkChatRead)
	member.GET("/chat/:contractId/unread", h.UnreadCount)
	member.DELETE("/chat", h.CloseChat)

	advisor := authed.Group("/advisor")
	advisor.Use(middleware.RequireRole(models.RoleAdvisor))
	advisor.GET("/plans", h.AdvisorListPlans)
	advisor.POST("/plans", h.CreatePlan)
	advisor.DELETE("/plans/image", h.DeletePlanImage)
	advisor.PUT("/plans/:id", h.UpdatePlan)
	advisor.DELETE("/plans/:id", h.DeletePlan)
	advisor.PATCH("/plans/:id/active", h.SetPlanActive)
	advisor.POST("/plans/:id/image", h.UploadPlanImage)
	advisor.GET("/contracts", h.AdvisorListContracts)
	advisor.POST("/contracts/:id/status", h.TransitionContract)
	advisor.PUT("/contracts/:id/notes", h.UpdateContractNotes)
	advisor.PUT("/profiles/:userId/role", h.ChangeUserRole)
}
