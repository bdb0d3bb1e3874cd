package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/srm-health/rxchain/internal/config"
	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/handler/middleware"
	"github.com/srm-health/rxchain/pkg/auth"
	"github.com/srm-health/rxchain/pkg/metrics"
)

type RouterDeps struct {
	Config        *config.Config
	Log           *zap.Logger
	Collector     *metrics.Collector
	JWTManager    *auth.JWTManager
	DB            *gorm.DB
	Auth          *AuthHandler
	Prescriptions *PrescriptionHandler
	Grants        *GrantHandler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Log))
	r.Use(middleware.Metrics(deps.Collector))

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := deps.DB.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": deps.Config.App.Version,
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", deps.Auth.Register)
		authGroup.POST("/login", deps.Auth.Login)
		authGroup.POST("/refresh", deps.Auth.Refresh)
	}

	// Public scan verification; bearer tokens only attribute audit entries.
	verify := api.Group("/prescriptions/verify", middleware.OptionalAuth(deps.JWTManager))
	{
		verify.GET("", deps.Prescriptions.Verify)
		verify.POST("", deps.Prescriptions.Verify)
	}

	authed := api.Group("", middleware.RequireAuth(deps.JWTManager))
	{
		authed.GET("/medications", deps.Prescriptions.Medications)

		rx := authed.Group("/prescriptions")
		{
			rx.POST("", deps.Prescriptions.Create)
			rx.GET("", deps.Prescriptions.List)
			rx.GET("/:id", deps.Prescriptions.Get)
			rx.POST("/:id/sign", middleware.RequireRole(domain.RoleDoctor), deps.Prescriptions.Sign)
			rx.GET("/:id/qr", deps.Prescriptions.QRToken)
			rx.POST("/:id/anchor", deps.Prescriptions.Anchor)
			rx.GET("/:id/anchor", deps.Prescriptions.AnchorInfo)
			rx.GET("/:id/anchor/verify", deps.Prescriptions.VerifyAnchor)
			rx.POST("/:id/dispense", middleware.RequireRole(domain.RolePharmacy), deps.Prescriptions.Dispense)
		}

		grants := authed.Group("/grants", middleware.RequireRole(domain.RolePatient))
		{
			grants.POST("", deps.Grants.Create)
			grants.GET("", deps.Grants.List)
			grants.POST("/:id/revoke", deps.Grants.Revoke)
		}

		authed.GET("/patients/:id/history", deps.Grants.PatientHistory)
	}

	return r
}
