package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Peercall/internal/adapters/signal"
	"github.com/dkeye/Peercall/internal/app"
	"github.com/dkeye/Peercall/internal/config"
	"github.com/dkeye/Peercall/internal/domain"
	"github.com/dkeye/Peercall/internal/store"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, coord *app.Coordinator, db *store.DB) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PeercallSessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	ctrl := signal.NewSignalWSController(cfg, coord)
	api.GET("/ws/signal", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/health", func(c *gin.Context) {
		users, calls := coord.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"activeUsers": users,
			"activeCalls": calls,
		})
	})

	api.GET("/ice-servers", func(c *gin.Context) {
		servers := make([]webrtc.ICEServer, 0, len(cfg.IceServers))
		for _, s := range cfg.IceServers {
			ice := webrtc.ICEServer{URLs: s.URLs}
			if s.Username != "" {
				ice.Username = s.Username
				ice.Credential = s.Credential
			}
			servers = append(servers, ice)
		}
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	})

	if db != nil {
		api.GET("/calls/:userId", func(c *gin.Context) {
			history, err := db.CallHistory(domain.UserID(c.Param("userId")), 20)
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("call history")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"calls": history})
		})
	}

	return r
}
