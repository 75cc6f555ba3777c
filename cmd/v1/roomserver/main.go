// Command roomserver runs the real-time room coordination service: clock
// sync, the voted queue, the DJ state machine, and the mutiny/election vote
// engines, all fronted by one WebSocket hub.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waveroomhq/roomserver/internal/v1/auth"
	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/config"
	"github.com/waveroomhq/roomserver/internal/v1/djstate"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/health"
	"github.com/waveroomhq/roomserver/internal/v1/logging"
	"github.com/waveroomhq/roomserver/internal/v1/metadata"
	"github.com/waveroomhq/roomserver/internal/v1/middleware"
	"github.com/waveroomhq/roomserver/internal/v1/playback"
	"github.com/waveroomhq/roomserver/internal/v1/queue"
	"github.com/waveroomhq/roomserver/internal/v1/ratelimit"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
	"github.com/waveroomhq/roomserver/internal/v1/roomserver"
	"github.com/waveroomhq/roomserver/internal/v1/store"
	"github.com/waveroomhq/roomserver/internal/v1/tracing"
	"github.com/waveroomhq/roomserver/internal/v1/vote"
	"github.com/waveroomhq/roomserver/pkg/media"
)

type createRoomRequest struct {
	Name            string  `json:"name" binding:"required"`
	Password        string  `json:"password"`
	MaxMembers      int     `json:"maxMembers"`
	MutinyThreshold float64 `json:"mutinyThreshold"`
}

func main() {
	for _, path := range []string{".env", "../../.env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(context.Background(), err.Error())
		return
	}
	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		logging.Fatal(context.Background(), "failed to initialize logger: "+err.Error())
		return
	}

	ctx := context.Background()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "roomserver", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracer, continuing without tracing")
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	sqlStore, err := store.Open(cfg.SQLiteDSN)
	if err != nil {
		logging.Fatal(ctx, "failed to open persisted layout: "+err.Error())
		return
	}
	defer sqlStore.Close()

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis: "+err.Error())
			return
		}
		defer busService.Close()
	} else {
		logging.Warn(ctx, "redis disabled; running in single-instance mode")
	}

	mediaClient := media.NewClient("", time.Duration(cfg.MetadataRequestTimeout)*time.Millisecond)
	cachedResolver := metadata.New(mediaClient, busService, time.Duration(cfg.MetadataCacheTTLMs)*time.Millisecond)

	playbackCoord := playback.New(busService, busService)
	djMachine := djstate.New(busService, sqlStore, sqlStore, playbackCoord, busService, time.Duration(cfg.DJGraceMs)*time.Millisecond)
	queueEngine := queue.New(busService, busService, cachedResolver)
	voteEngine := vote.New(busService, busService, djMachine, sqlStore,
		time.Duration(cfg.VoteTimeoutMs)*time.Millisecond, time.Duration(cfg.MutinyCooldownMs)*time.Millisecond)

	healthHandler := health.NewHandler(busService, sqlStore, mediaClient)

	var validator roomserver.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled; do not use in production")
		validator = &auth.MockValidator{}
	} else if cfg.AuthDomain != "" && cfg.AuthAudience != "" {
		v, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize auth validator: "+err.Error())
			return
		}
		validator = v
	} else {
		logging.Fatal(ctx, "AUTH_DOMAIN and AUTH_AUDIENCE must be set when SKIP_AUTH is not true")
		return
	}

	allowedOrigins := strings.Split(cfg.CORSOrigins, ",")

	deps := roomserver.Deps{
		Bus:              busService,
		Store:            sqlStore,
		Resolver:         cachedResolver,
		DJ:               djMachine,
		Queue:            queueEngine,
		Vote:             voteEngine,
		Playback:         playbackCoord,
		MetadataCacheTTL: time.Duration(cfg.MetadataCacheTTLMs) * time.Millisecond,
		VoteTimeout:      time.Duration(cfg.VoteTimeoutMs) * time.Millisecond,
		MutinyCooldown:   time.Duration(cfg.MutinyCooldownMs) * time.Millisecond,
		DJGracePeriod:    time.Duration(cfg.DJGraceMs) * time.Millisecond,
		MaxMembers:       cfg.MaxMembersDefault,
		MutinyThreshold:  cfg.MutinyThresholdDefault,
	}
	hub := roomserver.NewHub(validator, deps, allowedOrigins)

	rl, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter: "+err.Error())
		return
	}

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/ws/:roomCode", func(c *gin.Context) {
		if !rl.CheckWebSocketConnectIP(c) {
			return
		}
		hub.ServeWs(c)
	})

	api := router.Group("/api")
	{
		api.POST("/rooms", rl.RoomsMiddleware(), func(c *gin.Context) {
			tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set("claims_subject", claims.Subject)

			var req createRoomRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			maxMembers := req.MaxMembers
			if maxMembers <= 0 {
				maxMembers = cfg.MaxMembersDefault
			}
			threshold := req.MutinyThreshold
			if threshold <= 0 {
				threshold = cfg.MutinyThresholdDefault
			}
			settings := domain.DefaultRoomSettings(maxMembers, threshold)

			room, err := hub.CreateRoom(c.Request.Context(), domain.UserIDType(claims.Subject), req.Name, req.Password, settings)
			if err != nil {
				status := http.StatusInternalServerError
				if roomerr.Is(err, roomerr.InvalidInput) {
					status = http.StatusBadRequest
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"roomId": room.Code()})
		})
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "roomserver listening on :"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed: "+err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown: "+err.Error())
	}
	if err := hub.Close(); err != nil {
		logging.Error(ctx, "hub close failed: "+err.Error())
	}
	logging.Info(ctx, "roomserver exited")
}
