package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"burrow/internal/groupqueue"
	"burrow/internal/sandbox"
	"burrow/internal/scheduler"
	"burrow/internal/store"
	pkgerrors "burrow/pkg/errors"
	"burrow/pkg/utils/logger"
	"burrow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// buildAdminServer exposes the operator API: queue state, scheduled task
// management, and registered groups. It is meant for localhost or a trusted
// network; when a JWT secret is configured every request must carry a valid
// bearer token.
func buildAdminServer(cfg AdminConfig, st *store.Store, queue *groupqueue.Queue, sched *scheduler.Scheduler, runner *sandbox.Runner) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{
			"active_runs": runner.ActiveCount(),
		})
	})

	api := engine.Group("/api/v1")
	if cfg.JWTSecret != "" {
		api.Use(authMiddleware(cfg.JWTSecret, cfg.JWTIssuer))
	}

	api.GET("/queue", func(c *gin.Context) {
		response.Success(c, queue.Status())
	})

	api.GET("/groups", func(c *gin.Context) {
		groups, err := st.AllGroups()
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, groups)
	})

	api.GET("/tasks", func(c *gin.Context) {
		tasks, err := st.AllTasks()
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, tasks)
	})

	api.GET("/tasks/:id", func(c *gin.Context) {
		task, err := st.TaskByID(c.Param("id"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, task)
	})

	api.GET("/tasks/:id/logs", func(c *gin.Context) {
		logs, err := st.RunLogs(c.Param("id"), 50)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, logs)
	})

	api.POST("/tasks/:id/pause", func(c *gin.Context) {
		if err := sched.Pause(c.Request.Context(), c.Param("id")); err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, nil)
	})

	api.POST("/tasks/:id/resume", func(c *gin.Context) {
		if err := sched.Resume(c.Request.Context(), c.Param("id")); err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, nil)
	})

	api.DELETE("/tasks/:id", func(c *gin.Context) {
		if err := sched.Cancel(c.Request.Context(), c.Param("id")); err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, nil)
	})

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func authMiddleware(secret, issuer string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "token expired")
				return
			}
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "invalid token")
			return
		}
		if !parsed.Valid {
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "invalid token")
			return
		}
		if issuer != "" {
			got, err := parsed.Claims.GetIssuer()
			if err != nil || got != issuer {
				response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "invalid token issuer")
				return
			}
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
