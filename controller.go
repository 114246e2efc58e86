package main

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"glassproxy/certcache"
)

type invalidateRequest struct {
	Host string `json:"host"`
}

// createController wires the administrative API: certificate cache
// management, the recent-transaction log and Prometheus metrics. It listens
// on its own loopback address, separate from proxy traffic.
func createController(fetcher *certcache.Fetcher, recorder *Recorder, config *Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/cache/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"cache": fetcher.Cache().Stats(),
			"mints": fetcher.Mints(),
		})
	})

	router.POST("/api/cache/invalidate", func(c *gin.Context) {
		var request invalidateRequest
		if err := c.ShouldBindJSON(&request); err != nil || request.Host == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "body must be {\"host\": \"...\"}",
			})
			return
		}

		fetcher.Cache().Invalidate(request.Host)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
		})
	})

	router.POST("/api/cache/clear", func(c *gin.Context) {
		fetcher.Cache().Clear()
		c.JSON(http.StatusOK, gin.H{
			"success": true,
		})
	})

	router.GET("/api/transactions", func(c *gin.Context) {
		c.JSON(http.StatusOK, recorder.Snapshot())
	})

	router.POST("/api/transactions/clear", func(c *gin.Context) {
		recorder.Clear()
		c.JSON(http.StatusOK, gin.H{
			"success": true,
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		var droppedLogLines int64
		if logWriter != nil {
			droppedLogLines = logWriter.Dropped()
		}
		c.JSON(http.StatusOK, gin.H{
			"pid":               os.Getpid(),
			"mode":              config.Runtime.Mode,
			"uptime":            time.Since(processStart).String(),
			"interception":      config.HTTPSInterceptionEnabled,
			"cache_backend":     fetcher.Cache().Stats().Backend,
			"dropped_log_lines": droppedLogLines,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
