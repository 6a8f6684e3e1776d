// Package dashboard serves a small JSON status API over the assistant's
// store and arbitration state, with an SSE stream for live updates.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mkatzman/valet/internal/arbiter"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB      *gorm.DB
	Arbiter *arbiter.Arbiter
	Port    int
	Out     io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("dashboard: db is required")
	}
	if opts.Arbiter == nil {
		return fmt.Errorf("dashboard: arbiter is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts.DB, opts.Arbiter)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin router with all dashboard routes registered.
func newRouter(db *gorm.DB, arb *arbiter.Arbiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, db, arb)
	return router
}

// registerRoutes sets up all dashboard routes on the gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB, arb *arbiter.Arbiter) {
	router.GET("/api/users", handleUsers(db, arb))
	router.GET("/api/arbitration", handleArbitration(arb))
	router.GET("/api/queues", handleQueues(db))
	router.GET("/api/activity", handleActivity(db))
	router.GET("/api/events", handleSSE(arb))
}

func handleUsers(db *gorm.DB, arb *arbiter.Arbiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := UserSummary(db, arb)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": rows})
	}
}

func handleArbitration(arb *arbiter.Arbiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": arbitrationRows(arb)})
	}
}

func handleQueues(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := QueueSummary(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queues": rows})
	}
}

func handleActivity(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		habits, payments, err := RecentActivity(db, 20)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"habits": habits, "payments": payments})
	}
}
