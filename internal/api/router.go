// Package api is the HTTP surface of the ticket service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/email/outbound"
	"github.com/talentdesk-io/talentdesk/internal/middleware"
	"github.com/talentdesk-io/talentdesk/internal/models"
	"github.com/talentdesk-io/talentdesk/internal/tickets"
)

// TicketService is what the handlers need from the tickets package.
type TicketService interface {
	ListTickets(ctx context.Context, q tickets.ListTicketsQuery) (*models.Page[models.TicketSummary], error)
	ListMessages(ctx context.Context, ticketID string, page, size int) (*models.Page[*models.TicketMessage], error)
	Reply(ctx context.Context, ticketID string, req outbound.ReplyRequest) (*outbound.ReplyResult, error)
	UpdateStatus(ctx context.Context, ticketID, status string) (*models.Ticket, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger         zerolog.Logger
	MetricsEnabled bool
	MetricsPath    string
	Health         map[string]HealthCheck
}

// NewRouter wires the ticket API, health and metrics endpoints.
func NewRouter(svc TicketService, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(opts.Logger), gin.Recovery())
	if opts.MetricsEnabled {
		r.Use(middleware.Metrics())
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	r.GET("/healthz", healthHandler(opts.Health))

	h := &ticketHandlers{svc: svc}
	v1 := r.Group("/api/v1")
	{
		v1.GET("/tickets", h.listTickets)
		v1.GET("/tickets/:id/messages", h.listMessages)
		v1.POST("/tickets/:id/reply", h.reply)
		v1.PATCH("/tickets/:id/status", h.updateStatus)
	}
	return r
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
