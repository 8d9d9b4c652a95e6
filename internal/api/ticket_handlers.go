package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/talentdesk-io/talentdesk/internal/database"
	"github.com/talentdesk-io/talentdesk/internal/email/outbound"
	"github.com/talentdesk-io/talentdesk/internal/tickets"
)

type ticketHandlers struct {
	svc TicketService
}

func (h *ticketHandlers) listTickets(c *gin.Context) {
	page, size, ok := paging(c)
	if !ok {
		return
	}
	result, err := h.svc.ListTickets(c.Request.Context(), tickets.ListTicketsQuery{
		Status:        c.Query("status"),
		CustomerEmail: c.Query("customer_email"),
		Query:         c.Query("q"),
		Page:          page,
		Size:          size,
		Sort:          c.Query("sort"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ticketHandlers) listMessages(c *gin.Context) {
	page, size, ok := paging(c)
	if !ok {
		return
	}
	result, err := h.svc.ListMessages(c.Request.Context(), c.Param("id"), page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ticketHandlers) reply(c *gin.Context) {
	var req outbound.ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	result, err := h.svc.Reply(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *ticketHandlers) updateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "status is required"})
		return
	}
	ticket, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// paging reads page and size; zero means "use the default".
func paging(c *gin.Context) (int, int, bool) {
	page, err1 := queryInt(c, "page")
	size, err2 := queryInt(c, "size")
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "page and size must be integers"})
		return 0, 0, false
	}
	return page, size, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// respondError maps service errors to status codes. A reply that was sent
// but not recorded is a 500 even though the customer got the mail. An
// unreachable database is a 503 so clients know to retry.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tickets.ErrNotFound), errors.Is(err, outbound.ErrTicketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tickets.ErrInvalidStatus), errors.Is(err, tickets.ErrInvalidSort):
		status = http.StatusBadRequest
	case errors.Is(err, outbound.ErrNoRecipient),
		errors.Is(err, outbound.ErrInvalidRecipient),
		errors.Is(err, outbound.ErrEmptyBody):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, outbound.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, outbound.ErrUnrecorded):
	case database.IsConnectionError(err):
		status = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	message := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		message = "database unavailable"
	case status == http.StatusInternalServerError && !errors.Is(err, outbound.ErrUnrecorded):
		message = "internal error"
	}
	c.JSON(status, gin.H{"success": false, "error": message})
}
