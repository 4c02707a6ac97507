package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/api/dto"
	"github.com/spec-kit/clinic-support/internal/auth"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/service"
	"github.com/spec-kit/clinic-support/internal/storage"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

const defaultHeartbeat = 15 * time.Second

// TicketsHandler serves the ticket endpoints for every role; the service scopes each call.
type TicketsHandler struct {
	service   *service.TicketService
	logger    *zap.Logger
	basePath  string
	heartbeat time.Duration
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService, logger *zap.Logger, basePath string) *TicketsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketsHandler{service: ticketService, logger: logger, basePath: basePath, heartbeat: defaultHeartbeat}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.service.CreateTicket(c.UserContext(), caller, service.TicketCreateInput{
		RequesterID: req.RequesterID,
		Title:       req.Title,
		Category:    req.Category,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// ListTickets GET /tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	filter, err := parseTicketQuery(c)
	if err != nil {
		return err
	}
	tickets, err := h.service.ListTickets(c.UserContext(), caller, filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": dto.NewTicketResponses(tickets),
		"meta": fiber.Map{"limit": filter.Limit, "offset": filter.Offset},
	})
}

// CountTickets GET /tickets/counts.
func (h *TicketsHandler) CountTickets(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	counts, err := h.service.CountTickets(c.UserContext(), caller)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": counts})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.GetTicket(c.UserContext(), caller, c.Params("id"))
	if err != nil {
		return err
	}
	msgs, err := h.service.ListMessages(c.UserContext(), caller, ticket.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketDetailResponse{
		TicketResponse: dto.NewTicketResponse(ticket),
		Messages:       dto.NewMessageResponses(msgs, h.basePath),
	}})
}

// DeleteTicket DELETE /tickets/:id.
func (h *TicketsHandler) DeleteTicket(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	if err := h.service.DeleteTicket(c.UserContext(), caller, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// ListMessages GET /tickets/:id/messages.
func (h *TicketsHandler) ListMessages(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	msgs, err := h.service.ListMessages(c.UserContext(), caller, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewMessageResponses(msgs, h.basePath)})
}

// SendMessage POST /tickets/:id/messages. Accepts JSON or multipart with "body" and "file".
func (h *TicketsHandler) SendMessage(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}

	var input service.SendMessageInput
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		var file multipart.File
		input, file, err = multipartMessage(c)
		if err != nil {
			return err
		}
		if file != nil {
			defer file.Close()
		}
	} else {
		var req dto.CreateMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
		input.Body = req.Body
	}

	msg, err := h.service.SendMessage(c.UserContext(), caller, c.Params("id"), input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewMessageResponse(msg, h.basePath)})
}

func multipartMessage(c *fiber.Ctx) (service.SendMessageInput, multipart.File, error) {
	var input service.SendMessageInput
	if body := c.FormValue("body"); body != "" {
		input.Body = &body
	}
	header, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, fasthttp.ErrMissingFile) {
			return input, nil, nil
		}
		return input, nil, apperrors.NewValidationError("invalid multipart payload", nil)
	}
	file, err := header.Open()
	if err != nil {
		return input, nil, apperrors.NewUploadFailed(err)
	}
	input.Attachment = &storage.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get(fiber.HeaderContentType),
		Content:     file,
	}
	return input, file, nil
}

// DownloadAttachment GET /tickets/:id/messages/:messageId/attachment.
func (h *TicketsHandler) DownloadAttachment(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	att, rc, err := h.service.OpenAttachment(c.UserContext(), caller, c.Params("id"), c.Params("messageId"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, att.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, att.FileName))
	// fasthttp closes rc once the body is written.
	return c.SendStream(rc, int(att.SizeBytes))
}

// CloseTicket POST /tickets/:id/close.
func (h *TicketsHandler) CloseTicket(c *fiber.Ctx) error {
	return h.transition(c, h.service.CloseTicket)
}

// ResolveTicket POST /tickets/:id/resolve.
func (h *TicketsHandler) ResolveTicket(c *fiber.Ctx) error {
	return h.transition(c, h.service.ResolveTicket)
}

// ReassignTicket POST /tickets/:id/reassign.
func (h *TicketsHandler) ReassignTicket(c *fiber.Ctx) error {
	var req dto.ReassignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return h.transition(c, func(ctx context.Context, caller domain.Caller, id string) (*domain.Ticket, error) {
		return h.service.ReassignTicket(ctx, caller, id, req.OwnerID)
	})
}

// UpdatePriority PATCH /tickets/:id/priority.
func (h *TicketsHandler) UpdatePriority(c *fiber.Ctx) error {
	var req dto.UpdatePriorityRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return h.transition(c, func(ctx context.Context, caller domain.Caller, id string) (*domain.Ticket, error) {
		return h.service.UpdatePriority(ctx, caller, id, req.Priority)
	})
}

// ListHistory GET /tickets/:id/history.
func (h *TicketsHandler) ListHistory(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	entries, err := h.service.ListHistory(c.UserContext(), caller, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewHistoryResponses(entries)})
}

// Stream GET /tickets/stream pushes change signals as server-sent events. Clients
// re-fetch their own views on each signal.
func (h *TicketsHandler) Stream(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	changes, cancel, err := h.service.SubscribeChanges(caller)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	heartbeat := h.heartbeat
	logger := h.logger.With(zap.String("caller_id", caller.ID))
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		fmt.Fprint(w, ": connected\n\n")
		if err := w.Flush(); err != nil {
			return
		}
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				payload, err := json.Marshal(change)
				if err != nil {
					logger.Warn("encode change event", zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", change.ID, change.Kind, payload)
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
			}
			if err := w.Flush(); err != nil {
				logger.Debug("change stream closed by client", zap.Error(err))
				return
			}
		}
	}))
	return nil
}

func (h *TicketsHandler) transition(c *fiber.Ctx, fn func(ctx context.Context, caller domain.Caller, id string) (*domain.Ticket, error)) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	ticket, err := fn(c.UserContext(), caller, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

func callerFrom(c *fiber.Ctx) (domain.Caller, error) {
	caller, ok := auth.CallerFromContext(c)
	if !ok {
		return domain.Caller{}, apperrors.NewUnauthorized("authentication required")
	}
	return caller, nil
}

func parseTicketQuery(c *fiber.Ctx) (service.TicketListFilter, error) {
	filter := service.TicketListFilter{}
	for _, part := range splitList(c.Query("state")) {
		state := domain.TicketState(part)
		if !state.Valid() {
			return filter, apperrors.NewValidationError("invalid state", map[string]any{"state": part})
		}
		filter.States = append(filter.States, state)
	}
	for _, part := range splitList(c.Query("priority")) {
		priority := domain.TicketPriority(part)
		if !priority.Valid() {
			return filter, apperrors.NewValidationError("invalid priority", map[string]any{"priority": part})
		}
		filter.Priorities = append(filter.Priorities, priority)
	}
	if category := c.Query("category"); category != "" {
		filter.Category = &category
	}
	if search := c.Query("search"); search != "" {
		filter.SearchTerm = &search
	}
	filter.UpdatedFrom = parseTime(c.Query("updated_from"))
	filter.UpdatedTo = parseTime(c.Query("updated_to"))

	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 20)
	filter.Offset = (page - 1) * pageSize
	filter.Limit = pageSize
	return filter, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(val string) *time.Time {
	if val == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil
	}
	return &t
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
