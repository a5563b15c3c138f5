package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"remedy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// statusForError 将服务层错误映射为 HTTP 状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrTicketNotFound), errors.Is(err, services.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorizedActor):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrApprovalConflict),
		errors.Is(err, services.ErrStaleTicket),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrTicketClosed),
		errors.Is(err, services.ErrExecutionInFlight),
		errors.Is(err, services.ErrRetryLimitReached):
		return http.StatusConflict
	case errors.Is(err, services.ErrPolicyMisconfigured):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *logrus.Logger, title string, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("%s: %v", title, err)
	}
	c.JSON(code, ErrorResponse{Error: title, Message: err.Error(), Code: code})
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}
