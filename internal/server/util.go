package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// Common error responses
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError sends a standardized error response
func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// handleBindingError handles JSON binding errors
func handleBindingError(c *gin.Context, _ error) {
	respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
}

const maxPageLimit = 1000

// Pagination parameters. A nil page returns everything.
type PaginationParams struct {
	Offset int
	Limit  int
}

// parsePaginationParams parses offset and limit query parameters
func parsePaginationParams(c *gin.Context) (*PaginationParams, error) {
	offsetStr, hasOffset := c.GetQuery("offset")
	limitStr, hasLimit := c.GetQuery("limit")
	if !hasOffset && !hasLimit {
		return nil, nil
	}
	if offsetStr == "" {
		offsetStr = "0"
	}
	if limitStr == "" {
		limitStr = "100"
	}

	offset, err := strconv.Atoi(offsetStr)
	if err != nil || offset < 0 {
		return nil, errors.New("offset must be a non-negative number")
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return nil, errors.New("limit must be a non-negative number")
	}

	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	return &PaginationParams{Offset: offset, Limit: limit}, nil
}

func (p *PaginationParams) apply(items []recordView) []recordView {
	if p == nil {
		return items
	}
	if p.Offset >= len(items) {
		return []recordView{}
	}
	items = items[p.Offset:]
	if p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
