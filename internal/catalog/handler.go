package catalog

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler serves direct track searches. Unlike the autoplay path, provider
// failures here do surface to the caller.
type Handler struct {
	client Searcher
}

func NewHandler(client Searcher) *Handler {
	return &Handler{client: client}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/search", h.Search)
}

func (h *Handler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 50"})
			return
		}
		limit = parsed
	}

	tracks, err := h.client.Search(c.Request.Context(), query, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search provider unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tracks": tracks})
}
