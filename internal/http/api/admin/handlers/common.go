package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// readAdminIDFromContext returns the admin ID stored by the auth middleware.
func readAdminIDFromContext(c *gin.Context) (uint64, bool) {
	value, ok := c.Get("adminID")
	if !ok {
		return 0, false
	}
	id, ok := value.(uint64)
	return id, ok
}

// parseIDParam reads a numeric :id path parameter.
func parseIDParam(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || id == 0 {
		return 0, false
	}
	return id, true
}
