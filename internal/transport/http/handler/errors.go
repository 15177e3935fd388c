package handler

import (
	"github.com/gin-gonic/gin"
)

// respondError writes the uniform control-plane error body: a short
// machine code plus a human-readable message.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

const msgInternal = "internal error, see server logs"
