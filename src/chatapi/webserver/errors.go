package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// renderError maps the typed error taxonomy onto HTTP. Moderation blocks
// carry the restriction type and expiry so clients can render "muted
// until 14:32" instead of a generic failure.
func renderError(c *gin.Context, err error) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	body := gin.H{"err": typed.Msg, "kind": typed.Kind}
	status := http.StatusInternalServerError

	switch typed.Kind {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindAuthorization:
		status = http.StatusForbidden
	case types.KindModerationBlocked:
		status = http.StatusForbidden
		if r := typed.Restriction; r != nil {
			body["restriction"] = gin.H{
				"type":       r.Type,
				"scope":      r.Scope,
				"reason":     r.Reason,
				"expires_at": r.ExpiresAt,
			}
		}
	case types.KindConflict:
		status = http.StatusConflict
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindTransient:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, body)
}
