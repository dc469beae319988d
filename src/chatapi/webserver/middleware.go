package webserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// Identity is what the session layer asserts about a connection: who the
// user is and their role within one guild. This service never issues or
// validates credentials beyond the token signature.
type Identity struct {
	UserID  uint64
	GuildID uint64
	Role    types.Role
}

func (id Identity) Actor() restrict.Actor {
	return restrict.Actor{UserID: id.UserID, Role: id.Role}
}

func parseIdentity(tokenStr string, secret []byte) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}

	uid, ok := claimUint(claims, "sub")
	if !ok {
		return Identity{}, errors.New("missing sub claim")
	}
	gid, ok := claimUint(claims, "guild")
	if !ok {
		return Identity{}, errors.New("missing guild claim")
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = string(types.RoleMember)
	}
	return Identity{UserID: uid, GuildID: gid, Role: types.Role(role)}, nil
}

func claimUint(claims jwt.MapClaims, key string) (uint64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return uint64(v), true
	case string:
		var n uint64
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0, false
			}
			n = n*10 + uint64(r-'0')
		}
		return n, v != ""
	}
	return 0, false
}

func JWT(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := c.GetHeader("Authorization")
		if !strings.HasPrefix(bearer, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		id, err := parseIdentity(bearer[7:], secret)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("identity", id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) Identity {
	id, _ := c.Get("identity")
	ident, _ := id.(Identity)
	return ident
}
