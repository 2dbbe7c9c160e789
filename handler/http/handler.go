package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"geobatch/src/core/auth"
	"geobatch/src/core/fault"
	"geobatch/src/core/run"
	"geobatch/src/log"
)

const identityKey = "identity"

// Secrets carries the credentials the API authenticates against: the
// JWT signing key for user tokens and the shared secret the batch fleet
// presents on machine endpoints.
type Secrets struct {
	JWT     string
	Machine string
	Webhook string
}

// RequestID tags every request so log lines can be correlated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Authenticate resolves the caller. A matching shared secret yields an
// elevated machine identity; otherwise a bearer token is verified and
// its uid/admin claims are read. Requests without credentials proceed
// anonymously and are stopped by RequireAuth where it is mounted.
func Authenticate(secrets Secrets) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret := c.GetHeader("X-Shared-Secret"); secret != "" {
			if secrets.Machine != "" && secret == secrets.Machine {
				c.Set(identityKey, auth.Identity{Admin: true})
			}
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.Next()
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secrets.JWT), nil
		})
		if err != nil || !token.Valid {
			c.Next()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.Next()
			return
		}

		var who auth.Identity
		if uid, ok := claims["u"].(float64); ok {
			who.UID = int64(uid)
		}
		if admin, ok := claims["a"].(bool); ok {
			who.Admin = admin
		}
		c.Set(identityKey, who)
		c.Next()
	}
}

// RequireAuth stops anonymous requests.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(identityKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// RequireMachine stops everything except the batch fleet and admins.
func RequireMachine() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity(c).Elevated() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "machine credentials required"})
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	if v, ok := c.Get(identityKey); ok {
		if who, ok := v.(auth.Identity); ok {
			return who
		}
	}
	return auth.Identity{}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed " + name + " id"})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	var partial *run.PartialFailure
	if errors.As(err, &partial) {
		log.Error(err, "populate failed partway", "run", partial.Run, "created", len(partial.Created), "orphaned", partial.Orphaned)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "job submission failed partway; the run is closed",
			"run":      partial.Run,
			"jobs":     partial.Created,
			"orphaned": partial.Orphaned,
		})
		return
	}

	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error(err, "request failed", "request_id", c.GetString("request_id"), "path", c.FullPath())
	}
	c.JSON(status, gin.H{"error": fault.Message(err)})
}
