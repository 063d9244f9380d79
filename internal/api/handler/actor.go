package handler

import (
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/gin-gonic/gin"
)

const actorKey = "actor"

// SetActor stores the caller identity resolved by the actor middleware
func SetActor(c *gin.Context, actor domain.Actor) {
	c.Set(actorKey, actor)
}

// ActorFrom returns the caller identity, or an anonymous actor carrying only the client IP
func ActorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{IP: c.ClientIP()}
}
