package api

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
)

const keepAliveInterval = 30 * time.Second

// streamEvents forwards broker events as server-sent events. The optional
// types query parameter restricts the stream to a comma separated list of
// event kinds.
func (s *Server) streamEvents(c *gin.Context) {
	var kinds []events.EventType
	for _, kind := range strings.Split(c.Query("types"), ",") {
		if kind = strings.TrimSpace(kind); kind != "" {
			kinds = append(kinds, events.EventType(kind))
		}
	}

	sub := s.deps.Broker.Subscribe(kinds...)
	defer s.deps.Broker.Unsubscribe(sub)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", gin.H{"time": time.Now()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub:
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
