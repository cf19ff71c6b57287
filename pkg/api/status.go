package api

import (
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/heartbeat"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

const defaultHistoryLimit = 100

// HeartbeatView is the heartbeat state of one running service
type HeartbeatView struct {
	Key           types.ServiceKey       `json:"key"`
	ServiceName   string                 `json:"serviceName"`
	Port          int                    `json:"port"`
	Healthy       bool                   `json:"healthy"`
	Error         *heartbeat.ErrorInfo   `json:"error,omitempty"`
	LastHeartbeat *types.HeartbeatRecord `json:"lastHeartbeat,omitempty"`
}

func (s *Server) heartbeatStatus(c *gin.Context) {
	errs := s.deps.Heartbeats.Errors()

	keys := s.deps.Heartbeats.Keys()
	for key := range errs {
		if !s.deps.Heartbeats.Running(key) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	views := make([]HeartbeatView, 0, len(keys))
	for _, key := range keys {
		name, port, valid := key.Split()
		if !valid {
			continue
		}
		view := HeartbeatView{Key: key, ServiceName: name, Port: port, Healthy: true}
		if info, found := errs[key]; found {
			view.Healthy = false
			view.Error = &info
		}
		if last, err := s.deps.Store.RecentHeartbeats(key, 1); err == nil && len(last) == 1 {
			view.LastHeartbeat = &last[0]
		}
		views = append(views, view)
	}
	ok(c, gin.H{"heartbeats": views})
}

// parseKey reads the :serviceName/:port path pair
func parseKey(c *gin.Context) (string, int, bool) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		badRequest(c, "invalid port")
		return "", 0, false
	}
	return c.Param("serviceName"), port, true
}

func (s *Server) heartbeatHistory(c *gin.Context) {
	name, port, valid := parseKey(c)
	if !valid {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.deps.Store.RecentHeartbeats(types.NewServiceKey(name, port), limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"serviceName": name, "port": port, "history": records, "total": len(records)})
}

func (s *Server) healthStatus(c *gin.Context) {
	rows, err := s.deps.Store.ListHealthStatus()
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{"statuses": rows}
	if s.deps.Monitor != nil {
		body["config"] = s.deps.Monitor.Config()
	}
	ok(c, body)
}

func (s *Server) resetHealth(c *gin.Context) {
	if s.deps.Monitor == nil {
		fail(c, errUnavailable)
		return
	}
	name, port, valid := parseKey(c)
	if !valid {
		return
	}
	row, err := s.deps.Monitor.ResetRecovery(name, port)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status": row})
}
