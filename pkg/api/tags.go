package api

import (
	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
)

func (s *Server) listTags(c *gin.Context) {
	tags, err := s.deps.Fleet.ListTags()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"tags": tags})
}

func (s *Server) createTag(c *gin.Context) {
	var spec fleet.TagSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err.Error())
		return
	}
	tag, err := s.deps.Fleet.CreateTag(spec)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"tag": tag})
}

func (s *Server) updateTag(c *gin.Context) {
	var spec fleet.TagSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err.Error())
		return
	}
	tag, err := s.deps.Fleet.UpdateTag(c.Param("id"), spec)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"tag": tag})
}

func (s *Server) deleteTag(c *gin.Context) {
	if err := s.deps.Fleet.DeleteTag(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"message": "tag deleted"})
}
