package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// TagSpec is the operator input for a tag
type TagSpec struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

var defaultTags = []TagSpec{
	{Name: "production", Color: "#f56c6c", Type: "environment", Description: "Production services"},
	{Name: "testing", Color: "#e6a23c", Type: "environment", Description: "Test environment services"},
	{Name: "development", Color: "#67c23a", Type: "environment", Description: "Development services"},
	{Name: "microservice", Color: "#409eff", Type: "architecture", Description: "Microservice architecture"},
	{Name: "database", Color: "#909399", Type: "category", Description: "Database related services"},
	{Name: "api-gateway", Color: "#606266", Type: "category", Description: "API gateway services"},
}

func (s TagSpec) apply(tag *types.Tag) error {
	tag.Name = strings.TrimSpace(s.Name)
	if tag.Name == "" {
		return fmt.Errorf("%w: tag name is required", ErrInvalidConfig)
	}
	tag.Color = s.Color
	if tag.Color == "" {
		tag.Color = types.DefaultTagColor
	}
	tag.Type = s.Type
	if tag.Type == "" {
		tag.Type = "default"
	}
	tag.Description = s.Description
	return nil
}

// ListTags returns every tag
func (c *Controller) ListTags() ([]*types.Tag, error) {
	return c.store.ListTags()
}

// CreateTag stores a new tag; names are unique
func (c *Controller) CreateTag(spec TagSpec) (*types.Tag, error) {
	tag := &types.Tag{ID: uuid.New().String(), CreatedAt: time.Now()}
	if err := spec.apply(tag); err != nil {
		return nil, err
	}
	if err := c.store.CreateTag(tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// UpdateTag replaces the fields of an existing tag
func (c *Controller) UpdateTag(id string, spec TagSpec) (*types.Tag, error) {
	tag, err := c.store.GetTag(id)
	if err != nil {
		return nil, err
	}
	if err := spec.apply(tag); err != nil {
		return nil, err
	}
	if err := c.store.UpdateTag(tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// DeleteTag removes a tag and detaches it from every service
func (c *Controller) DeleteTag(id string) error {
	return c.store.DeleteTag(id)
}

// SeedDefaultTags creates the default tag set once, on a store without tags
func (c *Controller) SeedDefaultTags() error {
	var seeded bool
	err := c.store.GetConfig(storage.ConfigKeySeeded, &seeded)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if seeded {
		return nil
	}

	existing, err := c.store.ListTags()
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for _, spec := range defaultTags {
			if _, err := c.CreateTag(spec); err != nil && !errors.Is(err, storage.ErrDuplicateName) {
				return fmt.Errorf("seed tag %s: %w", spec.Name, err)
			}
		}
		c.logger.Info().Int("tags", len(defaultTags)).Msg("Default tags created")
	}
	return c.store.SetConfig(storage.ConfigKeySeeded, true)
}
