package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
	"gopkg.in/yaml.v3"
)

// Version is written into every exported document
const Version = "1.0"

// Format is the encoding of a document
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ErrServicesRunning is returned when importing while proxies are live
var ErrServicesRunning = fmt.Errorf("%w: stop all running services before importing", fleet.ErrServiceRunning)

// Document is the exported configuration
type Document struct {
	Version    string    `json:"version" yaml:"version"`
	ExportTime time.Time `json:"exportTime" yaml:"exportTime"`
	Data       Data      `json:"data" yaml:"data"`
}

// Data holds the exported records
type Data struct {
	ProxyServices   []*types.ProxyService  `json:"proxyServices" yaml:"proxyServices"`
	Tags            []*types.Tag           `json:"tags" yaml:"tags"`
	AutoStartConfig *types.AutoStartConfig `json:"autoStartConfig,omitempty" yaml:"autoStartConfig,omitempty"`
	EurekaConfig    *types.EurekaConfig    `json:"eurekaConfig,omitempty" yaml:"eurekaConfig,omitempty"`
}

// Export builds a document from store. Services are exported stopped with
// their first target (by name) active.
func Export(store storage.Store) (*Document, error) {
	services, err := store.ListServices()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	tags, err := store.ListTags()
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}

	doc := &Document{
		Version:    Version,
		ExportTime: time.Now().UTC(),
		Data:       Data{Tags: tags},
	}
	for _, service := range services {
		exported := service.Clone()
		exported.IsRunning = false
		if names := targetNames(exported); len(names) > 0 {
			exported.ActiveTarget = names[0]
		}
		doc.Data.ProxyServices = append(doc.Data.ProxyServices, exported)
	}

	var autoStart types.AutoStartConfig
	if err := store.GetConfig(storage.ConfigKeyAutoStart, &autoStart); err == nil {
		doc.Data.AutoStartConfig = &autoStart
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	var eureka types.EurekaConfig
	if err := store.GetConfig(storage.ConfigKeyEureka, &eureka); err == nil {
		doc.Data.EurekaConfig = &eureka
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return doc, nil
}

func targetNames(service *types.ProxyService) []string {
	names := make([]string, 0, len(service.Targets))
	for name := range service.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes doc
func Encode(doc *Document, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML, "":
		return yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Decode parses a JSON or YAML document
func Decode(data []byte) (*Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON document: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML document: %w", err)
	}
	if doc.Version == "" {
		return nil, errors.New("document has no version")
	}
	return &doc, nil
}

// Result summarizes an import
type Result struct {
	ServicesImported  int                 `json:"servicesImported"`
	ServicesSkipped   []string            `json:"servicesSkipped,omitempty"`
	TagsImported      int                 `json:"tagsImported"`
	TagsSkipped       int                 `json:"tagsSkipped"`
	AutoStartImported int                 `json:"autoStartImported"`
	EurekaConfig      *types.EurekaConfig `json:"eurekaConfig,omitempty"`
}

// Import merges doc into store. Tags with an existing name and services with
// an existing name are skipped; imported records get new IDs and references
// are remapped. anyRunning guards against importing under live proxies.
func Import(store storage.Store, doc *Document, anyRunning bool) (*Result, error) {
	if anyRunning {
		return nil, ErrServicesRunning
	}
	result := &Result{}

	// old tag ID -> stored tag ID
	tagIDs := make(map[string]string)
	existingTags, err := store.ListTags()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(existingTags))
	for _, tag := range existingTags {
		byName[tag.Name] = tag.ID
	}
	for _, tag := range doc.Data.Tags {
		if id, ok := byName[tag.Name]; ok {
			tagIDs[tag.ID] = id
			result.TagsSkipped++
			continue
		}
		imported := *tag
		imported.ID = uuid.New().String()
		if imported.CreatedAt.IsZero() {
			imported.CreatedAt = time.Now()
		}
		if imported.Color == "" {
			imported.Color = types.DefaultTagColor
		}
		if err := store.CreateTag(&imported); err != nil {
			return nil, fmt.Errorf("failed to import tag %s: %w", tag.Name, err)
		}
		tagIDs[tag.ID] = imported.ID
		byName[imported.Name] = imported.ID
		result.TagsImported++
	}

	// old service ID -> stored service ID
	serviceIDs := make(map[string]string)
	for _, service := range doc.Data.ProxyServices {
		if existing, err := store.GetServiceByName(service.ServiceName); err == nil {
			if existing.Port == service.Port {
				serviceIDs[service.ID] = existing.ID
			}
			result.ServicesSkipped = append(result.ServicesSkipped, service.ServiceName)
			continue
		}

		imported := service.Clone()
		imported.ID = uuid.New().String()
		imported.IsRunning = false
		imported.TagIDs = nil
		for _, old := range service.TagIDs {
			if id, ok := tagIDs[old]; ok {
				imported.TagIDs = append(imported.TagIDs, id)
			}
		}
		now := time.Now()
		imported.CreatedAt, imported.UpdatedAt = now, now
		if err := imported.Validate(); err != nil {
			result.ServicesSkipped = append(result.ServicesSkipped, service.ServiceName)
			continue
		}
		if err := store.CreateService(imported); err != nil {
			return nil, fmt.Errorf("failed to import service %s: %w", service.ServiceName, err)
		}
		serviceIDs[service.ID] = imported.ID
		result.ServicesImported++
	}

	if doc.Data.AutoStartConfig != nil {
		var current types.AutoStartConfig
		if err := store.GetConfig(storage.ConfigKeyAutoStart, &current); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		seen := make(map[string]bool, len(current.ServiceIDs))
		for _, id := range current.ServiceIDs {
			seen[id] = true
		}
		for _, old := range doc.Data.AutoStartConfig.ServiceIDs {
			id, ok := serviceIDs[old]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			current.ServiceIDs = append(current.ServiceIDs, id)
			result.AutoStartImported++
		}
		current.UpdatedAt = time.Now()
		if err := store.SetConfig(storage.ConfigKeyAutoStart, &current); err != nil {
			return nil, err
		}
	}

	if doc.Data.EurekaConfig != nil {
		if err := store.SetConfig(storage.ConfigKeyEureka, doc.Data.EurekaConfig); err != nil {
			return nil, err
		}
		result.EurekaConfig = doc.Data.EurekaConfig
	}
	return result, nil
}
