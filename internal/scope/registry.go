// Package scope holds the resource-type registry and the permission
// evaluator: which resource types exist, which CRUD operations each one
// supports, and whether a given key's scopes allow a requested operation.
package scope

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

// Registry is the explicit catalog of manageable resource types and the
// operations each supports. It is populated once at startup (from a YAML
// file, registration calls, or both) and read-only afterwards, so lookups
// need no locking on the request path.
type Registry struct {
	resources map[string]model.OpSet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]model.OpSet)}
}

// Register declares a resource type and the operations it supports.
// Registering the same type again merges the operation sets.
func (r *Registry) Register(resourceType string, ops model.OpSet) {
	r.resources[resourceType] = r.resources[resourceType].Union(ops)
}

// IsRegistered reports whether the resource type is in the catalog.
func (r *Registry) IsRegistered(resourceType string) bool {
	_, ok := r.resources[resourceType]
	return ok
}

// IsValidOperation reports whether op is a supported operation on the
// given resource type. Used at administrative-write time to reject
// nonsensical scope grants, not on the per-request path.
func (r *Registry) IsValidOperation(resourceType string, op model.Operation) bool {
	ops, ok := r.resources[resourceType]
	return ok && ops.Contains(op)
}

// Entry is one catalog row, for listings.
type Entry struct {
	ResourceType string            `json:"resource_type" yaml:"resource_type"`
	Operations   []model.Operation `json:"operations" yaml:"operations"`
}

// Entries returns the catalog sorted by resource type.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, len(r.resources))
	for rt, ops := range r.resources {
		entries = append(entries, Entry{ResourceType: rt, Operations: ops.Operations()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ResourceType < entries[j].ResourceType
	})
	return entries
}

// registryFile is the YAML shape of a resource registry file:
//
//	resources:
//	  - resource_type: invoice
//	    operations: [create, read, update, delete]
//	  - resource_type: report
//	    operations: [read]
type registryFile struct {
	Resources []struct {
		ResourceType string   `yaml:"resource_type"`
		Operations   []string `yaml:"operations"`
	} `yaml:"resources"`
}

// LoadFile builds a registry from a YAML resource catalog. An entry with
// no operations listed supports the full CRUD set.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return parseRegistry(data)
}

func parseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	r := NewRegistry()
	for _, res := range file.Resources {
		if res.ResourceType == "" {
			return nil, fmt.Errorf("registry entry missing resource_type")
		}
		if len(res.Operations) == 0 {
			r.Register(res.ResourceType, model.OpSetAll)
			continue
		}
		ops, err := model.ParseOpSet(res.Operations)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", res.ResourceType, err)
		}
		r.Register(res.ResourceType, ops)
	}
	return r, nil
}
