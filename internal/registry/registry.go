// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package registry is the read-only, process-scoped credential and
// config registry: a mapping from short hostname to per-mechanism
// credentials and addressing data, plus per-hardware-type overrides.
// It is loaded once at startup and shared read-only thereafter, the
// way *database.DB is shared across request handlers.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"rebooter/pkg/models"
)

// document is the on-disk shape of the registry file.
type document struct {
	Servers map[string]models.ServerConfig `json:"servers" yaml:"servers"`
	Types   map[string]models.TypeRemap    `json:"types" yaml:"types"`
}

// Registry is an immutable, read-only view of server configs and type
// remaps, safe for concurrent read access from any number of jobs.
type Registry struct {
	servers map[string]models.ServerConfig
	types   map[string]models.TypeRemap
}

// Load reads a registry document from path. JSON is assumed unless the
// path ends in .yaml/.yml, matching the domain-stack wiring that adds
// gopkg.in/yaml.v3 as an alternative registry format.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes registry document bytes; hint is typically the source
// file path and is used only to select JSON vs. YAML decoding.
func Parse(data []byte, hint string) (*Registry, error) {
	var doc document
	if strings.HasSuffix(hint, ".yaml") || strings.HasSuffix(hint, ".yml") {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse registry yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse registry json: %w", err)
		}
	}

	r := &Registry{
		servers: make(map[string]models.ServerConfig, len(doc.Servers)),
		types:   doc.Types,
	}
	for name, sc := range doc.Servers {
		sc.Hostname = name
		r.servers[name] = sc
	}
	if r.types == nil {
		r.types = map[string]models.TypeRemap{}
	}
	return r, nil
}

// Server looks up a ServerConfig by short hostname, falling back to a
// full hostname if the short form isn't present.
func (r *Registry) Server(nameOrFQDN string) (models.ServerConfig, bool) {
	short := strings.SplitN(nameOrFQDN, ".", 2)[0]
	if sc, ok := r.servers[short]; ok {
		return sc, true
	}
	if sc, ok := r.servers[nameOrFQDN]; ok {
		return sc, true
	}
	return models.ServerConfig{}, false
}

// Parent looks up the parent chassis ServerConfig for a blade server,
// if one is configured.
func (r *Registry) Parent(sc models.ServerConfig) (models.ServerConfig, bool) {
	if sc.Parent == "" {
		return models.ServerConfig{}, false
	}
	return r.Server(sc.Parent)
}

// TypeRemap looks up the override table for a hardware type tag; the
// zero value is returned (no overrides) when the type is unknown.
func (r *Registry) TypeRemap(typeTag string) models.TypeRemap {
	return r.types[typeTag]
}
