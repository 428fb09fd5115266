/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// endpointManifest is the on-disk shape of BRAGI_ENDPOINTS_FILE.
type endpointManifest struct {
	Endpoints EndpointSet `yaml:"endpoints"`
}

// applyEndpointManifest overlays endpoint settings from a YAML file.
// File values win over environment values; zero fields leave the
// environment-derived value untouched.
func (c *Config) applyEndpointManifest(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read endpoint manifest %s: %w", path, err)
	}

	var manifest endpointManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parse endpoint manifest %s: %w", path, err)
	}

	overlay(&c.Endpoints.LLM, manifest.Endpoints.LLM)
	overlay(&c.Endpoints.Image, manifest.Endpoints.Image)
	overlay(&c.Endpoints.Audio, manifest.Endpoints.Audio)
	return nil
}

func overlay(dst *EndpointConfig, src EndpointConfig) {
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.Concurrency > 0 {
		dst.Concurrency = src.Concurrency
	}
}
