package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ofkm/agenthost/pkg/types"
)

type fileDocument struct {
	Agents []types.AgentDescriptor `yaml:"agents"`
}

// LoadFile reads an agents YAML file:
//
//	agents:
//	  - id: support-bot
//	    isolation: container
//	    container_id: support-bot-1
//	    port: 18789
func LoadFile(path string) ([]types.AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}
	return parseFile(data)
}

func parseFile(data []byte) ([]types.AgentDescriptor, error) {
	var doc fileDocument

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		// An empty file is an empty registry
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Agents))
	for i, a := range doc.Agents {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("agent #%d: id is required", i+1)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true

		if a.Isolation == types.IsolationContainer && a.ContainerID == "" {
			return nil, fmt.Errorf("agent %s: container_id is required for container isolation", a.ID)
		}
		doc.Agents[i] = a
	}

	return doc.Agents, nil
}
