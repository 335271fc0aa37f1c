package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/compose-spec/compose-go/v2/cli"
	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/ofkm/agenthost/pkg/types"
)

// Service labels recognised on compose services.
const (
	LabelAgentID   = "agenthost.agent.id"
	LabelIsolation = "agenthost.isolation"
	LabelProfile   = "agenthost.profile"
)

// LoadCompose discovers agents from a compose project. Every service labelled
// with LabelAgentID becomes a descriptor; container isolation is assumed
// unless LabelIsolation says otherwise.
func LoadCompose(ctx context.Context, composeFile string) ([]types.AgentDescriptor, error) {
	options, err := cli.NewProjectOptions(
		[]string{composeFile},
		cli.WithOsEnv,
		cli.WithDotEnv,
		cli.WithWorkingDirectory(filepath.Dir(composeFile)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project options: %w", err)
	}

	project, err := options.LoadProject(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load compose project %s: %w", composeFile, err)
	}

	return descriptorsFromProject(project), nil
}

func descriptorsFromProject(project *composetypes.Project) []types.AgentDescriptor {
	var agents []types.AgentDescriptor

	for name, service := range project.Services {
		agentID := service.Labels[LabelAgentID]
		if agentID == "" {
			continue
		}

		isolation := types.IsolationContainer
		if kind := service.Labels[LabelIsolation]; kind != "" {
			isolation = types.IsolationKind(kind)
		}

		containerName := service.ContainerName
		if containerName == "" {
			// compose names the first replica <project>-<service>-1
			containerName = fmt.Sprintf("%s-%s-1", project.Name, name)
		}

		agents = append(agents, types.AgentDescriptor{
			ID:          agentID,
			Isolation:   isolation,
			ContainerID: containerName,
			Profile:     service.Labels[LabelProfile],
			Port:        publishedPort(service),
		})
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

func publishedPort(service composetypes.ServiceConfig) int {
	for _, port := range service.Ports {
		if port.Published == "" {
			continue
		}
		if p, err := strconv.Atoi(port.Published); err == nil {
			return p
		}
	}
	return 0
}
