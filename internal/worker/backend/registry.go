package backend

import (
	"fmt"

	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

// New builds the backend named by cfg.Type.
func New(cfg config.BackendConfig) (core.InferenceBackend, error) {
	switch cfg.Type {
	case "", "echo":
		return &Echo{}, nil
	case "http":
		return NewHTTP(cfg.Endpoints, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
