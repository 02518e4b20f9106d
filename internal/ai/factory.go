package ai

import (
	"fmt"

	"github.com/kiranshivaraju/candypixel/internal/ai/mock"
	"github.com/kiranshivaraju/candypixel/internal/ai/modelscope"
	"github.com/kiranshivaraju/candypixel/internal/config"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// NewProvider constructs the image provider named in config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.ImageProvider, error) {
	switch cfg.Provider {
	case "modelscope":
		return modelscope.NewClient(cfg.ModelScope), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of modelscope, mock", cfg.Provider)
	}
}
