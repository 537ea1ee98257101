package pdf

import (
	"github.com/smallbiznis/recurbill/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if !cfg.SMTP.AttachPDF {
		return &NoOpProvider{}
	}
	return New()
}
