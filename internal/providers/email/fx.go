package email

import (
	"github.com/smallbiznis/recurbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns the SMTP provider when SMTP is enabled and a no-op
// provider otherwise.
func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if !cfg.SMTP.Enabled {
		log.Named("providers.email").Info("smtp disabled, notifications will not be delivered")
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
}
