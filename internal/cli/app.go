package cli

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/internal/client"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	"github.com/smallbiznis/recurbill/internal/invoice"
	"github.com/smallbiznis/recurbill/internal/observability"
	"github.com/smallbiznis/recurbill/internal/providers"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice"
	"github.com/smallbiznis/recurbill/internal/scheduler"
	"github.com/smallbiznis/recurbill/pkg/db"
	"go.uber.org/fx"
)

// infrastructure wires config, logging, tracing, metrics and the database.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		db.Module,
	)
}

// application wires the recurring invoice engine on top of infrastructure.
func application() fx.Option {
	return fx.Options(
		infrastructure(),
		fx.Provide(RegisterSnowflake),
		clock.Module,
		providers.Module,
		client.Module,
		invoice.Module,
		recurringinvoice.Module,
		scheduler.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
