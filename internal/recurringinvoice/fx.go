package recurringinvoice

import (
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/repository"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recurringinvoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
