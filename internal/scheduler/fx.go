package scheduler

import (
	"github.com/smallbiznis/recurbill/internal/lock"
	"go.uber.org/fx"
)

// Module provides the Scanner. Runs are triggered by the generate command or
// the HTTP endpoint rather than an in-process ticker.
var Module = fx.Module("scheduler",
	lock.Module,
	fx.Provide(New),
)
