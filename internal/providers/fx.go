package providers

import (
	"github.com/smallbiznis/recurbill/internal/providers/email"
	"github.com/smallbiznis/recurbill/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
