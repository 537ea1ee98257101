package pdf

import (
	"context"
	"io"
)

type Provider interface {
	GenerateInvoice(ctx context.Context, data InvoiceData) (io.Reader, error)
}

// NoOpProvider renders nothing; callers skip the attachment on a nil reader.
type NoOpProvider struct{}

func (p *NoOpProvider) GenerateInvoice(ctx context.Context, data InvoiceData) (io.Reader, error) {
	return nil, nil
}
