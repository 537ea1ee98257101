package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	clientdomain "github.com/smallbiznis/recurbill/internal/client/domain"
	clientrepo "github.com/smallbiznis/recurbill/internal/client/repository"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/recurbill/internal/invoice/repository"
	"github.com/smallbiznis/recurbill/internal/ownercontext"
	"github.com/smallbiznis/recurbill/internal/providers/email"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeEmail struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeEmail) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEmail) Sent() []email.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]email.Message(nil), f.sent...)
}

var errSMTPDown = errors.New("smtp down")

type fixture struct {
	db      *gorm.DB
	svc     *Service
	clock   *clock.FakeClock
	email   *fakeEmail
	ownerID snowflake.ID
	client  *clientdomain.Client
	ctx     context.Context
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.AutoMigrate(
		&clientdomain.Client{},
		&domain.RecurringTemplate{},
		&domain.TemplateItem{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&invoicedomain.InvoiceSequence{},
		&invoicedomain.EmailDelivery{},
	))
	return db
}

func newFixture(t *testing.T, today time.Time) *fixture {
	t.Helper()

	db := setupDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(today)
	mailer := &fakeEmail{}
	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fakeClock,
		Config:      config.NewStaticRecurringConfigHolder(config.DefaultRecurringConfig()),
		Repo:        repository.Provide(),
		InvoiceRepo: invoicerepo.Provide(),
		ClientRepo:  clientrepo.Provide(),
		Email:       mailer,
	}).(*Service)

	ownerID := node.Generate()
	client := &clientdomain.Client{
		ID:        node.Generate(),
		OwnerID:   ownerID,
		Name:      "Acme Studio",
		Email:     "billing@acme.test",
		Metadata:  datatypes.JSONMap{},
		CreatedAt: today,
		UpdatedAt: today,
	}
	require.NoError(t, clientrepo.Provide().Insert(context.Background(), db, client))

	return &fixture{
		db:      db,
		svc:     svc,
		clock:   fakeClock,
		email:   mailer,
		ownerID: ownerID,
		client:  client,
		ctx:     ownercontext.WithOwnerID(context.Background(), ownerID),
	}
}

func (f *fixture) addClient(t *testing.T, name, address string) *clientdomain.Client {
	t.Helper()
	now := f.clock.Now()
	client := &clientdomain.Client{
		ID:        f.svc.genID.Generate(),
		OwnerID:   f.ownerID,
		Name:      name,
		Email:     address,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, clientrepo.Provide().Insert(context.Background(), f.db, client))
	return client
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *domain.RecurringTemplate {
	t.Helper()
	tmpl, err := f.svc.repo.FindByID(context.Background(), f.db, f.ownerID, id)
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	return tmpl
}

func (f *fixture) countInvoices(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	return count
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func day(year int, month time.Month, d int) time.Time {
	return recurrence.Date(year, month, d)
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func standardItems() []domain.ItemInput {
	return []domain.ItemInput{
		{Description: "Design retainer", Quantity: dec("2"), Rate: dec("50")},
		{Description: "Hosting", Quantity: dec("1"), Rate: dec("100")},
	}
}

func (f *fixture) createDaily(t *testing.T, mutate func(*domain.CreateRequest)) *domain.RecurringTemplate {
	t.Helper()
	req := domain.CreateRequest{
		ClientID:  f.client.ID.String(),
		Name:      "Daily retainer",
		Frequency: "daily",
		Interval:  1,
		StartDate: f.clock.Now(),
		Items:     standardItems(),
	}
	if mutate != nil {
		mutate(&req)
	}
	tmpl, err := f.svc.Create(f.ctx, req)
	require.NoError(t, err)
	return tmpl
}
