package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/recurbill/internal/observability/metrics"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRecurring serves due templates from memory and records calls made by
// the scanner.
type fakeRecurring struct {
	domain.Service

	mu           sync.Mutex
	templates    map[snowflake.ID]*domain.RecurringTemplate
	materializeE map[snowflake.ID]error
	notifyResult map[snowflake.ID]domain.NotificationResult
	deactivated  []snowflake.ID
	failed       []snowflake.ID
	notified     []snowflake.ID
	queries      []domain.DueQuery
	listErr      error
	nextInvoice  snowflake.ID
}

func newFakeRecurring(templates ...*domain.RecurringTemplate) *fakeRecurring {
	f := &fakeRecurring{
		templates:    map[snowflake.ID]*domain.RecurringTemplate{},
		materializeE: map[snowflake.ID]error{},
		notifyResult: map[snowflake.ID]domain.NotificationResult{},
		nextInvoice:  1000,
	}
	for _, tmpl := range templates {
		f.templates[tmpl.ID] = tmpl
	}
	return f
}

func (f *fakeRecurring) ListDue(_ context.Context, query domain.DueQuery) ([]domain.RecurringTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.listErr != nil {
		return nil, f.listErr
	}

	ids := make([]snowflake.ID, 0, len(f.templates))
	for id := range f.templates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := []domain.RecurringTemplate{}
	for _, id := range ids {
		tmpl := f.templates[id]
		if id <= query.AfterID || !tmpl.IsDue(query.AsOf) {
			continue
		}
		if query.OwnerID != 0 && tmpl.OwnerID != query.OwnerID {
			continue
		}
		out = append(out, *tmpl)
		if len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRecurring) Materialize(_ context.Context, id snowflake.ID, asOf time.Time) (*domain.MaterializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.materializeE[id]; err != nil {
		return nil, err
	}
	tmpl := f.templates[id]
	if tmpl == nil {
		return nil, domain.ErrTemplateNotFound
	}
	if !tmpl.IsDue(asOf) {
		return nil, domain.ErrAlreadyProcessed
	}
	if err := tmpl.Advance(asOf, asOf); err != nil {
		return nil, err
	}
	f.nextInvoice++
	copied := *tmpl
	return &domain.MaterializeResult{
		Template: &copied,
		Invoice: &invoicedomain.Invoice{
			ID:            f.nextInvoice,
			OwnerID:       tmpl.OwnerID,
			InvoiceNumber: "INV-" + f.nextInvoice.String(),
		},
	}, nil
}

func (f *fakeRecurring) Deactivate(_ context.Context, id snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, id)
	if tmpl := f.templates[id]; tmpl != nil {
		tmpl.IsActive = false
	}
	return nil
}

func (f *fakeRecurring) RecordFailure(_ context.Context, id snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRecurring) Notify(_ context.Context, tmpl *domain.RecurringTemplate, _ *invoicedomain.Invoice) domain.NotificationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, tmpl.ID)
	if res, ok := f.notifyResult[tmpl.ID]; ok {
		return res
	}
	return domain.NotificationResult{Status: domain.NotificationSent, Recipient: "billing@acme.test"}
}

type fakeLocker struct {
	held     map[string]string
	err      error
	released []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.held[key] = "token-" + key
	return l.held[key], true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	if l.held[key] == token {
		delete(l.held, key)
		l.released = append(l.released, key)
	}
	return nil
}

var testDay = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func useTestMetrics(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "recurbill", Environment: "test"})
	t.Cleanup(restore)
	return registry
}

func newTestScanner(t *testing.T, svc domain.Service, batchSize int) *Scanner {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.DefaultRecurringConfig()
	cfg.ScanBatchSize = batchSize
	s, err := New(Params{
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clock.NewFakeClock(testDay),
		Config:    config.NewStaticRecurringConfigHolder(cfg),
		Recurring: svc,
	})
	require.NoError(t, err)
	return s
}

func dueTemplate(id, ownerID snowflake.ID, name string) *domain.RecurringTemplate {
	return &domain.RecurringTemplate{
		ID:          id,
		OwnerID:     ownerID,
		Name:        name,
		Frequency:   recurrence.Monthly,
		Interval:    1,
		StartDate:   testDay.AddDate(0, -1, 0),
		NextDueDate: testDay,
		IsActive:    true,
		AutoSend:    true,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunGeneratesEveryDueTemplateAcrossPages(t *testing.T) {
	registry := useTestMetrics(t)

	svc := newFakeRecurring(
		dueTemplate(1, 7, "Retainer"),
		dueTemplate(2, 7, "Hosting"),
		dueTemplate(3, 8, "Support"),
	)
	notDue := dueTemplate(4, 7, "Future")
	notDue.NextDueDate = testDay.AddDate(0, 0, 1)
	svc.templates[notDue.ID] = notDue

	s := newTestScanner(t, svc, 2)
	result, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, testDay, result.AsOf)
	require.Len(t, result.Generated, 3)
	assert.Empty(t, result.Failures)
	assert.Equal(t, 3, result.Notifications[domain.NotificationSent])
	assert.Equal(t, "Generated 3 invoices, 0 failures", result.Summary())

	require.GreaterOrEqual(t, len(svc.queries), 2)
	assert.Equal(t, snowflake.ID(0), svc.queries[0].AfterID)
	assert.Equal(t, snowflake.ID(2), svc.queries[1].AfterID)

	labels := map[string]string{"service": "recurbill", "env": "test", "job": jobGenerateDue, "outcome": obsmetrics.TemplateOutcomeGenerated}
	assert.Equal(t, float64(3), getCounterValue(t, registry, "recurbill_scheduler_template_outcomes_total", labels))
	notifLabels := map[string]string{"service": "recurbill", "env": "test", "status": "sent"}
	assert.Equal(t, float64(3), getCounterValue(t, registry, "recurbill_scheduler_notifications_total", notifLabels))
}

func TestRunIsIdempotentForSameDay(t *testing.T) {
	useTestMetrics(t)

	svc := newFakeRecurring(dueTemplate(1, 7, "Retainer"))
	s := newTestScanner(t, svc, 10)

	first, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)
	require.Len(t, first.Generated, 1)

	second, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)
	assert.Empty(t, second.Generated)
	assert.Empty(t, second.Failures)
}

func TestRunIsolatesTemplateFailures(t *testing.T) {
	useTestMetrics(t)

	svc := newFakeRecurring(
		dueTemplate(1, 7, "Broken"),
		dueTemplate(2, 7, "Healthy"),
	)
	boom := errors.New("insert invoice: constraint failed")
	svc.materializeE[1] = boom

	s := newTestScanner(t, svc, 10)
	result, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)

	require.Len(t, result.Generated, 1)
	assert.Equal(t, snowflake.ID(2), result.Generated[0].TemplateID)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, snowflake.ID(1), result.Failures[0].TemplateID)
	assert.Equal(t, "Broken", result.Failures[0].TemplateName)
	assert.Equal(t, StageMaterialize, result.Failures[0].Stage)
	assert.ErrorIs(t, result.Failures[0], boom)
	assert.Equal(t, []snowflake.ID{1}, svc.failed)
	assert.Equal(t, "Generated 1 invoices, 1 failures", result.Summary())
}

func TestRunSkipsAlreadyProcessed(t *testing.T) {
	useTestMetrics(t)

	svc := newFakeRecurring(dueTemplate(1, 7, "Raced"))
	svc.materializeE[1] = domain.ErrAlreadyProcessed

	s := newTestScanner(t, svc, 10)
	result, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Failures)
	assert.Empty(t, svc.failed)
}

func TestRunDeactivatesExhaustedTemplates(t *testing.T) {
	useTestMetrics(t)

	limit := 2
	exhausted := dueTemplate(1, 7, "Exhausted")
	exhausted.OccurrencesLimit = &limit
	exhausted.CurrentOccurrence = 2

	ended := dueTemplate(2, 7, "Ended")
	end := testDay.AddDate(0, 0, -1)
	ended.EndDate = &end

	svc := newFakeRecurring(exhausted, ended, dueTemplate(3, 7, "Live"))
	s := newTestScanner(t, svc, 10)
	result, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Deactivated)
	assert.ElementsMatch(t, []snowflake.ID{1, 2}, svc.deactivated)
	require.Len(t, result.Generated, 1)
	assert.Equal(t, snowflake.ID(3), result.Generated[0].TemplateID)
	assert.False(t, svc.templates[1].IsActive)
}

func TestRunRecordsNotificationOutcomes(t *testing.T) {
	useTestMetrics(t)

	quiet := dueTemplate(2, 7, "Quiet")
	quiet.AutoSend = false
	svc := newFakeRecurring(
		dueTemplate(1, 7, "Bounced"),
		quiet,
		dueTemplate(3, 7, "NoEmail"),
	)
	smtpErr := errors.New("smtp send: connection refused")
	svc.notifyResult[1] = domain.NotificationResult{Status: domain.NotificationFailed, Err: smtpErr}
	svc.notifyResult[3] = domain.NotificationResult{Status: domain.NotificationSkipped, Reason: "no_recipient"}

	s := newTestScanner(t, svc, 10)
	result, err := s.Run(context.Background(), testDay, 0)
	require.NoError(t, err)

	assert.Len(t, result.Generated, 3)
	assert.Equal(t, 1, result.Notifications[domain.NotificationFailed])
	assert.Equal(t, 2, result.Notifications[domain.NotificationSkipped])
	assert.ElementsMatch(t, []snowflake.ID{1, 3}, svc.notified)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, StageNotify, result.Failures[0].Stage)
	assert.ErrorIs(t, result.Failures[0], smtpErr)
}

func TestRunScopesToOwner(t *testing.T) {
	useTestMetrics(t)

	svc := newFakeRecurring(dueTemplate(1, 7, "Mine"), dueTemplate(2, 8, "Theirs"))
	s := newTestScanner(t, svc, 10)
	result, err := s.Run(context.Background(), testDay, 7)
	require.NoError(t, err)

	require.Len(t, result.Generated, 1)
	assert.Equal(t, snowflake.ID(1), result.Generated[0].TemplateID)
	assert.Equal(t, snowflake.ID(7), result.OwnerID)
	assert.True(t, svc.templates[2].IsDue(testDay))
}

func TestRunReturnsListError(t *testing.T) {
	useTestMetrics(t)

	svc := newFakeRecurring()
	svc.listErr = errors.New("connection reset")
	s := newTestScanner(t, svc, 10)

	_, err := s.Run(context.Background(), testDay, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, svc.listErr)
}

func TestRunLock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		registry := useTestMetrics(t)

		svc := newFakeRecurring(dueTemplate(1, 7, "Retainer"))
		locker := &fakeLocker{held: map[string]string{runLockKey(jobGenerateDue, 0): "other"}}
		s := newTestScanner(t, svc, 10)
		s.locker = locker

		_, err := s.Run(context.Background(), testDay, 0)
		assert.ErrorIs(t, err, ErrRunInProgress)
		assert.Empty(t, svc.queries)

		labels := map[string]string{"service": "recurbill", "env": "test", "job": jobGenerateDue}
		assert.Equal(t, float64(1), getCounterValue(t, registry, "recurbill_scheduler_run_lock_contended_total", labels))
	})

	t.Run("acquired and released", func(t *testing.T) {
		useTestMetrics(t)

		svc := newFakeRecurring(dueTemplate(1, 7, "Retainer"))
		locker := &fakeLocker{held: map[string]string{}}
		s := newTestScanner(t, svc, 10)
		s.locker = locker

		result, err := s.Run(context.Background(), testDay, 7)
		require.NoError(t, err)
		assert.Len(t, result.Generated, 1)
		assert.Equal(t, []string{"recurbill:scheduler:generate_due:7"}, locker.released)
		assert.Empty(t, locker.held)
	})

	t.Run("backend unavailable", func(t *testing.T) {
		useTestMetrics(t)

		svc := newFakeRecurring(dueTemplate(1, 7, "Retainer"))
		s := newTestScanner(t, svc, 10)
		s.locker = &fakeLocker{err: errors.New("dial tcp: connection refused")}

		result, err := s.Run(context.Background(), testDay, 0)
		require.NoError(t, err)
		assert.Len(t, result.Generated, 1)
	})
}

func TestRunLockKey(t *testing.T) {
	assert.Equal(t, "recurbill:scheduler:generate_due:all", runLockKey(jobGenerateDue, 0))
	assert.Equal(t, "recurbill:scheduler:generate_due:42", runLockKey(jobGenerateDue, 42))
}

func TestFailureMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(Failure{TemplateID: 42, TemplateName: "Retainer", Stage: StageNotify, Err: errors.New("smtp down")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"template_id":"42","template_name":"Retainer","stage":"notify","error":"smtp down"}`, string(raw))
}
