package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider"
	"github.com/acme/outbound-followup-engine/internal/provider/mock"
	"github.com/acme/outbound-followup-engine/internal/repository/memory"
	"github.com/acme/outbound-followup-engine/internal/service/concurrency"
	"github.com/acme/outbound-followup-engine/internal/service/sender"
)

type fixture struct {
	clock      *clock.Fake
	provider   *mock.Recorder
	campaigns  *memory.CampaignRepository
	stats      *memory.StatisticsRepository
	recipients *memory.RecipientRepository
	dispatches *memory.DispatchStore
	dispatcher *Dispatcher
}

func newFixture() *fixture {
	fake := clock.NewFake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := mock.NewRecorder(fake.Now)
	throttle := concurrency.NewThrottle(100*time.Millisecond, fake)
	f := &fixture{
		clock:      fake,
		provider:   rec,
		campaigns:  memory.NewCampaignRepository(),
		stats:      memory.NewStatisticsRepository(),
		recipients: memory.NewRecipientRepository(),
		dispatches: memory.NewDispatchStore(),
	}
	f.dispatcher = NewDispatcher(Deps{
		Campaigns:  f.campaigns,
		Stats:      f.stats,
		Recipients: f.recipients,
		Templates: memory.NewTemplateRepository(domain.Template{
			Name: "bienvenida", Language: "es_MX",
			Components: []domain.TemplateComponent{{Type: domain.ComponentBody, Text: "Hola"}},
		}),
		Dispatches: f.dispatches,
		Sender:     sender.New(rec, throttle, fake, sender.RetryPolicy{BaseDelay: 50 * time.Millisecond}, nil),
		Clock:      fake,
	})
	return f
}

func (f *fixture) seed(t *testing.T, delay time.Duration, phones ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	c := &domain.Campaign{
		ID:           id,
		Name:         "test",
		TemplateName: "bienvenida",
		LanguageCode: "es_MX",
		MessageDelay: delay,
		Status:       domain.CampaignStatusRunning,
	}
	if err := f.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	recs := make([]domain.Recipient, 0, len(phones))
	for i, p := range phones {
		recs = append(recs, domain.Recipient{Position: i + 1, PhoneNumber: p})
	}
	_ = f.recipients.BulkInsert(ctx, id, recs)
	_ = f.stats.Set(ctx, id, domain.CampaignStats{Total: int64(len(phones))})
	return id
}

func (f *fixture) assertCompleted(t *testing.T, id uuid.UUID, sent, failed int64) {
	t.Helper()
	c, err := f.campaigns.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.Status != domain.CampaignStatusCompleted || c.CompletedAt == nil {
		t.Fatalf("expected completed campaign, got %s", c.Status)
	}
	stats, _ := f.stats.Get(context.Background(), id)
	if stats.Sent != sent || stats.Failed != failed {
		t.Fatalf("expected sent=%d failed=%d, got %+v", sent, failed, stats)
	}
	if stats.Sent+stats.Failed != stats.Total {
		t.Fatalf("sent+failed != total: %+v", stats)
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	f := newFixture()
	id := f.seed(t, 0, "1", "2", "3", "4")
	f.provider.Script("2", &provider.RejectedError{Code: "131026"})
	f.provider.Script("3", errors.New("reset"), errors.New("reset"))
	f.provider.Script("4", errors.New("reset"), nil)

	if err := f.dispatcher.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	f.assertCompleted(t, id, 2, 2)

	calls := f.provider.Calls()
	order := []string{"1", "2", "3", "3", "4", "4"}
	if len(calls) != len(order) {
		t.Fatalf("expected %d provider calls, got %d", len(order), len(calls))
	}
	for i, want := range order {
		if calls[i].Message.To != want {
			t.Fatalf("call %d: expected %s, got %s", i, want, calls[i].Message.To)
		}
	}
	if f.dispatches.Count() != 4 {
		t.Fatalf("expected one dispatch record per recipient, got %d", f.dispatches.Count())
	}
}

func TestRunAllFailuresStillCompletes(t *testing.T) {
	f := newFixture()
	id := f.seed(t, 0, "1", "2", "3")
	for _, p := range []string{"1", "2", "3"} {
		f.provider.Script(p, &provider.RejectedError{Code: "131047"})
	}

	if err := f.dispatcher.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	f.assertCompleted(t, id, 0, 3)
}

func TestRunHonoursMessageDelay(t *testing.T) {
	f := newFixture()
	id := f.seed(t, 2*time.Second, "1", "2", "3")

	if err := f.dispatcher.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := f.provider.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].At.Sub(calls[i-1].At); gap < 2*time.Second {
			t.Fatalf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestRunSkipsRecordedRecipients(t *testing.T) {
	f := newFixture()
	id := f.seed(t, 0, "1", "2", "3")
	_, _ = f.dispatches.Record(context.Background(), domain.DispatchRecord{
		DispatchKey: domain.DispatchKey{OwnerID: id, Recipient: "2", Step: domain.CampaignStep},
		OwnerKind:   domain.OwnerCampaign,
		Outcome:     domain.OutcomeAccepted,
	})

	if err := f.dispatcher.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.provider.CallsTo("2")) != 0 {
		t.Fatalf("recorded recipient was sent again")
	}
	f.assertCompleted(t, id, 3, 0)

	if err := f.dispatcher.Run(context.Background(), id); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(f.provider.Calls()) != 2 {
		t.Fatalf("expected completed campaign replay to send nothing, got %d calls", len(f.provider.Calls()))
	}
}

func TestRunResumesAfterCancellation(t *testing.T) {
	f := newFixture()
	id := f.seed(t, time.Second, "1", "2", "3")

	ctx, cancel := context.WithCancel(context.Background())
	f.clock.OnSleep(func(d time.Duration) {
		if d == time.Second {
			cancel()
		}
	})
	if err := f.dispatcher.Run(ctx, id); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	c, _ := f.campaigns.Get(context.Background(), id)
	if c.Status != domain.CampaignStatusRunning {
		t.Fatalf("expected interrupted campaign to stay running, got %s", c.Status)
	}
	if len(f.provider.Calls()) != 1 {
		t.Fatalf("expected one send before cancellation, got %d", len(f.provider.Calls()))
	}

	f.clock.OnSleep(nil)
	if err := f.dispatcher.Run(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	f.assertCompleted(t, id, 3, 0)
	for _, p := range []string{"1", "2", "3"} {
		if n := len(f.provider.CallsTo(p)); n != 1 {
			t.Fatalf("recipient %s sent %d times", p, n)
		}
	}
}

func TestRunRejectsNonRunningCampaign(t *testing.T) {
	f := newFixture()
	id := f.seed(t, 0, "1")
	c, _ := f.campaigns.Get(context.Background(), id)
	c.Status = domain.CampaignStatusFailed
	_ = f.campaigns.Update(context.Background(), c)

	if err := f.dispatcher.Run(context.Background(), id); err == nil {
		t.Fatalf("expected failed campaign to be refused")
	}
	if len(f.provider.Calls()) != 0 {
		t.Fatalf("expected no sends")
	}
}
