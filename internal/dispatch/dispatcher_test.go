package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wacast/internal/providers/whatsapp"
	"wacast/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	campaign   store.Campaign
	recipients map[string]*store.Recipient
	order      []string
	events     []string
	stampedAt  *time.Time
	getCalls   int
	onGet      func(calls int, c *store.Campaign)
	listErr    error
}

func newFakeStore(c store.Campaign) *fakeStore {
	return &fakeStore{campaign: c, recipients: make(map[string]*store.Recipient)}
}

func (f *fakeStore) addPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rcp_%03d", len(f.order))
		f.recipients[id] = &store.Recipient{
			ID:         id,
			CampaignID: f.campaign.ID,
			Phone:      fmt.Sprintf("+1555000%04d", len(f.order)),
			Status:     "pending",
		}
		f.order = append(f.order, id)
	}
}

func (f *fakeStore) addRetry(retryCount int, lastRetryAt time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("rcp_%03d", len(f.order))
	f.recipients[id] = &store.Recipient{
		ID:          id,
		CampaignID:  f.campaign.ID,
		Phone:       "+15550009999",
		Status:      "retry",
		RetryCount:  retryCount,
		LastRetryAt: &lastRetryAt,
	}
	f.order = append(f.order, id)
	return id
}

func (f *fakeStore) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.onGet != nil {
		f.onGet(f.getCalls, &f.campaign)
	}
	return f.campaign, true, nil
}

func (f *fakeStore) MarkCampaignStatus(ctx context.Context, id, status string, completedAt *time.Time, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = status
	if completedAt != nil {
		f.campaign.CompletedAt = completedAt
	}
	return nil
}

func (f *fakeStore) SetCampaignCompletedAt(ctx context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stampedAt = &now
	return nil
}

func (f *fakeStore) ListDispatchable(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.Recipient
	for _, status := range []string{"pending", "retry"} {
		for _, id := range f.order {
			if len(out) >= limit {
				return out, nil
			}
			if r := f.recipients[id]; r.Status == status {
				out = append(out, *r)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CountInFlight(ctx context.Context, campaignID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.recipients {
		switch r.Status {
		case "pending", "retry", "sending":
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkRecipientSending(ctx context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients[id].Status = "sending"
	f.events = append(f.events, "send")
	return nil
}

func (f *fakeStore) MarkRecipientSent(ctx context.Context, id, campaignID, providerMsgID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.recipients[id]
	r.Status = "sent"
	r.SentAt = &now
	r.ProviderMsgID = providerMsgID
	r.RetryCount = 0
	r.ErrorCode, r.ErrorMessage = "", ""
	f.campaign.SentCount++
	return nil
}

func (f *fakeStore) MarkRecipientRetry(ctx context.Context, id string, retryCount int, errCode, errMsg string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.recipients[id]
	r.Status = "retry"
	r.RetryCount = retryCount
	r.LastRetryAt = &now
	r.ErrorCode, r.ErrorMessage = errCode, errMsg
	return nil
}

func (f *fakeStore) MarkRecipientTerminal(ctx context.Context, id, campaignID, status, errCode, errMsg string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.recipients[id]
	r.Status = status
	r.FailedAt = &now
	r.ErrorCode, r.ErrorMessage = errCode, errMsg
	f.campaign.FailedCount++
	return nil
}

func (f *fakeStore) recordSleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "sleep:"+d.String())
}

// windowSizes counts send events between sleeps, i.e. the size of each
// dispatched window.
func (f *fakeStore) windowSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sizes []int
	cur := 0
	for _, e := range f.events {
		if e == "send" {
			cur++
			continue
		}
		if cur > 0 {
			sizes = append(sizes, cur)
			cur = 0
		}
	}
	if cur > 0 {
		sizes = append(sizes, cur)
	}
	return sizes
}

func (f *fakeStore) sleeps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if s, ok := strings.CutPrefix(e, "sleep:"); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStore) recipient(id string) store.Recipient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.recipients[id]
}

func (f *fakeStore) snapshot() store.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaign
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type senderFunc func(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error)

func (f senderFunc) SendTemplate(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error) {
	return f(ctx, req)
}

func okSender() Sender {
	return senderFunc(func(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error) {
		return whatsapp.SendResponse{Messages: []whatsapp.SentMessage{{ID: "wamid.ok"}}}, 200, nil, nil
	})
}

func failSender(err error) Sender {
	return senderFunc(func(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error) {
		return whatsapp.SendResponse{}, 400, nil, err
	})
}

func newTestDispatcher(fs *fakeStore, sender Sender, clk *fakeClock) *Dispatcher {
	return &Dispatcher{
		Store:  fs,
		Sender: sender,
		Now:    clk.now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			fs.recordSleep(d)
			clk.advance(d)
			return nil
		},
	}
}

func baseCampaign() store.Campaign {
	return store.Campaign{
		ID:               "cmp_1",
		TemplateName:     "promo",
		TemplateLanguage: "en_US",
		Status:           "sending",
		RetryFailed:      true,
		MaxRetries:       3,
	}
}

func TestRunSendsEveryoneInPacedWindows(t *testing.T) {
	c := baseCampaign()
	c.RateLimit = 1200 // 20 per second
	fs := newFakeStore(c)
	fs.addPending(45)
	clk := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	d := newTestDispatcher(fs, okSender(), clk)
	d.Run(context.Background(), "cmp_1")

	got := fs.snapshot()
	if got.Status != "completed" {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.SentCount != 45 {
		t.Fatalf("expected sentCount 45, got %d", got.SentCount)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}

	sizes := fs.windowSizes()
	want := []int{20, 20, 5}
	if len(sizes) != len(want) {
		t.Fatalf("expected windows %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("expected windows %v, got %v", want, sizes)
		}
	}

	// Every window is padded out to its full one-second budget.
	for _, s := range fs.sleeps() {
		if s != "1s" {
			t.Fatalf("expected only 1s window sleeps, got %v", fs.sleeps())
		}
	}
}

func TestRunRateLimit120PerMinute(t *testing.T) {
	// 120/min resolves to 2/s, so 5 recipients take 3 windows of 2,2,1.
	c := baseCampaign()
	c.RateLimit = 120
	fs := newFakeStore(c)
	fs.addPending(5)
	clk := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	d := newTestDispatcher(fs, okSender(), clk)
	d.Run(context.Background(), "cmp_1")

	sizes := fs.windowSizes()
	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("expected windows %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("expected windows %v, got %v", want, sizes)
		}
	}
}

func TestOptedOutCodeIsTerminalOptedOut(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	fs.addPending(1)
	clk := &fakeClock{t: time.Now().UTC()}

	d := newTestDispatcher(fs, failSender(&whatsapp.APIError{Code: 131050, Message: "User opted out"}), clk)
	d.Run(context.Background(), "cmp_1")

	rec := fs.recipient("rcp_000")
	if rec.Status != "opted_out" {
		t.Fatalf("expected opted_out, got %s", rec.Status)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("expected no retries for opted-out user, got %d", rec.RetryCount)
	}
	if got := fs.snapshot(); got.FailedCount != 1 || got.Status != "completed" {
		t.Fatalf("expected failedCount 1 and completed campaign, got %+v", got)
	}
}

func TestNonRetryableCodeIsTerminalFailed(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	fs.addPending(1)
	clk := &fakeClock{t: time.Now().UTC()}

	d := newTestDispatcher(fs, failSender(errors.New("(#100) Invalid parameter")), clk)
	d.Run(context.Background(), "cmp_1")

	rec := fs.recipient("rcp_000")
	if rec.Status != "failed" {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.ErrorCode != "100" {
		t.Fatalf("expected error code 100, got %q", rec.ErrorCode)
	}
}

func TestRetryBudgetExhaustedGoesStraightToFailed(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	clk := &fakeClock{t: time.Now().UTC()}
	id := fs.addRetry(3, clk.now().Add(-10*time.Minute)) // eligible, budget spent

	d := newTestDispatcher(fs, failSender(errors.New("(#131026) message undeliverable")), clk)
	d.Run(context.Background(), "cmp_1")

	rec := fs.recipient(id)
	if rec.Status != "failed" {
		t.Fatalf("expected failed after budget exhaustion, got %s", rec.Status)
	}
	if fs.snapshot().FailedCount != 1 {
		t.Fatalf("expected failedCount 1, got %d", fs.snapshot().FailedCount)
	}
}

func TestTransientFailureRetriesAfterBackoff(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	fs.addPending(1)
	clk := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	var calls int32
	sender := senderFunc(func(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return whatsapp.SendResponse{}, 500, nil, errors.New("connection reset")
		}
		return whatsapp.SendResponse{Messages: []whatsapp.SentMessage{{ID: "wamid.retry"}}}, 200, nil, nil
	})

	d := newTestDispatcher(fs, sender, clk)
	d.Run(context.Background(), "cmp_1")

	rec := fs.recipient("rcp_000")
	if rec.Status != "sent" {
		t.Fatalf("expected sent after retry, got %s (err %s)", rec.Status, rec.ErrorMessage)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("expected retry count reset on success, got %d", rec.RetryCount)
	}
	if fs.snapshot().SentCount != 1 {
		t.Fatalf("expected sentCount 1, got %d", fs.snapshot().SentCount)
	}

	// The loop waited out the remainder of the 30s backoff rather than
	// polling on a fixed interval.
	var sawBackoffSleep bool
	for _, s := range fs.sleeps() {
		if s == "29s" {
			sawBackoffSleep = true
		}
	}
	if !sawBackoffSleep {
		t.Fatalf("expected a 29s backoff sleep, got %v", fs.sleeps())
	}
}

func TestPausedCampaignWaitsThenHaltsOnCancel(t *testing.T) {
	c := baseCampaign()
	c.Status = "paused"
	fs := newFakeStore(c)
	fs.addPending(3)
	clk := &fakeClock{t: time.Now().UTC()}

	// Cancel externally while the loop is in its pause wait.
	fs.onGet = func(calls int, c *store.Campaign) {
		if calls >= 2 {
			c.Status = "cancelled"
		}
	}

	d := newTestDispatcher(fs, okSender(), clk)
	d.Run(context.Background(), "cmp_1")

	if sizes := fs.windowSizes(); len(sizes) != 0 {
		t.Fatalf("expected no sends while paused, got windows %v", sizes)
	}
	sleeps := fs.sleeps()
	if len(sleeps) != 1 || sleeps[0] != "5s" {
		t.Fatalf("expected a single 5s pause wait, got %v", sleeps)
	}
	if fs.snapshot().Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", fs.snapshot().Status)
	}
}

func TestCancelBetweenWindowsStampsCompletionTime(t *testing.T) {
	c := baseCampaign()
	c.RateLimit = 60 // one message per second, one window each
	fs := newFakeStore(c)
	fs.addPending(2)
	clk := &fakeClock{t: time.Now().UTC()}

	// Calls: 1 outer check, 2 first window check, 3 second window check.
	fs.onGet = func(calls int, c *store.Campaign) {
		if calls >= 3 {
			c.Status = "cancelled"
		}
	}

	d := newTestDispatcher(fs, okSender(), clk)
	d.Run(context.Background(), "cmp_1")

	if fs.snapshot().SentCount != 1 {
		t.Fatalf("expected exactly one send before cancel, got %d", fs.snapshot().SentCount)
	}
	fs.mu.Lock()
	stamped := fs.stampedAt != nil
	fs.mu.Unlock()
	if !stamped {
		t.Fatal("expected completion timestamp stamped on cancel")
	}
	if fs.recipient("rcp_001").Status != "pending" {
		t.Fatalf("expected second recipient untouched, got %s", fs.recipient("rcp_001").Status)
	}
}

func TestBookkeepingErrorMarksCampaignFailed(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	fs.addPending(1)
	fs.listErr = errors.New("connection refused")
	clk := &fakeClock{t: time.Now().UTC()}

	d := newTestDispatcher(fs, okSender(), clk)
	d.Run(context.Background(), "cmp_1")

	got := fs.snapshot()
	if got.Status != "failed" {
		t.Fatalf("expected failed campaign on loop-level error, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completion timestamp on failure")
	}
}

func TestShutdownMidLoopLeavesCampaignResumable(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	fs.addPending(3)
	clk := &fakeClock{t: time.Now().UTC()}

	ctx, cancel := context.WithCancel(context.Background())
	fs.onGet = func(calls int, c *store.Campaign) {
		// Shutdown lands while a status poll is in flight; the next store
		// call surfaces the cancellation the way pgx would.
		cancel()
		fs.listErr = fmt.Errorf("query dispatchable: %w", context.Canceled)
	}

	d := newTestDispatcher(fs, okSender(), clk)
	d.Run(ctx, "cmp_1")

	got := fs.snapshot()
	if got.Status != "sending" {
		t.Fatalf("shutdown must not change campaign status, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatal("shutdown must not stamp a completion time")
	}
}

func TestSecondRunForSameCampaignIsRejected(t *testing.T) {
	fs := newFakeStore(baseCampaign())
	fs.addPending(1)
	clk := &fakeClock{t: time.Now().UTC()}

	entered := make(chan struct{})
	release := make(chan struct{})
	sender := senderFunc(func(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error) {
		close(entered)
		<-release
		return whatsapp.SendResponse{Messages: []whatsapp.SentMessage{{ID: "wamid.ok"}}}, 200, nil, nil
	})

	d := newTestDispatcher(fs, sender, clk)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), "cmp_1")
		close(done)
	}()
	<-entered

	fs.mu.Lock()
	callsBefore := fs.getCalls
	fs.mu.Unlock()

	d.Run(context.Background(), "cmp_1") // guarded; must return immediately

	fs.mu.Lock()
	callsAfter := fs.getCalls
	fs.mu.Unlock()
	if callsAfter != callsBefore {
		t.Fatal("expected second run to be rejected without touching the store")
	}

	close(release)
	<-done
}
