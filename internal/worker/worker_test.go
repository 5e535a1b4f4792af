package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/channel"
	"github.com/lalithlochan/cadence/internal/circuitbreaker"
	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/schedule"
	"github.com/lalithlochan/cadence/internal/sns"
)

// Tuesday 10:00 UTC
var testNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu       sync.Mutex
	claims   []*db.Claim
	sent     map[uuid.UUID]string
	failed   map[uuid.UUID]string
	released map[uuid.UUID]db.Requeue
	claimErr error
	staleCut time.Time
	stale    int64
}

func newFakeRepo(claims ...*db.Claim) *fakeRepo {
	return &fakeRepo{
		claims:   claims,
		sent:     make(map[uuid.UUID]string),
		failed:   make(map[uuid.UUID]string),
		released: make(map[uuid.UUID]db.Requeue),
	}
}

func (r *fakeRepo) FailStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.staleCut = cutoff
	return r.stale, nil
}

func (r *fakeRepo) ClaimDue(_ context.Context, _ time.Time, limit int) ([]*db.Claim, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	out := r.claims
	if len(out) > limit {
		out = out[:limit]
	}
	r.claims = r.claims[len(out):]
	return out, nil
}

func (r *fakeRepo) MarkSent(_ context.Context, id uuid.UUID, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[id] = remoteID
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = reason
	return nil
}

func (r *fakeRepo) Release(_ context.Context, id uuid.UUID, rq db.Requeue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[id] = rq
	return nil
}

type fakeClient struct {
	profile   *channel.Profile
	lookupErr error
	sendErr   error
	sends     []string
	invites   []string
}

func (c *fakeClient) Lookup(context.Context, string, string) (*channel.Profile, error) {
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	if c.profile == nil {
		return &channel.Profile{NetworkDistance: channel.DistanceFirstDegree}, nil
	}
	return c.profile, nil
}

func (c *fakeClient) LookupSlug(ctx context.Context, accountID, slug string) (*channel.Profile, error) {
	return c.Lookup(ctx, accountID, slug)
}

func (c *fakeClient) Send(_ context.Context, _, _, text string) (*channel.SendResult, error) {
	c.sends = append(c.sends, text)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return &channel.SendResult{RemoteMessageID: "msg-1"}, nil
}

func (c *fakeClient) Invite(_ context.Context, _, _, note string) (*channel.SendResult, error) {
	c.invites = append(c.invites, note)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return &channel.SendResult{RemoteMessageID: "inv-1"}, nil
}

type fakeEvents struct {
	batches [][]sns.Event
}

func (e *fakeEvents) PublishBatch(_ context.Context, events []sns.Event) ([]string, error) {
	e.batches = append(e.batches, events)
	return make([]string, len(events)), nil
}

func newClaim(campaignType db.CampaignType, mt db.MessageType) *db.Claim {
	return &db.Claim{
		QueueEntry: db.QueueEntry{
			ID:                   uuid.New(),
			CampaignID:           uuid.New(),
			ProspectID:           uuid.New(),
			ChannelUserID:        "user-1",
			Message:              "Hi Ada",
			ScheduledFor:         testNow.Add(-time.Minute),
			MessageType:          mt,
			Status:               db.QueueSending,
			RequiresPrecondition: campaignType == db.CampaignConnectThenMessage && !mt.IsFirstTouch(),
		},
		WorkspaceID:      uuid.New(),
		CampaignType:     campaignType,
		ChannelAccountID: "acct-1",
	}
}

func allDay() schedule.Defaults {
	return schedule.Defaults{Timezone: "UTC", StartHour: 0, EndHour: 24}
}

func newTestProcessor(repo Repository, client channel.Client, events EventPublisher, cfg Config) *Processor {
	p := New(repo, client, allDay(), events, cfg, zap.NewNop())
	p.now = func() time.Time { return testNow }
	return p
}

func TestRunOnce_SendsDirectMessage(t *testing.T) {
	c := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
	repo := newFakeRepo(c)
	client := &fakeClient{}

	stats, err := newTestProcessor(repo, client, nil, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Claimed != 1 || stats.Sent != 1 {
		t.Errorf("unexpected stats: %s", stats)
	}
	if repo.sent[c.ID] != "msg-1" {
		t.Errorf("expected entry marked sent with remote id, got %q", repo.sent[c.ID])
	}
	if len(client.sends) != 1 || len(client.invites) != 0 {
		t.Errorf("expected one send, got sends=%d invites=%d", len(client.sends), len(client.invites))
	}
}

func TestRunOnce_InvitesOnConnectFirstTouch(t *testing.T) {
	c := newClaim(db.CampaignConnectThenMessage, db.MessageFirstTouch)
	long := make([]rune, channel.MaxInviteNoteLength+20)
	for i := range long {
		long[i] = 'x'
	}
	c.Message = string(long)

	repo := newFakeRepo(c)
	client := &fakeClient{}

	if _, err := newTestProcessor(repo, client, nil, Config{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.invites) != 1 {
		t.Fatalf("expected one invite, got %d", len(client.invites))
	}
	if got := len([]rune(client.invites[0])); got != channel.MaxInviteNoteLength {
		t.Errorf("expected note truncated to %d, got %d", channel.MaxInviteNoteLength, got)
	}
	if repo.sent[c.ID] != "inv-1" {
		t.Error("expected invite recorded as sent")
	}
}

func TestRunOnce_PassesSendingCutoff(t *testing.T) {
	repo := newFakeRepo()
	repo.stale = 2

	stats, err := newTestProcessor(repo, &fakeClient{}, nil, Config{SendingTimeout: 10 * time.Minute}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Stale != 2 {
		t.Errorf("expected 2 stale, got %d", stats.Stale)
	}
	if want := testNow.Add(-10 * time.Minute); !repo.staleCut.Equal(want) {
		t.Errorf("expected cutoff %s, got %s", want, repo.staleCut)
	}
}

func TestRunOnce_ClaimError(t *testing.T) {
	repo := newFakeRepo()
	repo.claimErr = errors.New("connection refused")

	if _, err := newTestProcessor(repo, &fakeClient{}, nil, Config{}).RunOnce(context.Background()); err == nil {
		t.Error("expected claim error")
	}
}

func TestRunOnce_DefersOutsideWindow(t *testing.T) {
	c := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
	repo := newFakeRepo(c)
	client := &fakeClient{}

	p := New(repo, client, schedule.Defaults{Timezone: "UTC", StartHour: 9, EndHour: 17}, nil, Config{}, zap.NewNop())
	evening := time.Date(2025, 3, 4, 20, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return evening }

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Deferred != 1 || len(client.sends) != 0 {
		t.Fatalf("expected deferral without send, stats=%s sends=%d", stats, len(client.sends))
	}
	rq := repo.released[c.ID]
	if want := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC); !rq.At.Equal(want) {
		t.Errorf("expected release at %s, got %s", want, rq.At)
	}
	if rq.CountAttempt || rq.CountPrecondition {
		t.Error("window deferral should not count")
	}
}

func TestRunOnce_CampaignScheduleOverride(t *testing.T) {
	c := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
	start := 11
	c.Schedule = schedule.Settings{StartHour: &start}
	repo := newFakeRepo(c)

	if _, err := newTestProcessor(repo, &fakeClient{}, nil, Config{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rq, ok := repo.released[c.ID]
	if !ok {
		t.Fatal("expected entry deferred to the campaign window")
	}
	if want := time.Date(2025, 3, 4, 11, 0, 0, 0, time.UTC); !rq.At.Equal(want) {
		t.Errorf("expected release at %s, got %s", want, rq.At)
	}
}

func TestRunOnce_Precondition(t *testing.T) {
	notConnected := &channel.Profile{NetworkDistance: "SECOND_DEGREE"}

	tests := []struct {
		name       string
		profile    *channel.Profile
		lookupErr  error
		checks     int
		wantSent   bool
		wantFailed bool
		wantCount  bool
		wantAt     time.Time
	}{
		{
			name:     "connected sends",
			wantSent: true,
		},
		{
			name:      "not connected rechecks later",
			profile:   notConnected,
			wantCount: true,
			wantAt:    testNow.Add(24 * time.Hour),
		},
		{
			name:       "checks exhausted fails",
			profile:    notConnected,
			checks:     13,
			wantFailed: true,
		},
		{
			name:      "lookup error defers uncounted",
			lookupErr: errors.New("timeout"),
			wantAt:    testNow.Add(time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClaim(db.CampaignConnectThenMessage, db.MessageType(2))
			c.PreconditionChecks = tt.checks
			repo := newFakeRepo(c)
			client := &fakeClient{profile: tt.profile, lookupErr: tt.lookupErr}

			if _, err := newTestProcessor(repo, client, nil, Config{}).RunOnce(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			_, sent := repo.sent[c.ID]
			if sent != tt.wantSent {
				t.Errorf("sent = %v, want %v", sent, tt.wantSent)
			}
			reason, failed := repo.failed[c.ID]
			if failed != tt.wantFailed {
				t.Errorf("failed = %v, want %v", failed, tt.wantFailed)
			}
			if failed && reason != ReasonPreconditionNotMet {
				t.Errorf("unexpected failure reason %q", reason)
			}
			if !tt.wantAt.IsZero() {
				rq, ok := repo.released[c.ID]
				if !ok {
					t.Fatal("expected release")
				}
				if !rq.At.Equal(tt.wantAt) {
					t.Errorf("release at %s, want %s", rq.At, tt.wantAt)
				}
				if rq.CountPrecondition != tt.wantCount || rq.CountAttempt {
					t.Errorf("unexpected counters %+v", rq)
				}
			}
			if len(client.invites) != 0 {
				t.Error("follow-ups should never invite")
			}
		})
	}
}

func TestRunOnce_SendFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		maxAttempts int
		attempt     int
		wantRetry   bool
		wantAt      time.Time
		wantCounted bool
	}{
		{
			name: "single attempt fails immediately",
			err:  errors.New("boom"),
		},
		{
			name:        "temporary error retries",
			err:         &channel.APIError{StatusCode: 503, Message: "unavailable"},
			maxAttempts: 3,
			wantRetry:   true,
			wantAt:      testNow.Add(time.Minute),
			wantCounted: true,
		},
		{
			name:        "second retry backs off",
			err:         &channel.APIError{StatusCode: 429, Message: "slow down"},
			maxAttempts: 3,
			attempt:     1,
			wantRetry:   true,
			wantAt:      testNow.Add(5 * time.Minute),
			wantCounted: true,
		},
		{
			name:        "permanent error does not retry",
			err:         &channel.APIError{StatusCode: 422, Message: "not connected"},
			maxAttempts: 3,
		},
		{
			name:        "attempts exhausted",
			err:         &channel.APIError{StatusCode: 503, Message: "unavailable"},
			maxAttempts: 3,
			attempt:     2,
		},
		{
			name:        "open circuit defers uncounted",
			err:         circuitbreaker.ErrCircuitOpen,
			maxAttempts: 1,
			wantRetry:   true,
			wantAt:      testNow.Add(time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
			c.Attempt = tt.attempt
			repo := newFakeRepo(c)
			events := &fakeEvents{}
			client := &fakeClient{sendErr: tt.err}

			stats, err := newTestProcessor(repo, client, events, Config{MaxAttempts: tt.maxAttempts}).RunOnce(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantRetry {
				rq, ok := repo.released[c.ID]
				if !ok {
					t.Fatal("expected release")
				}
				if !rq.At.Equal(tt.wantAt) {
					t.Errorf("release at %s, want %s", rq.At, tt.wantAt)
				}
				if rq.CountAttempt != tt.wantCounted {
					t.Errorf("CountAttempt = %v, want %v", rq.CountAttempt, tt.wantCounted)
				}
				if stats.Deferred != 1 || len(events.batches) != 0 {
					t.Errorf("unexpected stats %s events %d", stats, len(events.batches))
				}
				return
			}

			if _, ok := repo.failed[c.ID]; !ok {
				t.Fatal("expected entry marked failed")
			}
			if stats.Failed != 1 {
				t.Errorf("expected 1 failed, got %s", stats)
			}
			if len(events.batches) != 1 || events.batches[0][0].Type != sns.EventEntryFailed {
				t.Errorf("expected one entry.failed event, got %+v", events.batches)
			}
		})
	}
}

func TestRunOnce_BatchesFailureEvents(t *testing.T) {
	a := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
	b := newClaim(db.CampaignDirectMessage, db.MessageType(2))
	repo := newFakeRepo(a, b)
	events := &fakeEvents{}

	stats, err := newTestProcessor(repo, &fakeClient{sendErr: errors.New("boom")}, events, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Failed != 2 {
		t.Errorf("expected 2 failed, got %s", stats)
	}
	if len(events.batches) != 1 || len(events.batches[0]) != 2 {
		t.Fatalf("expected one batch of two events, got %+v", events.batches)
	}
	if events.batches[0][1].Data["message_type"] != "follow_up_2" {
		t.Errorf("unexpected event data %+v", events.batches[0][1].Data)
	}
}

func TestRunOnce_ReleasesUnstartedOnShutdown(t *testing.T) {
	a := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
	b := newClaim(db.CampaignDirectMessage, db.MessageFirstTouch)
	repo := newFakeRepo(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	client := &cancelingClient{fakeClient: &fakeClient{}, cancel: cancel}

	stats, err := newTestProcessor(repo, client, nil, Config{}).RunOnce(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Sent != 1 {
		t.Errorf("expected the in-flight send to finish, got %s", stats)
	}
	rq, ok := repo.released[b.ID]
	if !ok {
		t.Fatal("expected unstarted entry released")
	}
	if !rq.At.Equal(b.ScheduledFor) || rq.CountAttempt {
		t.Errorf("unexpected release %+v", rq)
	}
}

// cancelingClient cancels the pass after its first send.
type cancelingClient struct {
	*fakeClient
	cancel context.CancelFunc
}

func (c *cancelingClient) Send(ctx context.Context, accountID, providerID, text string) (*channel.SendResult, error) {
	res, err := c.fakeClient.Send(ctx, accountID, providerID, text)
	c.cancel()
	return res, err
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{10, 15 * time.Minute},
	}

	for _, tt := range tests {
		if got := retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	repo := newFakeRepo()
	p := newTestProcessor(repo, &fakeClient{}, nil, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
