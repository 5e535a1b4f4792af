package eligibility

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/channel"
	"github.com/lalithlochan/cadence/internal/db"
)

type mockClient struct {
	mu       sync.Mutex
	profiles map[string]*channel.Profile // keyed by provider id or slug
	errs     map[string]error
	calls    map[string]int
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newMockClient() *mockClient {
	return &mockClient{
		profiles: make(map[string]*channel.Profile),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (m *mockClient) get(ctx context.Context, key string) (*channel.Profile, error) {
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[key]++
	if err, ok := m.errs[key]; ok {
		return nil, err
	}
	if p, ok := m.profiles[key]; ok {
		return p, nil
	}
	return nil, channel.ErrProfileNotFound
}

func (m *mockClient) Lookup(ctx context.Context, accountID, providerID string) (*channel.Profile, error) {
	return m.get(ctx, providerID)
}

func (m *mockClient) LookupSlug(ctx context.Context, accountID, slug string) (*channel.Profile, error) {
	return m.get(ctx, slug)
}

func (m *mockClient) Send(ctx context.Context, accountID, providerID, text string) (*channel.SendResult, error) {
	return nil, errors.New("not used")
}

func (m *mockClient) Invite(ctx context.Context, accountID, providerID, note string) (*channel.SendResult, error) {
	return nil, errors.New("not used")
}

func (m *mockClient) callCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

type mockDuplicates struct {
	contacted map[string]bool // profile urls and channel user ids
	err       error
	urls      []string
	userIDs   []string
}

func (m *mockDuplicates) ContactedElsewhere(ctx context.Context, workspaceID, campaignID uuid.UUID, urls, userIDs []string) (db.Contacted, error) {
	m.urls, m.userIDs = urls, userIDs
	out := db.Contacted{ProfileURLs: make(map[string]bool), ChannelUserIDs: make(map[string]bool)}
	if m.err != nil {
		return out, m.err
	}
	for _, u := range urls {
		if m.contacted[u] {
			out.ProfileURLs[u] = true
		}
	}
	for _, id := range userIDs {
		if m.contacted[id] {
			out.ChannelUserIDs[id] = true
		}
	}
	return out, nil
}

func campaign(t db.CampaignType) *db.Campaign {
	return &db.Campaign{
		ID:               uuid.New(),
		WorkspaceID:      uuid.New(),
		Type:             t,
		ChannelAccountID: "acc-1",
	}
}

func prospectWithID(id string) *db.Prospect {
	return &db.Prospect{
		ID:            uuid.New(),
		ProfileURL:    "https://www.linkedin.com/in/" + id,
		ChannelUserID: &id,
		FirstName:     "P",
		LastName:      id,
	}
}

func prospectWithSlug(slug string) *db.Prospect {
	return &db.Prospect{
		ID:         uuid.New(),
		ProfileURL: "https://www.linkedin.com/in/" + slug + "/",
		FirstName:  "S",
		LastName:   slug,
	}
}

func connected(id string) *channel.Profile {
	return &channel.Profile{ProviderID: id, NetworkDistance: channel.DistanceFirstDegree}
}

func stranger(id string) *channel.Profile {
	return &channel.Profile{ProviderID: id, NetworkDistance: "SECOND_DEGREE"}
}

func newTestValidator(client channel.Client, dups DuplicateFinder) *Validator {
	if dups == nil {
		dups = &mockDuplicates{}
	}
	return NewValidator(client, dups, Config{SampleSize: 10, Concurrency: 3}, zap.NewNop())
}

func TestSample_DirectMessageAllConnected(t *testing.T) {
	client := newMockClient()
	var prospects []*db.Prospect
	for _, id := range []string{"a", "b", "c"} {
		client.profiles[id] = connected(id)
		prospects = append(prospects, prospectWithID(id))
	}

	v := newTestValidator(client, nil)
	lookups, err := v.Sample(context.Background(), campaign(db.CampaignDirectMessage), prospects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lookups.byProspect) != 3 {
		t.Errorf("expected 3 cached lookups, got %d", len(lookups.byProspect))
	}
}

func TestSample_DirectMessageCategorizesFailures(t *testing.T) {
	client := newMockClient()
	client.profiles["ok"] = connected("ok")
	client.profiles["far"] = stranger("far")
	client.errs["down"] = errors.New("connection reset")

	prospects := []*db.Prospect{
		prospectWithID("ok"),
		prospectWithID("far"),
		prospectWithID("down"),
		{ID: uuid.New(), ProfileURL: "https://example.com/nobody"},
	}

	v := newTestValidator(client, nil)
	_, err := v.Sample(context.Background(), campaign(db.CampaignDirectMessage), prospects)

	var gate *GateError
	if !errors.As(err, &gate) {
		t.Fatalf("expected GateError, got %v", err)
	}
	if gate.Checked != 4 || gate.Total != 4 {
		t.Errorf("expected 4/4 checked, got %d/%d", gate.Checked, gate.Total)
	}
	want := map[Category]int{
		CategoryMissingIdentifier: 1,
		CategoryWrongRelationship: 1,
		CategoryLookupError:       1,
	}
	for cat, n := range want {
		if gate.Breakdown[cat] != n {
			t.Errorf("%s: expected %d, got %d", cat, n, gate.Breakdown[cat])
		}
	}
	if len(gate.Failures) != 3 {
		t.Errorf("expected 3 failures, got %d", len(gate.Failures))
	}
	if gate.Suggestion() == "" {
		t.Error("expected a suggestion")
	}
}

func TestSample_LimitsToSampleSizeInListOrder(t *testing.T) {
	client := newMockClient()
	var prospects []*db.Prospect
	for i := 0; i < 15; i++ {
		id := uuid.NewString()
		client.profiles[id] = connected(id)
		prospects = append(prospects, prospectWithID(id))
	}
	// outside the sample: must not be looked up
	bad := prospects[12]
	client.profiles[*bad.ChannelUserID] = stranger(*bad.ChannelUserID)

	v := newTestValidator(client, nil)
	lookups, err := v.Sample(context.Background(), campaign(db.CampaignDirectMessage), prospects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lookups.byProspect) != 10 {
		t.Errorf("expected 10 sampled, got %d", len(lookups.byProspect))
	}
	if client.callCount(*bad.ChannelUserID) != 0 {
		t.Error("prospect outside the sample was looked up")
	}
}

func TestSample_ConnectThenMessageIgnoresRelationship(t *testing.T) {
	client := newMockClient()
	client.profiles["far"] = stranger("far")
	client.profiles["near"] = connected("near")

	v := newTestValidator(client, nil)
	_, err := v.Sample(context.Background(), campaign(db.CampaignConnectThenMessage),
		[]*db.Prospect{prospectWithID("far"), prospectWithID("near")})
	if err != nil {
		t.Fatalf("relationship state should not fail a connect campaign gate: %v", err)
	}

	_, err = v.Sample(context.Background(), campaign(db.CampaignConnectThenMessage),
		[]*db.Prospect{prospectWithID("far"), {ID: uuid.New(), ProfileURL: "not a url"}})
	var gate *GateError
	if !errors.As(err, &gate) || gate.Breakdown[CategoryMissingIdentifier] != 1 {
		t.Fatalf("expected missing identifier gate failure, got %v", err)
	}
}

func TestSample_BoundedConcurrency(t *testing.T) {
	client := newMockClient()
	client.delay = 20 * time.Millisecond
	var prospects []*db.Prospect
	for i := 0; i < 10; i++ {
		id := uuid.NewString()
		client.profiles[id] = connected(id)
		prospects = append(prospects, prospectWithID(id))
	}

	v := newTestValidator(client, nil)
	if _, err := v.Sample(context.Background(), campaign(db.CampaignDirectMessage), prospects); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak := client.peak.Load(); peak > 3 {
		t.Errorf("expected at most 3 concurrent lookups, saw %d", peak)
	}
}

func TestSample_ContextExpiry(t *testing.T) {
	client := newMockClient()
	client.delay = time.Second
	client.profiles["a"] = connected("a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	v := newTestValidator(client, nil)
	_, err := v.Sample(ctx, campaign(db.CampaignDirectMessage), []*db.Prospect{prospectWithID("a")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCheck_ReusesSampleLookups(t *testing.T) {
	client := newMockClient()
	client.profiles["a"] = connected("a")
	client.profiles["b"] = connected("b")
	prospects := []*db.Prospect{prospectWithID("a"), prospectWithID("b")}

	v := NewValidator(client, &mockDuplicates{}, Config{SampleSize: 1, Concurrency: 2}, zap.NewNop())
	c := campaign(db.CampaignDirectMessage)

	lookups, err := v.Sample(context.Background(), c, prospects)
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}
	outcomes, err := v.Check(context.Background(), c, prospects, lookups)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	if client.callCount("a") != 1 {
		t.Errorf("sampled prospect looked up %d times", client.callCount("a"))
	}
	if client.callCount("b") != 1 {
		t.Errorf("unsampled prospect looked up %d times", client.callCount("b"))
	}
	for _, o := range outcomes {
		if o.Status != StatusQueued {
			t.Errorf("expected queued, got %s (%s)", o.Status, o.Reason)
		}
	}
}

func TestCheck_DirectMessage(t *testing.T) {
	client := newMockClient()
	client.profiles["ok"] = connected("ok")
	client.profiles["far"] = stranger("far")
	client.errs["down"] = errors.New("timeout")
	client.profiles["ada-l"] = connected("prov-ada")

	prospects := []*db.Prospect{
		prospectWithID("ok"),
		prospectWithID("far"),
		prospectWithID("down"),
		prospectWithSlug("ada-l"),
		prospectWithSlug("ghost"),
	}

	v := newTestValidator(client, nil)
	outcomes, err := v.Check(context.Background(), campaign(db.CampaignDirectMessage), prospects, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Status{StatusQueued, StatusFailed, StatusSkipped, StatusQueued, StatusFailed}
	for i, o := range outcomes {
		if o.Prospect != prospects[i] {
			t.Fatalf("outcome %d out of order", i)
		}
		if o.Status != want[i] {
			t.Errorf("prospect %d: expected %s, got %s (%s)", i, want[i], o.Status, o.Reason)
		}
	}

	if outcomes[0].Update == nil || outcomes[0].Update.ChannelUserID != nil {
		t.Error("known id should not be rewritten")
	}
	if outcomes[2].Update != nil {
		t.Error("lookup errors must leave the prospect untouched")
	}
	if outcomes[1].Update == nil || outcomes[1].Update.Status != db.ProspectFailed {
		t.Error("not connected prospect should be marked failed")
	}
	resolved := outcomes[3]
	if resolved.ChannelUserID != "prov-ada" {
		t.Errorf("expected resolved id prov-ada, got %q", resolved.ChannelUserID)
	}
	if resolved.Update.ChannelUserID == nil || *resolved.Update.ChannelUserID != "prov-ada" {
		t.Error("resolved id should be persisted")
	}
}

func TestCheck_ConnectThenMessage(t *testing.T) {
	client := newMockClient()
	client.profiles["new"] = stranger("new")
	client.profiles["friend"] = connected("friend")
	client.profiles["withdrawn"] = &channel.Profile{
		ProviderID:      "withdrawn",
		NetworkDistance: "SECOND_DEGREE",
		Invitation:      &channel.Invitation{Status: "withdrawn"},
	}
	client.profiles["pending"] = &channel.Profile{
		ProviderID:      "pending",
		NetworkDistance: "THIRD_DEGREE",
		Invitation:      &channel.Invitation{Status: "PENDING"},
	}
	client.profiles["dup"] = stranger("dup")

	prospects := []*db.Prospect{
		prospectWithID("new"),
		prospectWithID("friend"),
		prospectWithID("withdrawn"),
		prospectWithID("pending"),
		prospectWithID("dup"),
	}
	dups := &mockDuplicates{contacted: map[string]bool{prospects[4].ProfileURL: true}}

	v := newTestValidator(client, dups)
	outcomes, err := v.Check(context.Background(), campaign(db.CampaignConnectThenMessage), prospects, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Status{StatusQueued, StatusSkipped, StatusFailed, StatusSkipped, StatusFailed}
	for i, o := range outcomes {
		if o.Status != want[i] {
			t.Errorf("prospect %d: expected %s, got %s (%s)", i, want[i], o.Status, o.Reason)
		}
	}

	if u := outcomes[1].Update; u == nil || u.Status != db.ProspectConnected {
		t.Error("already connected prospect should be marked connected")
	}
	if outcomes[3].Update != nil {
		t.Error("pending invitation should leave the prospect untouched")
	}
	if outcomes[2].Reason == "" || outcomes[4].Reason == "" {
		t.Error("failures need a reason")
	}
	if client.callCount("dup") != 0 {
		t.Error("workspace duplicate should not be looked up")
	}
}

func TestCheck_ProspectsWithoutProfileURL(t *testing.T) {
	client := newMockClient()
	client.profiles["a"] = stranger("a")
	client.profiles["b"] = stranger("b")
	client.profiles["c"] = stranger("c")

	prospects := []*db.Prospect{prospectWithID("a"), prospectWithID("b"), prospectWithID("c")}
	for _, p := range prospects {
		p.ProfileURL = ""
	}
	// another campaign reached c by id, and a url-less prospect elsewhere
	// must not make every url-less prospect here a duplicate
	dups := &mockDuplicates{contacted: map[string]bool{"": true, "c": true}}

	v := newTestValidator(client, dups)
	outcomes, err := v.Check(context.Background(), campaign(db.CampaignConnectThenMessage), prospects, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Status{StatusQueued, StatusQueued, StatusFailed}
	for i, o := range outcomes {
		if o.Status != want[i] {
			t.Errorf("prospect %d: expected %s, got %s (%s)", i, want[i], o.Status, o.Reason)
		}
	}
	if len(dups.urls) != 0 {
		t.Errorf("empty profile urls should not be queried, got %q", dups.urls)
	}
	if len(dups.userIDs) != 3 {
		t.Errorf("expected channel user ids queried, got %q", dups.userIDs)
	}
	if client.callCount("c") != 0 {
		t.Error("duplicate by channel user id should not be looked up")
	}
}

func TestCheck_DuplicateQueryError(t *testing.T) {
	v := newTestValidator(newMockClient(), &mockDuplicates{err: errors.New("db down")})
	_, err := v.Check(context.Background(), campaign(db.CampaignConnectThenMessage), []*db.Prospect{prospectWithID("x")}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGateError_Message(t *testing.T) {
	g := newGateError(10, 40, []Failure{
		{Category: CategoryWrongRelationship},
		{Category: CategoryWrongRelationship},
		{Category: CategoryLookupError},
	})

	want := "eligibility check failed for 3 of 10 sampled prospects (wrong_relationship=2, lookup_error=1)"
	if g.Error() != want {
		t.Errorf("got %q", g.Error())
	}
	if g.Breakdown[CategoryMissingIdentifier] != 0 {
		t.Error("absent categories should report zero")
	}
	if g.Suggestion() != suggestions[CategoryWrongRelationship]+" "+suggestions[CategoryLookupError] {
		t.Errorf("unexpected suggestion order: %q", g.Suggestion())
	}
}
