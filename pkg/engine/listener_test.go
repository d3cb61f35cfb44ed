package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

var eventBase = time.Date(2017, 6, 4, 13, 14, 15, 0, time.UTC)

func notification(t *testing.T, region, id, state string, at time.Time) []byte {
	t.Helper()

	payload, err := json.Marshal(map[string]interface{}{
		"version":     "0",
		"id":          "7bf73129-1428-4cd3-a780-95db273d1602",
		"detail-type": "EC2 Instance State-change Notification",
		"source":      "aws.ec2",
		"account":     "123456789012",
		"time":        at.Format(time.RFC3339),
		"region":      region,
		"resources":   []string{"arn:aws:ec2:" + region + ":123456789012:instance/" + id},
		"detail": map[string]string{
			"instance-id": id,
			"state":       state,
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal notification: %v", err)
	}
	return payload
}

func newTestListener(t *testing.T, store EventStore, provider Provider) *Listener {
	t.Helper()

	l, err := NewListener(ListenerConfig{
		Store:    store,
		Provider: provider,
		Tagger:   DefaultTagger{Prefix: "ec2-manager-test/"},
		Regions:  []string{"us-west-2", "us-east-1"},
		Logger:   testLogger,
	})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	return l
}

func seedInstance(t *testing.T, store *stores.SQLiteStore, region, id, state string, at time.Time) {
	t.Helper()

	err := store.InsertInstance(context.Background(), &stores.Instance{
		Region:           region,
		ID:               id,
		WorkerType:       "example-workertype",
		InstanceType:     "m3.medium",
		AvailabilityZone: region + "a",
		ImageID:          "ami-1",
		State:            state,
		LaunchedAt:       at,
		LastEventAt:      at,
	})
	if err != nil {
		t.Fatalf("failed to seed instance: %v", err)
	}
}

func TestListenerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	l := newTestListener(t, store, provider)

	seedInstance(t, store, "us-west-2", "i-1", stores.StatePending, eventBase.Add(-time.Minute))

	steps := []struct {
		name    string
		state   string
		at      time.Time
		outcome string
		want    string
	}{
		{"pending event", stores.StatePending, eventBase, EventApplied, stores.StatePending},
		{"running one minute later", stores.StateRunning, eventBase.Add(time.Minute), EventApplied, stores.StateRunning},
		{"older pending out of order", stores.StatePending, eventBase, EventStale, stores.StateRunning},
		{"duplicate running", stores.StateRunning, eventBase.Add(time.Minute), EventStale, stores.StateRunning},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-1", step.state, step.at))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if outcome != step.outcome {
				t.Errorf("outcome = %s, want %s", outcome, step.outcome)
			}

			instances, err := store.ListInstances(ctx, stores.InstanceFilter{})
			if err != nil {
				t.Fatalf("ListInstances() error = %v", err)
			}
			if len(instances) != 1 {
				t.Fatalf("len(instances) = %d, want 1", len(instances))
			}
			if instances[0].State != step.want {
				t.Errorf("state = %s, want %s", instances[0].State, step.want)
			}
		})
	}

	if calls := provider.Calls(""); len(calls) != 0 {
		t.Errorf("provider calls = %v, want none for tracked instances", calls)
	}

	instances, _ := store.ListInstances(ctx, stores.InstanceFilter{})
	if !instances[0].LastEventAt.Equal(eventBase.Add(time.Minute)) {
		t.Errorf("LastEventAt = %v, want %v", instances[0].LastEventAt, eventBase.Add(time.Minute))
	}

	outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateTerminated, eventBase.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Process(terminated) error = %v", err)
	}
	if outcome != EventTerminated {
		t.Errorf("outcome = %s, want %s", outcome, EventTerminated)
	}

	outcome, err = l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateTerminated, eventBase.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Process(duplicate terminated) error = %v", err)
	}
	if outcome != EventDuplicateTerminal {
		t.Errorf("outcome = %s, want %s", outcome, EventDuplicateTerminal)
	}

	instances, _ = store.ListInstances(ctx, stores.InstanceFilter{})
	if len(instances) != 0 {
		t.Errorf("len(instances) = %d, want 0", len(instances))
	}
	terminations, err := store.ListTerminations(ctx, stores.TerminationFilter{})
	if err != nil {
		t.Fatalf("ListTerminations() error = %v", err)
	}
	if len(terminations) != 1 {
		t.Fatalf("len(terminations) = %d, want 1", len(terminations))
	}
	if terminations[0].Reason != stores.ReasonTerminatedEvent {
		t.Errorf("reason = %s, want %s", terminations[0].Reason, stores.ReasonTerminatedEvent)
	}
}

func TestListenerNoResurrection(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	l := newTestListener(t, store, nil)

	seedInstance(t, store, "us-west-2", "i-1", stores.StateRunning, eventBase)

	if _, err := l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateTerminated, eventBase.Add(time.Minute))); err != nil {
		t.Fatalf("Process(terminated) error = %v", err)
	}

	outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateRunning, eventBase.Add(30*time.Second)))
	if err != nil {
		t.Fatalf("Process(late running) error = %v", err)
	}
	if outcome != EventStale {
		t.Errorf("outcome = %s, want %s", outcome, EventStale)
	}

	exists, err := store.InstanceExists(ctx, "us-west-2", "i-1")
	if err != nil {
		t.Fatalf("InstanceExists() error = %v", err)
	}
	if exists {
		t.Error("terminated instance was resurrected by a late event")
	}
}

func TestListenerRecoversUntrackedInstance(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.described["us-east-1/i-2"] = &ProviderInstance{
		ID:               "i-2",
		InstanceType:     "c5.large",
		AvailabilityZone: "us-east-1b",
		ImageID:          "ami-2",
		State:            stores.StateRunning,
		SpotRequestID:    "sir-2",
		Tags:             map[string]string{DefaultWorkerTypeTag: "ec2-manager-test/builder"},
	}
	l := newTestListener(t, store, provider)

	outcome, err := l.Process(ctx, notification(t, "us-east-1", "i-2", stores.StateRunning, eventBase))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != EventRecovered {
		t.Errorf("outcome = %s, want %s", outcome, EventRecovered)
	}

	instances, err := store.ListInstances(ctx, stores.InstanceFilter{Region: "us-east-1", ID: "i-2"})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("len(instances) = %d, want 1", len(instances))
	}
	got := instances[0]
	if got.WorkerType != "builder" {
		t.Errorf("WorkerType = %s, want builder", got.WorkerType)
	}
	if got.InstanceType != "c5.large" || got.ImageID != "ami-2" {
		t.Errorf("instance details not recovered: %+v", got)
	}
	if got.SpotRequestID == nil || *got.SpotRequestID != "sir-2" {
		t.Errorf("SpotRequestID = %v, want sir-2", got.SpotRequestID)
	}
}

func TestListenerRecoveryFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.setError("DescribeInstances", &ProviderError{Code: "RequestLimitExceeded", Message: "slow down"})
	l := newTestListener(t, store, provider)

	outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-3", stores.StatePending, eventBase))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != EventRecovered {
		t.Errorf("outcome = %s, want %s", outcome, EventRecovered)
	}

	instances, _ := store.ListInstances(ctx, stores.InstanceFilter{ID: "i-3"})
	if len(instances) != 1 {
		t.Fatalf("len(instances) = %d, want 1", len(instances))
	}
	if instances[0].WorkerType != UnknownWorkerType {
		t.Errorf("WorkerType = %s, want %s", instances[0].WorkerType, UnknownWorkerType)
	}
}

func TestListenerSkipsDescribedTerminated(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.described["us-west-2/i-4"] = &ProviderInstance{ID: "i-4", State: stores.StateTerminated}
	l := newTestListener(t, store, provider)

	outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-4", stores.StateShuttingDown, eventBase))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != EventStale {
		t.Errorf("outcome = %s, want %s", outcome, EventStale)
	}
	if exists, _ := store.InstanceExists(ctx, "us-west-2", "i-4"); exists {
		t.Error("instance described as terminated was inserted")
	}
}

func TestListenerMalformed(t *testing.T) {
	store := setupTestStore(t)
	l := newTestListener(t, store, nil)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("not json")},
		{"missing instance id", notification(t, "us-west-2", "", stores.StateRunning, eventBase)},
		{"unknown state", notification(t, "us-west-2", "i-1", "exploded", eventBase)},
		{"missing time", []byte(`{"region":"us-west-2","detail":{"instance-id":"i-1","state":"running"}}`)},
		{"unconfigured region", notification(t, "eu-central-1", "i-1", stores.StateRunning, eventBase)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Handle(context.Background(), tt.payload)
			if !IsMalformedEvent(err) {
				t.Errorf("Handle() error = %v, want malformed event", err)
			}
		})
	}
}

func TestSpotRequestFulfilmentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.spotResult = &ProviderSpotRequest{ID: "sir-2", State: stores.SpotStateOpen}

	p := newTestProvisioner(t, store, provider, staticValidator{ok: true})
	_, err := p.RequestSpotInstance(ctx, SpotInstanceRequest{
		WorkerType:  "builder",
		Region:      "us-west-2",
		ClientToken: "token-spot",
		SpotPrice:   0.1,
		LaunchSpec: LaunchSpec{
			ImageID:          "ami-1234",
			InstanceType:     "c5.large",
			AvailabilityZone: "us-west-2a",
		},
	})
	if err != nil {
		t.Fatalf("RequestSpotInstance() error = %v", err)
	}

	counts, _ := store.InstanceCounts(ctx, "builder")
	if len(counts.Pending) != 1 || counts.Pending[0].Type != stores.CountTypeSpotRequest {
		t.Fatalf("pending before fulfilment = %+v, want the open spot request", counts.Pending)
	}

	// The fulfilled instance carries no tags; they were put on the request.
	provider.described["us-west-2/i-2"] = &ProviderInstance{
		ID:               "i-2",
		AvailabilityZone: "us-west-2a",
		State:            stores.StateRunning,
		SpotRequestID:    "sir-2",
	}
	l := newTestListener(t, store, provider)

	outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-2", stores.StateRunning, provisionTime.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != EventRecovered {
		t.Errorf("outcome = %s, want %s", outcome, EventRecovered)
	}

	requests, _ := store.ListSpotRequests(ctx, stores.SpotRequestFilter{})
	if len(requests) != 0 {
		t.Errorf("spot requests after fulfilment = %d, want 0", len(requests))
	}

	instances, _ := store.ListInstances(ctx, stores.InstanceFilter{ID: "i-2"})
	if len(instances) != 1 {
		t.Fatalf("len(instances) = %d, want 1", len(instances))
	}
	inst := instances[0]
	if inst.WorkerType != "builder" || inst.InstanceType != "c5.large" || inst.ImageID != "ami-1234" {
		t.Errorf("instance = %+v, want details of the fulfilled request", inst)
	}

	counts, _ = store.InstanceCounts(ctx, "builder")
	if len(counts.Pending) != 0 {
		t.Errorf("pending after fulfilment = %+v, want none", counts.Pending)
	}
	if len(counts.Running) != 1 || counts.Running[0].InstanceType != "c5.large" || counts.Running[0].Count != 1 {
		t.Errorf("running after fulfilment = %+v", counts.Running)
	}

	term := newTestTerminator(t, store, provider)
	if _, err := term.TerminateWorkerType(ctx, "builder"); err != nil {
		t.Fatalf("TerminateWorkerType() error = %v", err)
	}
	calls := provider.Calls("TerminateInstances")
	if len(calls) != 1 || calls[0].Region != "us-west-2" || calls[0].Args[0] != "i-2" {
		t.Errorf("TerminateInstances calls = %v, want i-2 in us-west-2", calls)
	}
	if exists, _ := store.InstanceExists(ctx, "us-west-2", "i-2"); exists {
		t.Error("fulfilled instance still tracked after group termination")
	}
}

func TestTerminatedBeforeProvisioning(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	l := newTestListener(t, store, nil)

	outcome, err := l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateTerminated, provisionTime.Add(-time.Second)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome != EventDuplicateTerminal {
		t.Errorf("outcome = %s, want %s", outcome, EventDuplicateTerminal)
	}

	provider := newFakeProvider()
	provider.runResult = &ProviderInstance{ID: "i-1", State: stores.StatePending}
	p := newTestProvisioner(t, store, provider, staticValidator{ok: true})

	if _, err := p.RequestInstance(ctx, runRequest("token-1")); err != nil {
		t.Fatalf("RequestInstance() error = %v", err)
	}

	instances, _ := store.ListInstances(ctx, stores.InstanceFilter{})
	if len(instances) != 0 {
		t.Errorf("len(instances) = %d, want 0 for an already terminated instance", len(instances))
	}

	outcome, err = l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateRunning, provisionTime.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Process(running) error = %v", err)
	}
	if outcome != EventStale {
		t.Errorf("late running outcome = %s, want %s", outcome, EventStale)
	}

	terminations, _ := store.ListTerminations(ctx, stores.TerminationFilter{ID: "i-1"})
	if len(terminations) != 1 {
		t.Fatalf("len(terminations) = %d, want 1", len(terminations))
	}
	if terminations[0].WorkerType != UnknownWorkerType || terminations[0].Reason != stores.ReasonTerminatedEvent {
		t.Errorf("termination = %+v", terminations[0])
	}

	// A duplicate terminal notification adds nothing.
	if _, err := l.Process(ctx, notification(t, "us-west-2", "i-1", stores.StateTerminated, provisionTime)); err != nil {
		t.Fatalf("Process(duplicate) error = %v", err)
	}
	terminations, _ = store.ListTerminations(ctx, stores.TerminationFilter{ID: "i-1"})
	if len(terminations) != 1 {
		t.Errorf("len(terminations) after duplicate = %d, want 1", len(terminations))
	}
}
