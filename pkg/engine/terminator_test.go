package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/ec2-manager/pkg/stores"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

var terminateTime = time.Date(2018, 5, 1, 9, 0, 0, 0, time.UTC)

var terminatorRegions = []string{"us-east-1", "us-west-1", "us-west-2"}

func newTestTerminator(t *testing.T, store TerminationStore, provider Provider) *Terminator {
	t.Helper()

	term, err := NewTerminator(TerminatorConfig{
		Store:    store,
		Provider: provider,
		Regions:  terminatorRegions,
		Logger:   testLogger,
		Now:      func() time.Time { return terminateTime },
	})
	if err != nil {
		t.Fatalf("failed to create terminator: %v", err)
	}
	return term
}

func trackInstance(t *testing.T, store *stores.SQLiteStore, region, id, workerType, srid string) {
	t.Helper()

	inst := &stores.Instance{
		Region:      region,
		ID:          id,
		WorkerType:  workerType,
		State:       stores.StateRunning,
		LaunchedAt:  terminateTime.Add(-time.Hour),
		LastEventAt: terminateTime.Add(-time.Hour),
	}
	if srid != "" {
		inst.SpotRequestID = &srid
	}
	if err := store.InsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("failed to insert instance: %v", err)
	}
}

func trackSpotRequest(t *testing.T, store *stores.SQLiteStore, region, id, workerType string) {
	t.Helper()

	err := store.InsertSpotRequest(context.Background(), &stores.SpotRequest{
		Region:     region,
		ID:         id,
		WorkerType: workerType,
		State:      stores.SpotStateOpen,
		CreatedAt:  terminateTime.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to insert spot request: %v", err)
	}
}

func TestTerminateWorkerType(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	term := newTestTerminator(t, store, provider)

	trackInstance(t, store, "us-east-1", "i-1", "builder", "")
	trackInstance(t, store, "us-east-1", "i-2", "builder", "sir-2")
	trackSpotRequest(t, store, "us-east-1", "sir-3", "builder")
	trackInstance(t, store, "us-west-2", "i-4", "builder", "")
	trackInstance(t, store, "us-west-2", "i-5", "other", "")
	trackSpotRequest(t, store, "us-west-1", "sir-6", "other")

	results, err := term.TerminateWorkerType(ctx, "builder")
	if err != nil {
		t.Fatalf("TerminateWorkerType() error = %v", err)
	}
	if len(results) != len(terminatorRegions) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(terminatorRegions))
	}

	want := []call{
		{Op: "CancelSpotInstanceRequests", Region: "us-east-1", Args: []string{"sir-2", "sir-3"}},
		{Op: "TerminateInstances", Region: "us-east-1", Args: []string{"i-1", "i-2"}},
		{Op: "TerminateInstances", Region: "us-west-2", Args: []string{"i-4"}},
	}
	got := append(provider.Calls("CancelSpotInstanceRequests"), provider.Calls("TerminateInstances")...)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("provider calls = %v, want %v", got, want)
	}

	remaining, _ := store.ListInstances(ctx, stores.InstanceFilter{WorkerType: "builder"})
	if len(remaining) != 0 {
		t.Errorf("builder instances still tracked: %d", len(remaining))
	}
	spot, _ := store.ListSpotRequests(ctx, stores.SpotRequestFilter{WorkerType: "builder"})
	if len(spot) != 0 {
		t.Errorf("builder spot requests still tracked: %d", len(spot))
	}

	others, _ := store.ListInstances(ctx, stores.InstanceFilter{WorkerType: "other"})
	if len(others) != 1 {
		t.Errorf("other worker type touched: %d instances left, want 1", len(others))
	}

	terminations, _ := store.ListTerminations(ctx, stores.TerminationFilter{WorkerType: "builder"})
	if len(terminations) != 3 {
		t.Errorf("len(terminations) = %d, want 3", len(terminations))
	}
	for _, term := range terminations {
		if term.Reason != stores.ReasonTerminatedByAPI {
			t.Errorf("reason = %s, want %s", term.Reason, stores.ReasonTerminatedByAPI)
		}
	}
}

func TestTerminateWorkerTypeRegionFailure(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.setError("TerminateInstances:us-west-2", &ProviderError{Code: "Unavailable", Message: "region down"})
	term := newTestTerminator(t, store, provider)

	trackInstance(t, store, "us-east-1", "i-1", "builder", "")
	trackInstance(t, store, "us-west-2", "i-2", "builder", "")

	results, err := term.TerminateWorkerType(ctx, "builder")
	if err == nil {
		t.Fatal("TerminateWorkerType() error = nil, want region failure")
	}
	if !strings.Contains(err.Error(), "us-west-2") {
		t.Errorf("error %q does not name the failed region", err)
	}

	var failed, succeeded int
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
		if len(r.TerminatedInstances) > 0 {
			succeeded++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Errorf("failed=%d succeeded=%d, want 1/1", failed, succeeded)
	}

	if exists, _ := store.InstanceExists(ctx, "us-east-1", "i-1"); exists {
		t.Error("instance in healthy region not removed")
	}
	if exists, _ := store.InstanceExists(ctx, "us-west-2", "i-2"); !exists {
		t.Error("instance in failed region removed")
	}
}

func TestTerminateWorkerTypeNothingTracked(t *testing.T) {
	store := setupTestStore(t)
	provider := newFakeProvider()
	term := newTestTerminator(t, store, provider)

	if _, err := term.TerminateWorkerType(context.Background(), "nobody"); err != nil {
		t.Fatalf("TerminateWorkerType() error = %v", err)
	}
	if calls := provider.Calls(""); len(calls) != 0 {
		t.Errorf("provider calls = %v, want none with empty id lists", calls)
	}
}

func TestTerminateInstanceAuthorization(t *testing.T) {
	tests := []struct {
		name      string
		scopes    ScopeSet
		region    string
		id        string
		duplicate bool
		check     func(error) bool
		wantCalls int
	}{
		{
			name:      "direct instance scope",
			scopes:    ScopeSet{InstanceScope("us-west-2", "i-1")},
			region:    "us-west-2",
			id:        "i-1",
			check:     func(err error) bool { return err == nil },
			wantCalls: 1,
		},
		{
			name:      "worker type scope via store",
			scopes:    ScopeSet{WorkerTypeScope("builder")},
			region:    "us-west-2",
			id:        "i-1",
			check:     func(err error) bool { return err == nil },
			wantCalls: 1,
		},
		{
			name:      "wildcard scope",
			scopes:    ScopeSet{"ec2-manager:manage-resources:build*"},
			region:    "us-west-2",
			id:        "i-1",
			check:     func(err error) bool { return err == nil },
			wantCalls: 1,
		},
		{
			name:      "wrong worker type",
			scopes:    ScopeSet{WorkerTypeScope("other")},
			region:    "us-west-2",
			id:        "i-1",
			check:     IsDenied,
			wantCalls: 0,
		},
		{
			name:      "untracked instance",
			scopes:    ScopeSet{WorkerTypeScope("builder")},
			region:    "us-west-2",
			id:        "i-unknown",
			check:     IsDenied,
			wantCalls: 0,
		},
		{
			name:      "unmanaged region",
			scopes:    ScopeSet{"*"},
			region:    "cn-north-1",
			id:        "i-1",
			check:     IsInvalidInput,
			wantCalls: 0,
		},
		{
			name:      "duplicate rows",
			scopes:    ScopeSet{WorkerTypeScope("builder")},
			region:    "us-west-2",
			id:        "i-1",
			duplicate: true,
			check:     IsInconsistent,
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := setupTestStore(t)
			provider := newFakeProvider()

			trackInstance(t, store, "us-west-2", "i-1", "builder", "")

			var ts TerminationStore = store
			if tt.duplicate {
				ts = duplicatingStore{store}
			}
			term := newTestTerminator(t, ts, provider)

			change, err := term.TerminateInstance(ctx, tt.scopes, tt.region, tt.id)
			if !tt.check(err) {
				t.Fatalf("TerminateInstance() error = %v", err)
			}
			if calls := provider.Calls("TerminateInstances"); len(calls) != tt.wantCalls {
				t.Errorf("TerminateInstances calls = %d, want %d", len(calls), tt.wantCalls)
			}
			if err == nil {
				if change.Previous != stores.StateRunning || change.Current != stores.StateShuttingDown {
					t.Errorf("change = %+v", change)
				}
				if exists, _ := store.InstanceExists(ctx, "us-west-2", "i-1"); exists {
					t.Error("terminated instance still tracked")
				}
			}
		})
	}
}

// duplicatingStore reports every instance and spot request twice.
type duplicatingStore struct {
	*stores.SQLiteStore
}

func (s duplicatingStore) ListInstances(ctx context.Context, f stores.InstanceFilter) ([]*stores.Instance, error) {
	out, err := s.SQLiteStore.ListInstances(ctx, f)
	return append(out, out...), err
}

func (s duplicatingStore) ListSpotRequests(ctx context.Context, f stores.SpotRequestFilter) ([]*stores.SpotRequest, error) {
	out, err := s.SQLiteStore.ListSpotRequests(ctx, f)
	return append(out, out...), err
}

func TestCancelSpotRequest(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	term := newTestTerminator(t, store, provider)

	trackSpotRequest(t, store, "us-east-1", "sir-1", "builder")

	if _, err := term.CancelSpotRequest(ctx, ScopeSet{WorkerTypeScope("other")}, "us-east-1", "sir-1"); !IsDenied(err) {
		t.Fatalf("CancelSpotRequest() error = %v, want denied", err)
	}

	change, err := term.CancelSpotRequest(ctx, ScopeSet{WorkerTypeScope("builder")}, "us-east-1", "sir-1")
	if err != nil {
		t.Fatalf("CancelSpotRequest() error = %v", err)
	}
	if change.State != "cancelled" {
		t.Errorf("State = %s, want cancelled", change.State)
	}

	requests, _ := store.ListSpotRequests(ctx, stores.SpotRequestFilter{})
	if len(requests) != 0 {
		t.Errorf("cancelled spot request still tracked")
	}
	if calls := provider.Calls("CancelSpotInstanceRequests"); len(calls) != 1 {
		t.Errorf("CancelSpotInstanceRequests calls = %d, want 1", len(calls))
	}
}

func TestScopeSet(t *testing.T) {
	tests := []struct {
		granted ScopeSet
		scope   string
		want    bool
	}{
		{ScopeSet{"a:b"}, "a:b", true},
		{ScopeSet{"a:b"}, "a:bc", false},
		{ScopeSet{"a:*"}, "a:bc", true},
		{ScopeSet{"*"}, "anything", true},
		{ScopeSet{}, "a", false},
	}

	for _, tt := range tests {
		if got := tt.granted.Satisfies(tt.scope); got != tt.want {
			t.Errorf("%v.Satisfies(%q) = %v, want %v", tt.granted, tt.scope, got, tt.want)
		}
	}
}

func scrapeMetrics(t *testing.T, m *telemetry.Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestTerminationMetricCountsRemovedRows(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()

	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	term, err := NewTerminator(TerminatorConfig{
		Store:    store,
		Provider: provider,
		Regions:  terminatorRegions,
		Logger:   testLogger,
		Metrics:  metrics,
		Now:      func() time.Time { return terminateTime },
	})
	if err != nil {
		t.Fatalf("failed to create terminator: %v", err)
	}

	if _, err := term.TerminateInstance(ctx, ScopeSet{"*"}, "us-west-2", "i-untracked"); err != nil {
		t.Fatalf("TerminateInstance(untracked) error = %v", err)
	}
	if body := scrapeMetrics(t, metrics); strings.Contains(body, `ec2_manager_terminations_total{`) {
		t.Errorf("untracked termination was counted:\n%s", body)
	}

	trackInstance(t, store, "us-west-2", "i-1", "builder", "")
	if _, err := term.TerminateInstance(ctx, ScopeSet{"*"}, "us-west-2", "i-1"); err != nil {
		t.Fatalf("TerminateInstance(tracked) error = %v", err)
	}
	want := `ec2_manager_terminations_total{reason="terminated-by-api",region="us-west-2"} 1`
	if body := scrapeMetrics(t, metrics); !strings.Contains(body, want) {
		t.Errorf("expected %s in:\n%s", want, body)
	}
}
