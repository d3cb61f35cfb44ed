package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

var testLogger = zerolog.New(nil).Level(zerolog.Disabled)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// call is one recorded provider invocation.
type call struct {
	Op     string
	Region string
	Args   []string
}

// fakeProvider records every call. Per-operation errors and canned results
// are configured before use.
type fakeProvider struct {
	mu    sync.Mutex
	calls []call

	// errs maps an operation (optionally "op:region") to the error it returns.
	errs map[string]error

	runResult  *ProviderInstance
	spotResult *ProviderSpotRequest
	described  map[string]*ProviderInstance
	volumes    map[string][]Volume
	keyPairs   map[string]bool

	lastRun  *RunInstanceInput
	lastSpot *SpotRequestInput
	lastTags []Tag
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		errs:      make(map[string]error),
		described: make(map[string]*ProviderInstance),
		volumes:   make(map[string][]Volume),
		keyPairs:  make(map[string]bool),
	}
}

func (f *fakeProvider) record(op, region string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{Op: op, Region: region, Args: args})
	if err, ok := f.errs[op+":"+region]; ok {
		return err
	}
	return f.errs[op]
}

func (f *fakeProvider) setError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

// Calls returns the recorded calls for op, or all calls when op is "".
func (f *fakeProvider) Calls(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return strings.Join(out[i].Args, ",") < strings.Join(out[j].Args, ",")
	})
	return out
}

func (f *fakeProvider) RunInstance(_ context.Context, region string, in RunInstanceInput) (*ProviderInstance, error) {
	if err := f.record("RunInstances", region, in.ClientToken); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRun = &in
	return f.runResult, nil
}

func (f *fakeProvider) RequestSpotInstance(_ context.Context, region string, in SpotRequestInput) (*ProviderSpotRequest, error) {
	if err := f.record("RequestSpotInstances", region, in.ClientToken); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSpot = &in
	return f.spotResult, nil
}

func (f *fakeProvider) CreateTags(_ context.Context, region string, ids []string, tags []Tag) error {
	if err := f.record("CreateTags", region, ids...); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTags = tags
	return nil
}

func (f *fakeProvider) TerminateInstances(_ context.Context, region string, ids []string) ([]InstanceStateChange, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if err := f.record("TerminateInstances", region, sorted...); err != nil {
		return nil, err
	}
	changes := make([]InstanceStateChange, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, InstanceStateChange{
			ID:       id,
			Previous: stores.StateRunning,
			Current:  stores.StateShuttingDown,
		})
	}
	return changes, nil
}

func (f *fakeProvider) CancelSpotRequests(_ context.Context, region string, ids []string) ([]SpotRequestStateChange, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if err := f.record("CancelSpotInstanceRequests", region, sorted...); err != nil {
		return nil, err
	}
	changes := make([]SpotRequestStateChange, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, SpotRequestStateChange{ID: id, State: "cancelled"})
	}
	return changes, nil
}

func (f *fakeProvider) DescribeInstance(_ context.Context, region, id string) (*ProviderInstance, error) {
	if err := f.record("DescribeInstances", region, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.described[region+"/"+id]
	if !ok {
		return nil, &ProviderError{Code: "InvalidInstanceID.NotFound", Message: fmt.Sprintf("%s not found", id)}
	}
	return inst, nil
}

func (f *fakeProvider) DescribeVolumes(_ context.Context, region string) ([]Volume, error) {
	if err := f.record("DescribeVolumes", region); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[region], nil
}

func (f *fakeProvider) KeyPairExists(_ context.Context, region, name string) (bool, error) {
	if err := f.record("DescribeKeyPairs", region, name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keyPairs[region+"/"+name], nil
}

func (f *fakeProvider) ImportKeyPair(_ context.Context, region, name, _ string) error {
	if err := f.record("ImportKeyPair", region, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyPairs[region+"/"+name] = true
	return nil
}

func (f *fakeProvider) DeleteKeyPair(_ context.Context, region, name string) error {
	if err := f.record("DeleteKeyPair", region, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keyPairs, region+"/"+name)
	return nil
}

var _ Provider = (*fakeProvider)(nil)

// staticValidator accepts or rejects every launch spec.
type staticValidator struct {
	ok  bool
	err error
}

func (v staticValidator) Check(context.Context, LaunchSpec, string) (bool, error) {
	return v.ok, v.err
}
