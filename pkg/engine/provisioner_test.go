package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

var provisionTime = time.Date(2018, 3, 1, 12, 0, 0, 0, time.UTC)

// amiFailingStore fails every AMI usage report.
type amiFailingStore struct {
	*stores.SQLiteStore
}

func (s amiFailingStore) ReportAmiUsage(context.Context, string, string, time.Time) error {
	return errors.New("ami usage table locked")
}

func newTestProvisioner(t *testing.T, store ProvisioningStore, provider Provider, v LaunchSpecValidator) *Provisioner {
	t.Helper()

	p, err := NewProvisioner(ProvisionerConfig{
		Store:      store,
		Provider:   provider,
		Validator:  v,
		Tagger:     DefaultTagger{Owner: "ops", Prefix: "ec2-manager-test/"},
		Classifier: NewErrorClassifier([]string{"InvalidParameterValue", "InvalidAMIID.Malformed"}),
		Regions:    []string{"us-west-2", "us-east-1"},
		Logger:     testLogger,
		Now:        func() time.Time { return provisionTime },
	})
	if err != nil {
		t.Fatalf("failed to create provisioner: %v", err)
	}
	return p
}

func runRequest(token string) RunInstanceRequest {
	return RunInstanceRequest{
		WorkerType:  "builder",
		Region:      "us-west-2",
		ClientToken: token,
		LaunchSpec: LaunchSpec{
			ImageID:          "ami-1234",
			InstanceType:     "m5.large",
			AvailabilityZone: "us-west-2a",
		},
	}
}

func TestRequestInstanceOnDemand(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.runResult = &ProviderInstance{
		ID:               "i-1",
		InstanceType:     "m5.large",
		AvailabilityZone: "us-west-2a",
		ImageID:          "ami-1234",
		State:            stores.StatePending,
		LaunchTime:       provisionTime.Add(-time.Second),
	}
	p := newTestProvisioner(t, store, provider, staticValidator{ok: true})

	instance, err := p.RequestInstance(ctx, runRequest("token-1"))
	if err != nil {
		t.Fatalf("RequestInstance() error = %v", err)
	}
	if instance.ID != "i-1" || instance.WorkerType != "builder" {
		t.Errorf("unexpected instance %+v", instance)
	}
	if !instance.LastEventAt.Equal(provisionTime) {
		t.Errorf("LastEventAt = %v, want %v", instance.LastEventAt, provisionTime)
	}

	in := provider.lastRun
	if in == nil {
		t.Fatal("RunInstances was not called")
	}
	if in.MinCount != 1 || in.MaxCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", in.MinCount, in.MaxCount)
	}
	if in.MaxPrice != "" {
		t.Errorf("MaxPrice = %q, want empty for on-demand", in.MaxPrice)
	}
	if in.ClientToken != "token-1" {
		t.Errorf("ClientToken = %q, want token-1", in.ClientToken)
	}
	if len(in.InstanceTags) == 0 || len(in.VolumeTags) != len(in.InstanceTags) {
		t.Errorf("tags not applied to instance and volumes: %v / %v", in.InstanceTags, in.VolumeTags)
	}

	instances, _ := store.ListInstances(ctx, stores.InstanceFilter{WorkerType: "builder"})
	if len(instances) != 1 {
		t.Fatalf("len(instances) = %d, want 1", len(instances))
	}

	usage, err := store.ListAmiUsage(ctx)
	if err != nil {
		t.Fatalf("ListAmiUsage() error = %v", err)
	}
	if len(usage) != 1 || usage[0].ImageID != "ami-1234" {
		t.Errorf("ami usage = %+v, want ami-1234", usage)
	}
}

func TestRequestInstanceSpot(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.runResult = &ProviderInstance{ID: "i-2", SpotRequestID: "sir-2"}
	p := newTestProvisioner(t, store, provider, staticValidator{ok: true})

	if err := store.InsertSpotRequest(ctx, &stores.SpotRequest{
		Region: "us-west-2", ID: "sir-2", WorkerType: "builder", State: stores.SpotStateOpen, CreatedAt: provisionTime,
	}); err != nil {
		t.Fatalf("InsertSpotRequest() error = %v", err)
	}

	price := 0.25
	req := runRequest("token-2")
	req.SpotPrice = &price

	instance, err := p.RequestInstance(ctx, req)
	if err != nil {
		t.Fatalf("RequestInstance() error = %v", err)
	}
	if provider.lastRun.MaxPrice != "0.25" {
		t.Errorf("MaxPrice = %q, want 0.25", provider.lastRun.MaxPrice)
	}
	if instance.SpotRequestID == nil || *instance.SpotRequestID != "sir-2" {
		t.Errorf("SpotRequestID = %v, want sir-2", instance.SpotRequestID)
	}

	requests, _ := store.ListSpotRequests(ctx, stores.SpotRequestFilter{})
	if len(requests) != 0 {
		t.Errorf("fulfilled spot request still tracked: %+v", requests)
	}
}

func TestRequestInstanceRejected(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*RunInstanceRequest)
		validator staticValidator
		code      string
	}{
		{
			name:      "policy rejects",
			mutate:    func(*RunInstanceRequest) {},
			validator: staticValidator{ok: false},
			code:      ErrCodePolicyRejected,
		},
		{
			name:      "missing client token",
			mutate:    func(r *RunInstanceRequest) { r.ClientToken = "" },
			validator: staticValidator{ok: true},
			code:      ErrCodeValidation,
		},
		{
			name:      "missing image",
			mutate:    func(r *RunInstanceRequest) { r.LaunchSpec.ImageID = "" },
			validator: staticValidator{ok: true},
			code:      ErrCodeValidation,
		},
		{
			name:      "unmanaged region",
			mutate:    func(r *RunInstanceRequest) { r.Region = "ap-south-1" },
			validator: staticValidator{ok: true},
			code:      ErrCodeUnknownRegion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			provider := newFakeProvider()
			p := newTestProvisioner(t, store, provider, tt.validator)

			req := runRequest("token")
			tt.mutate(&req)

			_, err := p.RequestInstance(context.Background(), req)
			if !IsInvalidInput(err) {
				t.Fatalf("RequestInstance() error = %v, want invalid input", err)
			}
			if !errors.Is(err, &EngineError{Class: ErrorClassInvalidInput, Code: tt.code}) {
				t.Errorf("error code mismatch: %v, want %s", err, tt.code)
			}
			if calls := provider.Calls(""); len(calls) != 0 {
				t.Errorf("provider calls = %v, want none", calls)
			}
		})
	}
}

func TestRequestInstanceProviderErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantBadInput bool
	}{
		{"configured bad input code", &ProviderError{Code: "InvalidAMIID.Malformed", Message: "bad ami"}, true},
		{"unconfigured code", &ProviderError{Code: "InvalidParameter", Message: "not in list"}, false},
		{"capacity", &ProviderError{Code: "InsufficientInstanceCapacity", Message: "none left"}, false},
		{"transport", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := setupTestStore(t)
			provider := newFakeProvider()
			provider.setError("RunInstances", tt.err)
			p := newTestProvisioner(t, store, provider, staticValidator{ok: true})

			_, err := p.RequestInstance(ctx, runRequest("token"))
			if err == nil {
				t.Fatal("RequestInstance() error = nil")
			}
			if IsInvalidInput(err) != tt.wantBadInput {
				t.Errorf("IsInvalidInput() = %v, want %v", IsInvalidInput(err), tt.wantBadInput)
			}
			if !tt.wantBadInput && err != tt.err {
				t.Errorf("error = %v, want provider error unchanged", err)
			}

			records, err := store.GetRecentErrors(ctx, "builder", 10)
			if err != nil {
				t.Fatalf("GetRecentErrors() error = %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("len(records) = %d, want 1", len(records))
			}
			if records[0].Message != tt.err.Error() {
				t.Errorf("message = %q, want %q", records[0].Message, tt.err.Error())
			}

			instances, _ := store.ListInstances(ctx, stores.InstanceFilter{})
			if len(instances) != 0 {
				t.Errorf("failed launch recorded an instance")
			}
		})
	}
}

func TestRequestInstanceAmiUsageBestEffort(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.runResult = &ProviderInstance{ID: "i-3"}
	p := newTestProvisioner(t, amiFailingStore{store}, provider, staticValidator{ok: true})

	if _, err := p.RequestInstance(ctx, runRequest("token-3")); err != nil {
		t.Fatalf("RequestInstance() error = %v, want AMI failure ignored", err)
	}
	if exists, _ := store.InstanceExists(ctx, "us-west-2", "i-3"); !exists {
		t.Error("instance not recorded")
	}
}

func TestRequestSpotInstance(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.spotResult = &ProviderSpotRequest{ID: "sir-9", State: stores.SpotStateOpen, StatusCode: "pending-evaluation"}
	p := newTestProvisioner(t, store, provider, staticValidator{ok: true})

	req := SpotInstanceRequest{
		WorkerType:  "builder",
		Region:      "us-east-1",
		ClientToken: "token-9",
		SpotPrice:   0.5,
		LaunchSpec:  LaunchSpec{ImageID: "ami-9", InstanceType: "c5.xlarge"},
	}

	request, err := p.RequestSpotInstance(ctx, req)
	if err != nil {
		t.Fatalf("RequestSpotInstance() error = %v", err)
	}
	if request.ID != "sir-9" || request.Status != "pending-evaluation" {
		t.Errorf("unexpected request %+v", request)
	}
	if provider.lastSpot.SpotPrice != "0.5" || provider.lastSpot.InstanceCount != 1 {
		t.Errorf("unexpected spot input %+v", provider.lastSpot)
	}

	tagCalls := provider.Calls("CreateTags")
	if len(tagCalls) != 1 || tagCalls[0].Args[0] != "sir-9" {
		t.Errorf("CreateTags calls = %v, want one for sir-9", tagCalls)
	}

	requests, _ := store.ListSpotRequests(ctx, stores.SpotRequestFilter{Region: "us-east-1"})
	if len(requests) != 1 {
		t.Fatalf("len(requests) = %d, want 1", len(requests))
	}

	// A retried import of the same request is not an error.
	if err := p.ImportSpotRequest(ctx, request); err != nil {
		t.Errorf("ImportSpotRequest() duplicate error = %v", err)
	}
}

func TestRequestSpotInstanceTagFailureKeepsTracking(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	provider := newFakeProvider()
	provider.spotResult = &ProviderSpotRequest{ID: "sir-10"}
	provider.setError("CreateTags", &ProviderError{Code: "RequestLimitExceeded", Message: "throttled"})
	p := newTestProvisioner(t, store, provider, staticValidator{ok: true})

	_, err := p.RequestSpotInstance(ctx, SpotInstanceRequest{
		WorkerType:  "builder",
		Region:      "us-west-2",
		ClientToken: "token-10",
		SpotPrice:   1,
		LaunchSpec:  LaunchSpec{ImageID: "ami-10", InstanceType: "m5.large"},
	})
	if err == nil {
		t.Fatal("RequestSpotInstance() error = nil, want tagging failure")
	}

	requests, _ := store.ListSpotRequests(ctx, stores.SpotRequestFilter{ID: "sir-10"})
	if len(requests) != 1 {
		t.Errorf("spot request not tracked after tagging failure")
	}
}
