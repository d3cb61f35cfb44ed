package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ApplyInstanceEvent shows that only strictly newer
// lifecycle events change an instance.
func ExampleSQLiteStore_ApplyInstanceEvent() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	launched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = store.InsertInstance(ctx, &stores.Instance{
		Region:       "us-east-1",
		ID:           "i-0abc",
		WorkerType:   "builder",
		InstanceType: "m5.large",
		State:        stores.StatePending,
		LaunchedAt:   launched,
		LastEventAt:  launched,
	})

	applied, _ := store.ApplyInstanceEvent(ctx, "us-east-1", "i-0abc", stores.StateRunning, launched.Add(time.Minute))
	fmt.Println("running applied:", applied)

	applied, _ = store.ApplyInstanceEvent(ctx, "us-east-1", "i-0abc", stores.StatePending, launched.Add(time.Second))
	fmt.Println("stale pending applied:", applied)
	// Output:
	// running applied: true
	// stale pending applied: false
}

// ExampleSQLiteStore_InsertSpotRequest shows duplicate detection on insert.
func ExampleSQLiteStore_InsertSpotRequest() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	sr := &stores.SpotRequest{
		Region:       "us-west-2",
		ID:           "sir-1234",
		WorkerType:   "builder",
		InstanceType: "c5.xlarge",
		State:        stores.SpotStateOpen,
		CreatedAt:    time.Now(),
	}
	_ = store.InsertSpotRequest(ctx, sr)

	err := store.InsertSpotRequest(ctx, sr)
	fmt.Println("duplicate:", errors.Is(err, stores.ErrDuplicateKey))
	// Output: duplicate: true
}

// ExampleSQLiteStore_InstanceCounts demonstrates the capacity view consumed
// by the scheduler.
func ExampleSQLiteStore_InstanceCounts() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	for i, state := range []string{stores.StatePending, stores.StateRunning, stores.StateRunning} {
		_ = store.InsertInstance(ctx, &stores.Instance{
			Region:       "us-east-1",
			ID:           fmt.Sprintf("i-%d", i),
			WorkerType:   "builder",
			InstanceType: "m5.large",
			State:        state,
			LaunchedAt:   now,
			LastEventAt:  now,
		})
	}

	counts, err := store.InstanceCounts(ctx, "builder")
	if err != nil {
		log.Fatal(err)
	}

	for _, c := range counts.Pending {
		fmt.Printf("pending %s %s %d\n", c.Type, c.InstanceType, c.Count)
	}
	for _, c := range counts.Running {
		fmt.Printf("running %s %s %d\n", c.Type, c.InstanceType, c.Count)
	}
	// Output:
	// pending instance m5.large 1
	// running instance m5.large 2
}
