// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package peering_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/autopeer-foundation/autopeer/lib/peering"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func testRecord(asn uint32) peering.Record {
	return peering.Record{
		ASN:             asn,
		PublicKey:       testKey,
		EndpointAddress: "2001:db8::1",
		EndpointPort:    51000,
	}
}

func openTestStore(t *testing.T) *peering.Store {
	t.Helper()
	store, err := peering.OpenStore(peering.StoreConfig{
		Path: filepath.Join(t.TempDir(), "peering.db"),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestCreateAssignsSequentialSlots(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		slotID, err := store.Create(ctx, testRecord(uint32(100+want)))
		if err != nil {
			t.Fatalf("Create #%d: %v", want, err)
		}
		if slotID != want {
			t.Errorf("Create #%d slot id = %d, want %d", want, slotID, want)
		}
	}
}

func TestRemoveFreesSlotForReuse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for asn := uint32(101); asn <= 103; asn++ {
		if _, err := store.Create(ctx, testRecord(asn)); err != nil {
			t.Fatalf("Create AS%d: %v", asn, err)
		}
	}

	// AS102 holds slot 2; removing it must make 2 the next candidate.
	if err := store.Remove(ctx, 102); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	slotID, err := store.Create(ctx, testRecord(200))
	if err != nil {
		t.Fatalf("Create after remove: %v", err)
	}
	if slotID != 2 {
		t.Errorf("slot id after gap = %d, want 2 (lowest-gap reuse)", slotID)
	}
}

func TestCreateConflictLeavesStoreUnchanged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord(100)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	duplicate := testRecord(100)
	duplicate.EndpointAddress = "2001:db8::2"
	if _, err := store.Create(ctx, duplicate); !errors.Is(err, peering.ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want ErrConflict", err)
	}

	after, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("store changed by failed create:\nbefore: %+v\nafter:  %+v", before, after)
	}
}

func TestConcurrentCreatesYieldDistinctSlots(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const workers = 16
	var waitGroup sync.WaitGroup
	slots := make(chan int, workers)
	failures := make(chan error, workers)

	for i := 0; i < workers; i++ {
		i := i
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			slotID, err := store.Create(ctx, testRecord(uint32(1000+i)))
			if err != nil {
				failures <- fmt.Errorf("AS%d: %w", 1000+i, err)
				return
			}
			slots <- slotID
		}()
	}
	waitGroup.Wait()
	close(slots)
	close(failures)

	for err := range failures {
		t.Errorf("concurrent Create failed: %v", err)
	}

	seen := make(map[int]bool)
	for slotID := range slots {
		if slotID < 1 || slotID > peering.MaxSlotID {
			t.Errorf("slot id %d out of range", slotID)
		}
		if seen[slotID] {
			t.Errorf("slot id %d assigned twice", slotID)
		}
		seen[slotID] = true
	}
	if len(seen) != workers {
		t.Errorf("got %d distinct slot ids, want %d", len(seen), workers)
	}
}

func TestGetReturnsStoredFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := testRecord(100)
	record.CustomLinkLocal = "fe80::aaaa"
	slotID, err := store.Create(ctx, record)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	record.SlotID = slotID
	if *got != record {
		t.Errorf("Get = %+v, want %+v", *got, record)
	}

	if _, err := store.Get(ctx, 999); !errors.Is(err, peering.ErrNotFound) {
		t.Errorf("Get missing ASN error = %v, want ErrNotFound", err)
	}
}

func TestListIntersectsWithRequestedASNs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for asn := uint32(100); asn <= 102; asn++ {
		if _, err := store.Create(ctx, testRecord(asn)); err != nil {
			t.Fatalf("Create AS%d: %v", asn, err)
		}
	}

	listing, err := store.List(ctx, []uint32{100, 102, 555})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("List returned %d records, want 2", len(listing))
	}
	for _, asn := range []uint32{100, 102} {
		if _, ok := listing[asn]; !ok {
			t.Errorf("List missing AS%d", asn)
		}
	}
	if _, ok := listing[555]; ok {
		t.Error("List invented a record for AS555")
	}
}

func TestListNoASNsReturnsEmpty(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord(100)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	listing, err := store.List(ctx, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing) != 0 {
		t.Errorf("List with no ASNs returned %d records, want 0", len(listing))
	}
}

func TestListToleratesDuplicateASNs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord(100)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	listing, err := store.List(ctx, []uint32{100, 100, 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing) != 1 {
		t.Fatalf("List returned %d records, want 1", len(listing))
	}
	if record, ok := listing[100]; !ok || record.ASN != 100 {
		t.Errorf("List[100] = %+v, %v; want the AS100 record", record, ok)
	}
}

func TestRemoveMissingIsNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Remove(ctx, 100); !errors.Is(err, peering.ErrNotFound) {
		t.Errorf("Remove missing ASN error = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsBadPort(t *testing.T) {
	store := openTestStore(t)

	record := testRecord(100)
	record.EndpointPort = 0
	if _, err := store.Create(context.Background(), record); err == nil {
		t.Fatal("Create accepted port 0")
	}
}
