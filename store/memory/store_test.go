package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/accord"
	"github.com/xraph/accord/id"
	"github.com/xraph/accord/registry"
)

func TestSetInstanceAssignsID(t *testing.T) {
	st := New()
	ctx := context.Background()

	inst := &registry.Instance{BaseID: id.NewInstanceID(), Name: "worker"}
	assigned, err := st.SetInstance(ctx, inst)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if assigned.IsNil() {
		t.Fatal("expected an assigned id")
	}
	if inst.ID != id.Nil {
		t.Fatal("SetInstance must not mutate the caller's record")
	}

	got, err := st.GetInstance(ctx, assigned)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "worker" || got.ID != assigned {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestSetInstanceReplacesWholeValue(t *testing.T) {
	st := New()
	ctx := context.Background()

	assigned, err := st.SetInstance(ctx, &registry.Instance{Name: "worker", EventsCast: []string{"a"}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := st.SetInstance(ctx, &registry.Instance{ID: assigned, Name: "worker"}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := st.GetInstance(ctx, assigned)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.EventsCast) != 0 {
		t.Fatalf("replace-on-write must drop absent fields, got %+v", got.EventsCast)
	}
}

func TestGetInstanceMissing(t *testing.T) {
	st := New()
	if _, err := st.GetInstance(context.Background(), id.NewInstanceID()); !errors.Is(err, accord.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestListInstancesFiltersByPrefix(t *testing.T) {
	st := New()
	ctx := context.Background()

	for _, prefix := range []string{"a", "a", "b", ""} {
		if _, err := st.SetInstance(ctx, &registry.Instance{Name: "worker", Prefix: prefix}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	got, err := st.ListInstances(ctx, "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records under prefix a, got %d", len(got))
	}

	got, err = st.ListInstances(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("empty prefix must not match prefixed records, got %d", len(got))
	}
}

func TestTouchInstance(t *testing.T) {
	st := New()
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assigned, err := st.SetInstance(ctx, &registry.Instance{Name: "worker", LastActivity: start})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	later := start.Add(time.Minute)
	if err := st.TouchInstance(ctx, assigned, later); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := st.GetInstance(ctx, assigned)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("LastActivity = %v, want %v", got.LastActivity, later)
	}

	if err := st.TouchInstance(ctx, id.NewInstanceID(), later); !errors.Is(err, accord.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDeleteInstanceIdempotent(t *testing.T) {
	st := New()
	ctx := context.Background()

	assigned, err := st.SetInstance(ctx, &registry.Instance{Name: "worker"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := st.DeleteInstance(ctx, assigned); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteInstance(ctx, assigned); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}
	if _, err := st.GetInstance(ctx, assigned); !errors.Is(err, accord.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestActiveDispatcher(t *testing.T) {
	st := New()
	ctx := context.Background()

	got, err := st.ActiveDispatcher(ctx, "t")
	if err != nil {
		t.Fatalf("active dispatcher: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil with no dispatcher, got %+v", got)
	}

	if _, err := st.SetInstance(ctx, &registry.Instance{Name: "worker", Prefix: "t"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	assigned, err := st.SetInstance(ctx, &registry.Instance{Name: "pulsar", Prefix: "t", IsActiveDispatcher: true})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err = st.ActiveDispatcher(ctx, "t")
	if err != nil {
		t.Fatalf("active dispatcher: %v", err)
	}
	if got == nil || got.ID != assigned {
		t.Fatalf("unexpected dispatcher record: %+v", got)
	}

	// A different namespace has no dispatcher.
	got, err = st.ActiveDispatcher(ctx, "other")
	if err != nil || got != nil {
		t.Fatalf("expected nil for other prefix, got %+v %v", got, err)
	}
}
