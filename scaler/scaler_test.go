package scaler

import (
	"context"
	"strings"
	"testing"

	"github.com/xraph/accord/stream"
	streammem "github.com/xraph/accord/stream/memory"
)

func groupsOf(t *testing.T, log stream.Log, name string) []stream.GroupInfo {
	t.Helper()
	groups, err := log.ListGroups(context.Background(), name)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	return groups
}

func TestApply_FixedPool(t *testing.T) {
	log := streammem.New()
	s := New(log, WithOwnerGroup("pulsar"))

	cfg := map[string]EventConfig{
		"accountingFolder": {Subscribers: []Subscriber{
			{Name: "GED", HorizontalScale: false, Replicas: 2},
		}},
	}
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	groups := groupsOf(t, log, "accountingFolder")
	var ged *stream.GroupInfo
	for i := range groups {
		if groups[i].Name == "GED" {
			ged = &groups[i]
		}
		if strings.HasPrefix(groups[i].Name, "GED-") {
			t.Fatalf("fixed pool must not create horizontal groups, found %q", groups[i].Name)
		}
	}
	if ged == nil {
		t.Fatal("expected group GED to exist")
	}
	if ged.Consumers != 2 {
		t.Fatalf("expected exactly 2 consumers in GED, got %d", ged.Consumers)
	}
}

func TestApply_HorizontalScale(t *testing.T) {
	log := streammem.New()
	s := New(log, WithOwnerGroup("pulsar"))

	cfg := map[string]EventConfig{
		"accountingFolder": {Subscribers: []Subscriber{
			{Name: "GED", HorizontalScale: true, Replicas: 2},
		}},
	}
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	scaled := 0
	for _, g := range groupsOf(t, log, "accountingFolder") {
		if strings.HasPrefix(g.Name, "GED-") {
			scaled++
		}
	}
	if scaled != 2 {
		t.Fatalf("expected exactly 2 GED- prefixed groups, got %d", scaled)
	}
}

func TestApply_Idempotent(t *testing.T) {
	log := streammem.New()
	s := New(log, WithOwnerGroup("pulsar"))

	cfg := map[string]EventConfig{
		"accountingFolder": {Subscribers: []Subscriber{
			{Name: "GED", HorizontalScale: true, Replicas: 2},
			{Name: "billing", HorizontalScale: false, Replicas: 3},
		}},
		"documentStored": {Subscribers: []Subscriber{
			{Name: "archiver", HorizontalScale: false, Replicas: 1},
		}},
	}

	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first := map[string][]stream.GroupInfo{
		"accountingFolder": groupsOf(t, log, "accountingFolder"),
		"documentStored":   groupsOf(t, log, "documentStored"),
	}

	// Re-running the same configuration must not create duplicates or
	// drift the replica counts.
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	for streamName, before := range first {
		after := groupsOf(t, log, streamName)
		if len(after) != len(before) {
			t.Fatalf("%s: group count drifted from %d to %d", streamName, len(before), len(after))
		}
		for i := range before {
			if after[i] != before[i] {
				t.Fatalf("%s: group %+v drifted to %+v", streamName, before[i], after[i])
			}
		}
	}
}

func TestApply_ConvergesAfterPartialState(t *testing.T) {
	log := streammem.New()
	ctx := context.Background()

	// Simulate a previous partial run: stream and one scaled group exist.
	if err := log.Init(ctx, "test-accountingFolder", "pulsar", stream.StartNewOnly); err != nil {
		t.Fatalf("seed init: %v", err)
	}
	if err := log.CreateGroup(ctx, "test-accountingFolder", "GED", stream.StartNewOnly, false); err != nil {
		t.Fatalf("seed plain group: %v", err)
	}
	if err := log.CreateGroup(ctx, "test-accountingFolder", "GED-seeded", stream.StartNewOnly, false); err != nil {
		t.Fatalf("seed scaled group: %v", err)
	}

	s := New(log, WithPrefix("test"), WithOwnerGroup("pulsar"))
	cfg := map[string]EventConfig{
		"accountingFolder": {Subscribers: []Subscriber{
			{Name: "GED", HorizontalScale: true, Replicas: 3},
		}},
	}
	if err := s.Apply(ctx, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	scaled := 0
	for _, g := range groupsOf(t, log, "test-accountingFolder") {
		if strings.HasPrefix(g.Name, "GED-") {
			scaled++
		}
	}
	if scaled != 3 {
		t.Fatalf("expected convergence to 3 GED- groups, got %d", scaled)
	}
}

func TestApply_PrefixedStreamNames(t *testing.T) {
	log := streammem.New()
	s := New(log, WithPrefix("prod"), WithOwnerGroup("pulsar"))

	cfg := map[string]EventConfig{
		"accountingFolder": {Subscribers: []Subscriber{
			{Name: "GED", Replicas: 1},
		}},
	}
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	exists, err := log.StreamExists(context.Background(), "prod-accountingFolder")
	if err != nil || !exists {
		t.Fatalf("expected prefixed stream to exist: %v %v", exists, err)
	}
	exists, err = log.StreamExists(context.Background(), "accountingFolder")
	if err != nil || exists {
		t.Fatalf("unprefixed stream must not exist: %v %v", exists, err)
	}
}
