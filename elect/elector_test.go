package elect_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/accord/broadcast"
	broadcastmem "github.com/xraph/accord/broadcast/memory"
	"github.com/xraph/accord/elect"
	"github.com/xraph/accord/id"
	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/scaler"
	storemem "github.com/xraph/accord/store/memory"
	"github.com/xraph/accord/stream"
	streammem "github.com/xraph/accord/stream/memory"
)

func newElector(log stream.Log, broker broadcast.Broker, reg registry.Store, name string) *elect.Elector {
	origin := id.NewInstanceID()
	sc := scaler.New(log, scaler.WithOwnerGroup(name))
	return elect.New(log, broker, reg, sc, origin, name,
		elect.WithPollInterval(20*time.Millisecond),
		elect.WithIdleTime(50*time.Millisecond),
	)
}

func countLeaders(electors []*elect.Elector) int {
	n := 0
	for _, e := range electors {
		if e.IsLeader() {
			n++
		}
	}
	return n
}

// waitLeaders polls until want electors report leadership, or fails.
func waitLeaders(t *testing.T, electors []*elect.Elector, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countLeaders(electors) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d leader(s), got %d", want, countLeaders(electors))
}

func closeAll(t *testing.T, electors []*elect.Elector) {
	t.Helper()
	ctx := context.Background()
	// Non-leaders first: the leader tears the stream down.
	for _, e := range electors {
		if !e.IsLeader() {
			if err := e.Close(ctx); err != nil {
				t.Errorf("close: %v", err)
			}
		}
	}
	for _, e := range electors {
		if e.IsLeader() {
			if err := e.Close(ctx); err != nil {
				t.Errorf("close leader: %v", err)
			}
		}
	}
}

func TestSingleLeaderAmongConcurrentCandidates(t *testing.T) {
	log := streammem.New()
	broker := broadcastmem.New()
	st := storemem.New()
	ctx := context.Background()

	const n = 5
	electors := make([]*elect.Elector, n)
	for i := range electors {
		electors[i] = newElector(log, broker, st, "pulsar")
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, e := range electors {
		wg.Add(1)
		go func(e *elect.Elector) {
			defer wg.Done()
			_, err := e.Init(ctx)
			errs <- err
		}(e)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("init: %v", err)
		}
	}

	waitLeaders(t, electors, 1)

	// Leadership must stay with exactly one candidate.
	time.Sleep(200 * time.Millisecond)
	if got := countLeaders(electors); got != 1 {
		t.Fatalf("leadership drifted to %d leaders", got)
	}

	instances, err := st.ListInstances(ctx, "")
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	active := 0
	for _, inst := range instances {
		if inst.IsActiveDispatcher {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly 1 active dispatcher record, got %d", active)
	}

	closeAll(t, electors)
}

func TestJoinEstablishedCluster(t *testing.T) {
	log := streammem.New()
	broker := broadcastmem.New()
	st := storemem.New()
	ctx := context.Background()

	first := newElector(log, broker, st, "pulsar")
	joined, err := first.Init(ctx)
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	if joined {
		t.Fatal("first candidate cannot join, nothing is established yet")
	}
	waitLeaders(t, []*elect.Elector{first}, 1)

	second := newElector(log, broker, st, "pulsar")
	joined, err = second.Init(ctx)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !joined {
		t.Fatal("second candidate must join the established stream")
	}

	time.Sleep(200 * time.Millisecond)
	if second.IsLeader() {
		t.Fatal("joining candidate must not attempt election")
	}
	if !first.IsLeader() {
		t.Fatal("established leader lost leadership")
	}

	closeAll(t, []*elect.Elector{first, second})
}

func TestReElectionAfterLeaderStops(t *testing.T) {
	log := streammem.New()
	broker := broadcastmem.New()
	st := storemem.New()
	ctx := context.Background()

	first := newElector(log, broker, st, "pulsar")
	if _, err := first.Init(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	waitLeaders(t, []*elect.Elector{first}, 1)

	follower := newElector(log, broker, st, "pulsar")
	if _, err := follower.Init(ctx); err != nil {
		t.Fatalf("follower init: %v", err)
	}

	// The leader stops: coordination stream and registry record go away.
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close leader: %v", err)
	}
	exists, err := log.StreamExists(ctx, "coordination")
	if err != nil || exists {
		t.Fatalf("coordination stream must be gone after leader close: %v %v", exists, err)
	}

	// A remaining instance triggers a fresh election through the same
	// start-up path.
	fresh := newElector(log, broker, st, "pulsar")
	joined, err := fresh.Init(ctx)
	if err != nil {
		t.Fatalf("fresh init: %v", err)
	}
	if joined {
		t.Fatal("fresh candidate must elect on the recreated stream")
	}

	remaining := []*elect.Elector{follower, fresh}
	waitLeaders(t, remaining, 1)

	dispatcher, err := st.ActiveDispatcher(ctx, "")
	if err != nil {
		t.Fatalf("active dispatcher: %v", err)
	}
	if dispatcher == nil {
		t.Fatal("expected a new active dispatcher record")
	}

	closeAll(t, remaining)
}

func TestInitStreamSurvivesCreationRace(t *testing.T) {
	log := streammem.New()
	ctx := context.Background()

	// Another candidate wins the creation race between the existence check
	// and Init: the retry must treat the existing group as benign.
	e := newElector(log, broadcastmem.New(), storemem.New(), "pulsar")
	if err := log.Init(ctx, e.StreamName(), "pulsar", stream.StartBeginning); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.InitStream(ctx); err != nil {
		t.Fatalf("initStream must tolerate a lost creation race: %v", err)
	}
}
