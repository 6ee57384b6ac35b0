package cluster

import (
	"testing"
	"time"

	"wardend/internal/model"
)

func TestAuthorityOwnerDeterministic(t *testing.T) {
	endpoints := []string{"a", "b", "c"}
	owner1 := AuthorityOwner("Host!web01", endpoints)
	owner2 := AuthorityOwner("Host!web01", endpoints)
	if owner1 != owner2 {
		t.Fatalf("expected deterministic owner, got %q then %q", owner1, owner2)
	}
	found := false
	for _, e := range endpoints {
		if e == owner1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("owner %q not in endpoint set", owner1)
	}
}

func TestAuthorityOwnerDistribution(t *testing.T) {
	endpoints := []string{"a", "b", "c"}
	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		name := "Host!host" + string(rune('A'+i%26)) + string(rune(i))
		counts[AuthorityOwner(name, endpoints)]++
	}
	for _, e := range endpoints {
		if counts[e] == 0 {
			t.Fatalf("endpoint %q received no objects: %v", e, counts)
		}
	}
}

func TestElectorGrantsRunOnAllUnconditionally(t *testing.T) {
	reg := model.NewRegistry("a")
	zone := model.NewZone("master", "", false)
	zone.AddEndpoint("a")
	reg.AddZone(zone)

	el := NewElector(nil, reg, zone)
	host := model.NewHost("web01", "", model.HARunOnAll, model.CheckableConfig{})
	el.Register(host)

	if !host.Authority() {
		t.Fatal("runOnAll object should have authority unconditionally")
	}
}

func TestElectorSingleNodeOwnsEverythingAfterColdStart(t *testing.T) {
	reg := model.NewRegistry("a")
	zone := model.NewZone("master", "", false)
	zone.AddEndpoint("a")
	reg.AddZone(zone)

	el := NewElector(nil, reg, zone)
	el.startedAt = el.startedAt.Add(-time.Hour)
	host := model.NewHost("web01", "", model.HARunOnOnce, model.CheckableConfig{})
	el.Register(host)
	el.Recompute()

	if !host.Authority() {
		t.Fatal("sole endpoint should own every runOnOnce object")
	}
}
