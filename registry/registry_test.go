package registry

import "testing"

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemory()

	inst1 := Instance{DestHash: "8fJq3W", Namespace: "example", Aspect: "rpc", Weight: 10}
	inst2 := Instance{DestHash: "2xPa9c", Namespace: "example", Aspect: "rpc", Weight: 5}

	if err := reg.Register("telemetry", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("telemetry", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("telemetry")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Re-registering the same destination replaces, not duplicates.
	inst1.Weight = 20
	reg.Register("telemetry", inst1, 10)
	instances, _ = reg.Discover("telemetry")
	if len(instances) != 2 {
		t.Fatalf("re-registration duplicated: %d instances", len(instances))
	}

	if err := reg.Deregister("telemetry", inst1.DestHash); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover("telemetry")
	if len(instances) != 1 || instances[0].DestHash != inst2.DestHash {
		t.Fatalf("after deregister: %+v", instances)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemory()
	ch := reg.Watch("telemetry")

	reg.Register("telemetry", Instance{DestHash: "abc"}, 10)
	select {
	case list := <-ch:
		if len(list) != 1 {
			t.Fatalf("watch emitted %d instances", len(list))
		}
	default:
		t.Fatalf("watch did not fire")
	}
}

func TestDiscoverUnknownService(t *testing.T) {
	reg := NewMemory()
	instances, err := reg.Discover("nothing")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 0 {
		t.Fatalf("got %d instances for unknown service", len(instances))
	}
}
