package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshrpc/client"
	"meshrpc/envelope"
	"meshrpc/loadbalance"
	"meshrpc/mesh"
	"meshrpc/middleware"
	"meshrpc/notify"
	"meshrpc/registry"
	"meshrpc/server"
	"meshrpc/shape"
	"meshrpc/wire"
)

func newMesh(t *testing.T) *mesh.Memory {
	t.Helper()
	return mesh.NewMemory(
		mesh.WithPathDelay(time.Millisecond),
		mesh.WithEstablishDelay(time.Millisecond),
	)
}

func newIdentity(t *testing.T) *mesh.Identity {
	t.Helper()
	id, err := mesh.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

func newClient(t *testing.T, m *mesh.Memory, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithPathDiscovery(10, 5*time.Millisecond)}, opts...)
	c, err := client.New(m, newIdentity(t), "weather", "observer", opts...)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// startStation brings up a router that serves a typed GetReport command
// under the weather namespace.
func startStation(t *testing.T, m *mesh.Memory, aspect string, opts ...server.Option) *server.Router {
	t.Helper()
	r := server.New(m, newIdentity(t), "weather", aspect, opts...)
	report := shape.Struct("ReportQuery",
		shape.Req("city", shape.String()),
	)
	r.AddRoute("GetReport", func(ctx context.Context, req *server.Request) (any, error) {
		rec := req.Payload.(*shape.Record)
		city, _ := rec.Get("city")
		return map[string]any{
			"city":    city,
			"station": aspect,
			"temp_c":  int64(21),
		}, nil
	}, server.WithRequestShape(report))
	if err := r.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestEndToEndLinkCall(t *testing.T) {
	m := newMesh(t)
	r := startStation(t, m, "station1")
	c := newClient(t, m)

	result := shape.Struct("Report",
		shape.Req("city", shape.String()),
		shape.Req("station", shape.String()),
		shape.F("temp_c", shape.Int()),
	)
	got, err := c.SendCommand(context.Background(), r.Destination().Hash(),
		"GetReport", map[string]any{"city": "Utrecht"},
		client.ResponseShape(result))
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	rec := got.(*shape.Record)
	if city, _ := rec.Get("city"); city != "Utrecht" {
		t.Fatalf("city = %v", city)
	}
	if station, _ := rec.Get("station"); station != "station1" {
		t.Fatalf("station = %v", station)
	}
}

func TestEndToEndDatagramCall(t *testing.T) {
	m := newMesh(t)
	r := startStation(t, m, "station1")
	c := newClient(t, m)

	got, err := c.SendCommand(context.Background(), r.Destination().Hash(),
		"GetReport", map[string]any{"city": "Leiden"},
		client.Datagram())
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	v, err := wire.Decode(got.([]byte))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(map[string]any)["city"] != "Leiden" {
		t.Fatalf("reply = %v", v)
	}
}

func TestEndToEndAuthToken(t *testing.T) {
	m := newMesh(t)
	r := startStation(t, m, "station1", server.WithAuthToken("sesame"))

	// Without the token the request is silently dropped and the call
	// times out.
	anon := newClient(t, m)
	_, err := anon.SendCommand(context.Background(), r.Destination().Hash(),
		"GetReport", map[string]any{"city": "Delft"},
		client.CallTimeout(50*time.Millisecond))
	if !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("err = %v, want timeout for unauthorized caller", err)
	}

	auth := newClient(t, m, client.WithAuthToken("sesame"))
	got, err := auth.SendCommand(context.Background(), r.Destination().Hash(),
		"GetReport", map[string]any{"city": "Delft"})
	if err != nil {
		t.Fatalf("authorized call: %v", err)
	}
	v, err := wire.Decode(got.([]byte))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(map[string]any)["city"] != "Delft" {
		t.Fatalf("reply = %v", v)
	}
}

func TestAnnounceDiscovery(t *testing.T) {
	m := newMesh(t)
	c := newClient(t, m)

	r := server.New(m, newIdentity(t), "weather", "station9")
	r.AddRoute("Ping", func(ctx context.Context, req *server.Request) (any, error) {
		return "pong", nil
	})
	if err := r.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(r.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, err := c.WaitForAnnounce(ctx, func(a mesh.Announce) bool {
		return a.DestHash == r.Destination().Hash()
	})
	if err != nil {
		t.Fatalf("WaitForAnnounce: %v", err)
	}

	got, err := c.SendCommand(context.Background(), a.DestHash, "Ping", nil)
	if err != nil {
		t.Fatalf("SendCommand to announced destination: %v", err)
	}
	v, _ := wire.Decode(got.([]byte))
	if v != "pong" {
		t.Fatalf("reply = %v", v)
	}
}

func TestRegistryAndBalancerPickServableInstance(t *testing.T) {
	m := newMesh(t)
	reg := registry.NewMemory()

	for _, aspect := range []string{"station1", "station2", "station3"} {
		startStation(t, m, aspect,
			server.WithRegistry(reg, "weather-report", 10))
	}
	c := newClient(t, m)

	instances, err := reg.Discover("weather-report")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("instances = %d, want 3", len(instances))
	}

	var rr loadbalance.RoundRobin
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		inst, err := rr.Pick(instances)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		dest, err := mesh.ParseHash(inst.DestHash)
		if err != nil {
			t.Fatalf("ParseHash(%q): %v", inst.DestHash, err)
		}
		got, err := c.SendCommand(context.Background(), dest,
			"GetReport", map[string]any{"city": "Gouda"})
		if err != nil {
			t.Fatalf("SendCommand via %s: %v", inst.DestHash, err)
		}
		v, err := wire.Decode(got.([]byte))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		seen[v.(map[string]any)["station"].(string)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("round robin hit %d distinct stations, want 3", len(seen))
	}
}

func TestNotificationFanOut(t *testing.T) {
	m := newMesh(t)
	c := newClient(t, m)

	hub := notify.NewHub()
	hub.Attach(c)
	t.Cleanup(hub.Close)

	events := make(chan notify.Event, 2)
	hub.Subscribe(func(ev notify.Event) { events <- ev })
	hub.Subscribe(func(ev notify.Event) { events <- ev })

	// A station pushes an unsolicited alert at the client.
	station := newIdentity(t)
	dest := mesh.NewDestination(station, mesh.In, mesh.Single, "weather", "alerts")
	payload, err := wire.Encode(map[string]any{"level": "storm"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env := envelope.Request("WeatherAlert", "", payload)
	frame, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := m.Deliver(c.Destination().Hash(), dest.Hash(), frame); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Command != "WeatherAlert" {
				t.Fatalf("command = %q", ev.Command)
			}
			if ev.Value.(map[string]any)["level"] != "storm" {
				t.Fatalf("value = %v", ev.Value)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the alert")
		}
	}
}

func TestMiddlewareRateLimitDropsExcess(t *testing.T) {
	m := newMesh(t)

	r := server.New(m, newIdentity(t), "weather", "limited")
	r.Use(middleware.RateLimit(1, 1))
	r.AddRoute("Ping", func(ctx context.Context, req *server.Request) (any, error) {
		return "pong", nil
	})
	if err := r.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(r.Close)

	c := newClient(t, m)
	ctx := context.Background()
	if _, err := c.SendCommand(ctx, r.Destination().Hash(), "Ping", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// The bucket holds one token; an immediate second call is dropped
	// and only the client's timeout notices.
	_, err := c.SendCommand(ctx, r.Destination().Hash(), "Ping", nil,
		client.CallTimeout(50*time.Millisecond))
	if !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("err = %v, want timeout from rate limited call", err)
	}
}
