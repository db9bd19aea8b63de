package cmanager_test

import (
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/connlayer/nftraffic/cmanager"
	"github.com/connlayer/nftraffic/tcp"
)

func TestManagerC_allocateExhaustsAndReleases(t *testing.T) {
	var ready atomic.Bool
	m := cmanager.NewManagerC(10, 12, &ready)

	c1, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if c1.Port == c2.Port {
		t.Fatal("expected distinct ports")
	}
	if _, err := m.Allocate(); err != cmanager.ErrPortsExhausted {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}

	m.Release(c1.Port, cmanager.CauseProtocolComplete)
	if m.Len() != 1 {
		t.Fatalf("expected 1 remaining connection, got %d", m.Len())
	}
	c3, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if c3.Port != c1.Port {
		t.Fatalf("expected reused port %d, got %d", c1.Port, c3.Port)
	}
}

func TestManagerC_readyQueueTogglesFlag(t *testing.T) {
	var ready atomic.Bool
	m := cmanager.NewManagerC(100, 101, &ready)
	c, _ := m.Allocate()

	if ready.Load() {
		t.Fatal("flag should start clear")
	}
	m.MarkReady(c.Port)
	if !ready.Load() {
		t.Fatal("flag should be set after first ready connection")
	}
	port, ok := m.NextReady()
	if !ok || port != c.Port {
		t.Fatalf("expected to pop port %d, got %d ok=%v", c.Port, port, ok)
	}
	if ready.Load() {
		t.Fatal("flag should clear once queue drains")
	}
}

func TestManagerS_getOrInsertIsIdempotent(t *testing.T) {
	m := cmanager.NewManagerS()
	ip := [4]byte{10, 0, 0, 5}

	c1, created := m.GetOrInsert(ip, 5555)
	if !created {
		t.Fatal("expected first call to create")
	}
	if diff := cmp.Diff([]tcp.State{tcp.StateListen}, c1.Rec.StateHistory); diff != "" {
		t.Fatalf("unexpected initial state history (-want +got):\n%s", diff)
	}

	c2, created := m.GetOrInsert(ip, 5555)
	if created {
		t.Fatal("expected second call to reuse existing connection")
	}
	if c1 != c2 {
		t.Fatal("expected same Connection pointer on repeated GetOrInsert")
	}

	m.Release(ip, 5555, cmanager.CausePassiveRst)
	if m.Get(ip, 5555) != nil {
		t.Fatal("expected connection removed after Release")
	}
}
