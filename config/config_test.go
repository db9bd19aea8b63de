package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/connlayer/nftraffic/config"
)

const sampleYAML = `
servers:
  - mac: "aa:bb:cc:dd:ee:ff"
    ip: "10.0.0.2"
    port: 80
engine:
  mac: "11:22:33:44:55:66"
  ip: "10.0.0.1"
  port: 0
timeouts:
  established_ms: 5000
tick:
  interval_ms: 10
cps_limit: 1000
nr_connections: 100
log_level: info
`

func TestLoad_validDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nftraffic.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(e.Servers))
	}
	mac, ip, err := e.Servers[0].Parsed()
	if err != nil {
		t.Fatal(err)
	}
	wantMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if mac != wantMAC {
		t.Fatalf("expected mac %v, got %v", wantMAC, mac)
	}
	wantIP := [4]byte{10, 0, 0, 2}
	if ip != wantIP {
		t.Fatalf("expected ip %v, got %v", wantIP, ip)
	}
	if e.NrConnections != 100 || e.CPSLimit != 1000 {
		t.Fatalf("unexpected scalar fields: %+v", e)
	}
}

func TestEngine_validateRejectsMissingServers(t *testing.T) {
	e := config.Engine{NrConnections: 1, CPSLimit: 1, Timeouts: config.Timeouts{EstablishedMS: 1}}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for missing servers")
	}
}

func TestEngine_validateRejectsZeroRate(t *testing.T) {
	e := config.Engine{
		Servers:       []config.L234{{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.2", Port: 80}},
		NrConnections: 1,
		Timeouts:      config.Timeouts{EstablishedMS: 1},
	}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for zero cps_limit")
	}
}
