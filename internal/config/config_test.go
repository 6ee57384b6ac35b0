package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
local_endpoint: master-a
zones:
  master:
    endpoints: [master-a, master-b]
  satellite1:
    parent: master
    endpoints: [sat1-a]
endpoints:
  master-a: {}
  master-b: {host: 10.0.0.2, port: 5665}
  sat1-a: {host: 10.0.1.1, port: 5665, log_duration: 24h}
checkables:
  - host: web1
    zone: satellite1
    check_command: /usr/lib/nagios/plugins/check_ping
    check_interval: 60s
    retry_interval: 10s
    max_check_attempts: 3
  - host: web1
    service: http
    zone: satellite1
    check_command: /usr/lib/nagios/plugins/check_http
    check_interval: 60s
    retry_interval: 10s
    max_check_attempts: 3
time_periods:
  business_hours:
    monday: ["09:00-17:00"]
    tuesday: ["09:00-17:00"]
notifications:
  - name: web1-http-notify
    applies: web1!http
    types: [problem, recovery]
    users: [alice]
telegram:
  - bot_token: "abc"
    chat_id: "123"
    users: [alice]
`

func TestLoadAndBuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reg, err := f.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	if _, ok := reg.Zone("satellite1"); !ok {
		t.Fatal("expected satellite1 zone")
	}

	periods, err := f.BuildTimePeriods()
	if err != nil {
		t.Fatalf("BuildTimePeriods: %v", err)
	}
	if _, ok := periods["business_hours"]; !ok {
		t.Fatal("expected business_hours period")
	}

	hosts, services, err := f.BuildCheckables(periods)
	if err != nil {
		t.Fatalf("BuildCheckables: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(hosts))
	}
	if len(services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(services))
	}

	notifs, err := f.BuildNotifications(periods)
	if err != nil {
		t.Fatalf("BuildNotifications: %v", err)
	}
	if _, ok := notifs["web1-http-notify"]; !ok {
		t.Fatal("expected web1-http-notify")
	}

	dirUsers := f.BuildUserDirectory()
	if len(dirUsers.ChannelsFor("alice")) != 1 {
		t.Fatal("expected alice to have one channel")
	}
}

func TestLoadRejectsUndeclaredLocalEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	os.WriteFile(path, []byte("local_endpoint: missing\nendpoints: {}\n"), 0644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for undeclared local_endpoint")
	}
}
