package config

import (
	"testing"
)

func TestResolveHost(t *testing.T) {
	tests := []struct {
		host   string
		docker bool
		want   string
	}{
		{"localhost", true, "host.docker.internal"},
		{"127.0.0.1", true, "host.docker.internal"},
		{"localhost", false, "localhost"},
		{"stats.example.com", true, "stats.example.com"},
		{"host.docker.internal", false, "host.docker.internal"},
	}

	for _, tt := range tests {
		if got := resolveHost(tt.host, tt.docker); got != tt.want {
			t.Errorf("resolveHost(%q, %v) = %q, want %q", tt.host, tt.docker, got, tt.want)
		}
	}
}

func TestResolveHostForDocker_RemoteHostUnchanged(t *testing.T) {
	if got := ResolveHostForDocker("10.0.0.5"); got != "10.0.0.5" {
		t.Errorf("ResolveHostForDocker changed a remote host to %q", got)
	}
}
