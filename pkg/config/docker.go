package config

import (
	"os"
	"sync"
)

var (
	dockerOnce   sync.Once
	inDocker     bool
	dockerMarker = "/.dockerenv"
)

// IsRunningInDocker reports whether the process runs inside a Docker
// container, detected by the /.dockerenv marker. The result is cached.
func IsRunningInDocker() bool {
	dockerOnce.Do(func() {
		_, err := os.Stat(dockerMarker)
		inDocker = err == nil
	})
	return inDocker
}

// ResolveHostForDocker maps a loopback statistics host to
// host.docker.internal when running in Docker, so a containerized worker
// can read pg_stats from a database on the host. Other hosts are unchanged.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, docker bool) string {
	if docker && (host == "localhost" || host == "127.0.0.1") {
		return "host.docker.internal"
	}
	return host
}
