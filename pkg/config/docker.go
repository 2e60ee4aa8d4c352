package config

import (
	"os"
	"sync"
)

// dockerEnvFile exists in every Docker container.
var dockerEnvFile = "/.dockerenv"

var (
	inDockerOnce sync.Once
	inDocker     bool
)

// IsRunningInDocker reports whether the process runs inside a Docker container.
// The answer is computed once.
func IsRunningInDocker() bool {
	inDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvFile)
		inDocker = err == nil
	})
	return inDocker
}

// resolveDatabaseHost rewrites loopback database hosts to host.docker.internal
// when running in a container, so a server in Docker can reach a PostgreSQL
// instance on the host machine.
func resolveDatabaseHost(host string, dockerized bool) string {
	if !dockerized {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}
