// Package containertest starts the service behind an integration test, either
// by reading its address from the environment or by running a container.
package containertest

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// Address returns host:port of the service. If the environment variable env
// is set its value is returned unchanged. Otherwise req, which must expose a
// single port, is started as a container and the host mapping of that port is
// returned. The test is skipped when neither is available.
func Address(t *testing.T, env string, req testcontainers.ContainerRequest) string {
	t.Helper()

	if addr := os.Getenv(env); addr != "" {
		return addr
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("%s is not set and docker is not available", env)
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container %s not available: %v", req.Image, err)
	}

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("container endpoint: %v", err)
	}

	return endpoint
}
