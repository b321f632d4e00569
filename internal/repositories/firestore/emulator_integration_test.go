//go:build integration

package firestore

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/printcraft/api/internal/platform/config"
	pfirestore "github.com/printcraft/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// newEmulatorProvider binds a provider to FIRESTORE_EMULATOR_HOST. Without it
// a disposable emulator container is started with docker and torn down on cleanup.
func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if host == "" {
		host = runEmulatorContainer(t)
	}
	awaitEmulator(t, host, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: host})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

// runEmulatorContainer publishes the emulator on an ephemeral host port and
// returns host:port as reported by docker.
func runEmulatorContainer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("FIRESTORE_EMULATOR_HOST unset and docker not installed: %v", err)
	}

	id := dockerOutput(t, "run", "-d", "--rm", "-p", "127.0.0.1::8080", emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "rm", "-f", id).Run()
	})

	// "docker port" may print one line per address family.
	mapping := dockerOutput(t, "port", id, "8080/tcp")
	host, _, _ := strings.Cut(mapping, "\n")
	return strings.TrimSpace(host)
}

func dockerOutput(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		t.Skipf("docker %s failed: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		t.Fatalf("docker %s returned no output", args[0])
	}
	return value
}

// awaitEmulator polls the emulator root, which answers "Ok" once it serves requests.
func awaitEmulator(t *testing.T, host string, timeout time.Duration) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + host + "/")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s not ready after %s", host, timeout)
}
