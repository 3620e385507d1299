//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/crystal-atelier/api/internal/platform/config"
	pfirestore "github.com/crystal-atelier/api/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type gemDoc struct {
	Name  string `firestore:"name"`
	Stock int    `firestore:"stock"`
}

func TestRunInTxIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "tx-test", EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := pfirestore.NewBaseRepository[gemDoc](provider, "gems", nil, nil)
	if err := repo.Create(ctx, "amethyst", gemDoc{Name: "Amethyst", Stock: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, "amethyst", gemDoc{Name: "Amethyst", Stock: 3}); err == nil {
		t.Fatalf("expected conflict on duplicate create")
	} else {
		var repoErr *pfirestore.Error
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict classification, got %v", err)
		}
	}

	err := provider.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := repo.Get(ctx, "amethyst")
		if err != nil {
			return err
		}
		doc.Data.Stock--
		if err := repo.Set(ctx, "amethyst", doc.Data); err != nil {
			return err
		}
		staged, err := repo.Get(ctx, "amethyst")
		if err != nil {
			return err
		}
		if staged.Data.Stock != 2 {
			return fmt.Errorf("expected staged stock 2, got %d", staged.Data.Stock)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run in tx: %v", err)
	}

	boom := errors.New("boom")
	err = provider.RunInTx(ctx, func(ctx context.Context) error {
		if err := repo.Set(ctx, "amethyst", gemDoc{Name: "Amethyst", Stock: 0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to pass through, got %v", err)
	}

	doc, err := repo.Get(ctx, "amethyst")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data.Stock != 2 {
		t.Fatalf("expected rolled back stock 2, got %d", doc.Data.Stock)
	}

	if _, err := repo.Get(ctx, "missing"); err == nil {
		t.Fatalf("expected not found error")
	} else {
		var repoErr *pfirestore.Error
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
