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

	pconfig "github.com/hanko-field/cartengine/internal/platform/config"
	pfirestore "github.com/hanko-field/cartengine/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type productFixture struct {
	Active    bool   `firestore:"active"`
	BasePrice string `firestore:"basePrice"`
}

type componentFixture struct {
	PriceModifier string `firestore:"priceModifier"`
}

func TestCatalogCollectionsAgainstEmulator(t *testing.T) {
	endpoint := startEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "cart-test", EmulatorHost: endpoint})
	if !provider.Emulated() {
		t.Fatalf("expected provider to target the emulator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("dial emulator: %v", err)
	}
	seed := map[string]any{
		"products/p-1":                    productFixture{Active: true, BasePrice: "1200"},
		"products/p-2":                    productFixture{Active: false, BasePrice: "800"},
		"products/p-1/components/rim":     componentFixture{PriceModifier: "150.5"},
		"products/p-1/components/engrave": componentFixture{PriceModifier: "300"},
	}
	for path, data := range seed {
		if _, err := client.Doc(path).Set(ctx, data); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}

	products := pfirestore.NewCollection[productFixture](provider, "/products/")
	if products.Path() != "products" {
		t.Fatalf("expected normalised path, got %q", products.Path())
	}
	if err := products.Ping(ctx); err != nil {
		t.Fatalf("ping products: %v", err)
	}
	if err := pfirestore.NewCollection[productFixture](provider, "never-written").Ping(ctx); err != nil {
		t.Fatalf("ping on empty collection: %v", err)
	}

	p1, err := products.Get(ctx, "p-1")
	if err != nil {
		t.Fatalf("get p-1: %v", err)
	}
	if !p1.Active || p1.BasePrice != "1200" {
		t.Fatalf("unexpected product %#v", p1)
	}

	_, err = products.Get(ctx, "absent")
	var notFound interface{ IsNotFound() bool }
	if !errors.As(err, &notFound) || !notFound.IsNotFound() {
		t.Fatalf("expected not-found classification, got %v", err)
	}

	components := pfirestore.NewCollection[componentFixture](provider, "products/p-1/components")
	found, err := components.GetMany(ctx, []string{"rim", "missing", "engrave", "rim"})
	if err != nil {
		t.Fatalf("get many components: %v", err)
	}
	if len(found) != 2 || found["rim"].PriceModifier != "150.5" || found["engrave"].PriceModifier != "300" {
		t.Fatalf("unexpected components %#v", found)
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := products.Get(canceled, "p-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := products.Get(ctx, "p-1"); !errors.Is(err, pfirestore.ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed after close, got %v", err)
	}
}

// startEmulator runs the Firestore emulator in docker and returns its host:port. The test is skipped
// when docker is unavailable.
func startEmulator(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker daemon not running")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start emulator: %v: %s", err, out)
	}
	container := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", container).Run()
	})

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	for deadline := time.Now().Add(30 * time.Second); time.Now().Before(deadline); time.Sleep(250 * time.Millisecond) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return endpoint
		}
	}
	t.Fatalf("emulator at %s never accepted connections", endpoint)
	return ""
}
