package di

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/platform/config"
	"github.com/crystal-atelier/api/internal/services"
)

const testSeed = `
products:
  - id: amethyst-cluster
    name: {en: Amethyst Cluster, ar: عنقود الجمشت}
    category: clusters
    price: "450.00"
    stock: 3
    image: gs://crystal-images/amethyst.jpg
  - id: retired-quartz
    name: {en: Retired Quartz}
    price: "10"
    stock: 1
    inactive: true
`

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(testSeed), 0o600))
	return config.Config{
		Persistence:   config.PersistenceConfig{Driver: config.DriverMemory, SeedFile: seed},
		Notifications: config.NotificationConfig{DefaultLocale: "en", AdminRecipients: []string{"admin@crystal.example"}},
		Orders:        config.OrderConfig{Currency: "EGP", NumberPrefix: "CR"},
		Idempotency:   config.IdempotencyConfig{Header: "Idempotency-Key", TTL: time.Hour, CleanupInterval: time.Hour, CleanupBatchSize: 50},
	}
}

type recordingChannel struct {
	kinds []domain.NotificationKind
}

func (c *recordingChannel) Deliver(_ context.Context, n services.Notification) error {
	c.kinds = append(c.kinds, n.Kind)
	return nil
}

func TestNewContainerMemoryDriverServesOrders(t *testing.T) {
	ctx := context.Background()
	channel := &recordingChannel{}
	c, err := NewContainer(ctx, memoryConfig(t),
		WithLogger(zaptest.NewLogger(t)),
		WithNotificationChannel(channel),
		WithBuildInfo(services.BuildInfo{Version: "1.2.3", CommitSHA: "abc", Environment: "test"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close(context.Background())) })

	srv := httptest.NewServer(c.Router)
	t.Cleanup(srv.Close)

	body := `{"items":[{"productId":"amethyst-cluster","quantity":2}],` +
		`"contact":{"fullName":"Mona Ali","email":" Mona@Example.com ","phone":"+201000000000","address":"12 Nile St","city":"Cairo"},` +
		`"paymentMethod":"card","card":{"number":"4111 1111 1111 1234","expiry":"12/29"}}`
	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/orders", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "checkout-1")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	first := post()
	defer first.Body.Close()
	require.Equal(t, http.StatusCreated, first.StatusCode)
	var order map[string]any
	require.NoError(t, json.NewDecoder(first.Body).Decode(&order))
	assert.Equal(t, "pending", order["status"])
	assert.Equal(t, "900.00", order["total"])
	payment, _ := order["payment"].(map[string]any)
	assert.Equal(t, "****-****-****-1234", payment["maskedNumber"])

	replayed := post()
	defer replayed.Body.Close()
	assert.Equal(t, http.StatusCreated, replayed.StatusCode)
	assert.Equal(t, "true", replayed.Header.Get("Idempotent-Replayed"))

	product, err := c.Repositories.Products().FindByID(ctx, "amethyst-cluster")
	require.NoError(t, err)
	assert.Equal(t, 1, product.Stock, "replay must not debit stock twice")
	assert.Equal(t, 2, product.Sales)

	assert.ElementsMatch(t, []domain.NotificationKind{domain.NotificationOrderConfirmation, domain.NotificationAdminNewOrder}, channel.kinds)
}

func TestNewContainerHealthEndpoints(t *testing.T) {
	c, err := NewContainer(context.Background(), memoryConfig(t),
		WithBuildInfo(services.BuildInfo{Version: "1.2.3"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		c.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"], path)
	}

	rr := httptest.NewRecorder()
	c.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var ready struct {
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ready))
	require.Contains(t, ready.Checks, "memory")
	assert.Equal(t, "ok", ready.Checks["memory"].Status)
	assert.NotContains(t, ready.Checks, "firestore")
}

func TestBuildHealthRepositoryMemoryDriver(t *testing.T) {
	repo, err := buildHealthRepository(nil, nil)
	require.NoError(t, err)

	report, err := repo.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusOK, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, domain.HealthStatusOK, report.Checks["memory"].Status)
	assert.NotContains(t, report.Checks, "pubsub")
}

func TestNewContainerRejectsTokensWithoutFirebase(t *testing.T) {
	c, err := NewContainer(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/orders", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rr := httptest.NewRecorder()
	c.Router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestNewContainerFailsOnBadSeed(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Persistence.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewContainer(context.Background(), cfg)
	require.Error(t, err)
}

func TestParseProductSeed(t *testing.T) {
	products, err := parseProductSeed([]byte(testSeed))
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Amethyst Cluster", products[0].Name.EN)
	assert.Equal(t, "عنقود الجمشت", products[0].Name.AR)
	assert.Equal(t, "450", products[0].Price.String())
	assert.True(t, products[0].Active)
	assert.False(t, products[1].Active)

	_, err = parseProductSeed([]byte("products:\n  - id: a\n    price: \"1\"\n  - id: a\n    price: \"2\"\n"))
	assert.ErrorContains(t, err, "duplicate id")

	_, err = parseProductSeed([]byte("products:\n  - id: a\n    price: cheap\n"))
	assert.ErrorContains(t, err, "price")

	products, err = LoadProductSeed("")
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestSplitTopicName(t *testing.T) {
	project, topic, ok := splitTopicName("projects/crystal-prod/topics/order-notifications")
	assert.True(t, ok)
	assert.Equal(t, "crystal-prod", project)
	assert.Equal(t, "order-notifications", topic)

	_, _, ok = splitTopicName("order-notifications")
	assert.False(t, ok)
}
