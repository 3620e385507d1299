// Package di assembles repositories, services, infrastructure and the HTTP router from
// configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/crystal-atelier/api/internal/handlers"
	"github.com/crystal-atelier/api/internal/notifications"
	"github.com/crystal-atelier/api/internal/platform/auth"
	"github.com/crystal-atelier/api/internal/platform/config"
	pfirestore "github.com/crystal-atelier/api/internal/platform/firestore"
	"github.com/crystal-atelier/api/internal/platform/i18n"
	"github.com/crystal-atelier/api/internal/platform/idempotency"
	"github.com/crystal-atelier/api/internal/platform/jobs"
	"github.com/crystal-atelier/api/internal/platform/observability"
	"github.com/crystal-atelier/api/internal/platform/storage"
	"github.com/crystal-atelier/api/internal/repositories"
	firestoreRepo "github.com/crystal-atelier/api/internal/repositories/firestore"
	"github.com/crystal-atelier/api/internal/repositories/memory"
	"github.com/crystal-atelier/api/internal/services"
)

const (
	identityIntegration = "identity"
	lookupLimit         = 30
	lookupWindow        = time.Minute
	firebaseTimeout     = 5 * time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders        services.OrderService
	Customers     services.CustomerResolver
	Inventory     services.InventoryLedger
	Notifications services.NotificationDispatcher
	System        services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Router       http.Handler

	logger    *zap.Logger
	closers   []func(context.Context) error
	stopSweep context.CancelFunc
	sweepWG   sync.WaitGroup
}

// Option customises NewContainer.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	meter         metric.Meter
	build         services.BuildInfo
	registry      repositories.Registry
	channel       services.NotificationChannel
	tokenVerifier auth.TokenVerifier
	clock         func() time.Time
}

// WithLogger sets the base logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter records order metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithBuildInfo sets the version metadata reported by the health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

// WithRegistry supplies a repository registry instead of building one from the persistence driver.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithNotificationChannel overrides the delivery channel.
func WithNotificationChannel(channel services.NotificationChannel) Option {
	return func(o *options) { o.channel = channel }
}

// WithTokenVerifier overrides the Firebase ID token verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) { o.tokenVerifier = verifier }
}

// WithClock overrides the clock used by services.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. On error, everything built so far is closed.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	var provider *pfirestore.Provider
	if cfg.Persistence.Driver == config.DriverFirestore && o.registry == nil {
		provider = pfirestore.NewProvider(cfg.Firestore)
		c.closers = append(c.closers, provider.Close)
	}

	topic, err := c.openTopic(ctx, cfg)
	if err != nil {
		return nil, err
	}

	health, err := buildHealthRepository(provider, topic)
	if err != nil {
		return nil, err
	}

	reg := o.registry
	if reg == nil {
		if reg, err = buildRegistry(cfg, provider, health); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, reg.Close)
	}
	c.Repositories = reg

	images, err := buildImageSigner(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if images == nil {
		o.logger.Warn("storage signer not configured; product images are served unsigned")
	}

	channel := o.channel
	if channel == nil {
		if topic != nil {
			if channel, err = jobs.NewPubSubNotificationPublisher(topic, cfg.Notifications.PublishTimeout); err != nil {
				return nil, err
			}
		} else {
			o.logger.Warn("notifications topic not configured; notifications are only logged")
			channel = jobs.NewLogNotificationChannel(o.logger.Named("notifications"))
		}
	}

	if c.Services, err = buildServices(cfg, reg, health, channel, images, o); err != nil {
		return nil, err
	}

	idemStore, err := buildIdempotencyStore(cfg, provider)
	if err != nil {
		return nil, err
	}
	sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c.stopSweep = stop
	sweeper := idempotency.NewSweeper(idemStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, o.logger.Named("idempotency"))
	c.sweepWG.Add(1)
	go func() {
		defer c.sweepWG.Done()
		sweeper.Run(sweepCtx)
	}()

	authenticator, err := buildAuthenticator(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	c.Router = buildRouter(cfg, c.Services, authenticator, images, idempotency.Middleware(
		idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(o.logger.Named("idempotency")),
	), o)
	return c, nil
}

// Close stops background workers and releases clients in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.stopSweep != nil {
		c.stopSweep()
		c.sweepWG.Wait()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) openTopic(ctx context.Context, cfg config.Config) (*pubsub.Topic, error) {
	name := strings.TrimSpace(cfg.Notifications.Topic)
	if name == "" {
		return nil, nil
	}
	project, topicID := cfg.Firestore.ProjectID, name
	if p, id, ok := splitTopicName(name); ok {
		project, topicID = p, id
	}
	if project == "" {
		return nil, fmt.Errorf("di: notifications topic %q needs a project", name)
	}

	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("di: pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	return topic, nil
}

// splitTopicName accepts projects/<project>/topics/<topic>.
func splitTopicName(name string) (string, string, bool) {
	parts := strings.Split(name, "/")
	if len(parts) == 4 && parts[0] == "projects" && parts[2] == "topics" && parts[1] != "" && parts[3] != "" {
		return parts[1], parts[3], true
	}
	return "", "", false
}

func buildHealthRepository(provider *pfirestore.Provider, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	var checks []repositories.DependencyCheck
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "firestore", Critical: true, Check: provider.Ping})
	} else {
		checks = append(checks, repositories.DependencyCheck{Name: "memory", Critical: true, Check: func(context.Context) error { return nil }})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildRegistry(cfg config.Config, provider *pfirestore.Provider, health repositories.HealthRepository) (repositories.Registry, error) {
	if provider != nil {
		return firestoreRepo.NewRegistry(provider, firestoreRepo.WithHealthRepository(health))
	}
	seed, err := LoadProductSeed(cfg.Persistence.SeedFile)
	if err != nil {
		return nil, err
	}
	return memory.NewStore(memory.WithProducts(seed...), memory.WithHealthRepository(health)), nil
}

// buildImageSigner returns nil when no signing credentials are configured.
func buildImageSigner(cfg config.StorageConfig) (*storage.ImageURLSigner, error) {
	creds := strings.TrimSpace(cfg.SignerCredentials)
	if creds == "" {
		return nil, nil
	}
	keySigner, err := storage.NewKeySigner([]byte(creds))
	if err != nil {
		return nil, fmt.Errorf("di: storage signer: %w", err)
	}
	return storage.NewImageURLSigner(keySigner, cfg.ImagesBucket, storage.WithExpiry(cfg.SignedURLTTL))
}

func buildIdempotencyStore(cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, error) {
	if provider == nil {
		return idempotency.NewMemoryStore(), nil
	}
	return idempotency.NewFirestoreStore(provider)
}

func buildServices(cfg config.Config, reg repositories.Registry, health repositories.HealthRepository, channel services.NotificationChannel, images *storage.ImageURLSigner, o options) (Services, error) {
	var svc Services
	logEvent := observability.ServiceLogger(o.logger.Named("services"))

	var err error
	if svc.Inventory, err = services.NewInventoryLedger(services.InventoryLedgerDeps{
		Products:   reg.Products(),
		UnitOfWork: reg,
		Clock:      o.clock,
		Logger:     logEvent,
	}); err != nil {
		return svc, err
	}

	if svc.Customers, err = services.NewCustomerResolver(services.CustomerResolverDeps{
		Customers:  reg.Customers(),
		UnitOfWork: reg,
		Clock:      o.clock,
		Logger:     logEvent,
	}); err != nil {
		return svc, err
	}

	rendererOpts := notifications.Options{
		DefaultLocale: cfg.Notifications.DefaultLocale,
		Logger:        o.logger.Named("notifications"),
		Clock:         o.clock,
	}
	if images != nil {
		rendererOpts.Images = images
	}
	renderer, err := notifications.NewRenderer(rendererOpts)
	if err != nil {
		return svc, err
	}
	if svc.Notifications, err = services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Renderer:        renderer,
		Channel:         channel,
		AdminRecipients: cfg.Notifications.AdminRecipients,
		DefaultLocale:   cfg.Notifications.DefaultLocale,
		Logger:          logEvent,
	}); err != nil {
		return svc, err
	}

	if svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:       reg.Orders(),
		Counters:     reg.Counters(),
		Inventory:    svc.Inventory,
		Customers:    svc.Customers,
		UnitOfWork:   reg,
		Dispatcher:   svc.Notifications,
		Metrics:      observability.NewOrderMetrics(o.meter, o.logger.Named("metrics")),
		Currency:     cfg.Orders.Currency,
		NumberPrefix: cfg.Orders.NumberPrefix,
		Clock:        o.clock,
		Logger:       logEvent,
	}); err != nil {
		return svc, err
	}

	if svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            o.clock,
		Build:            o.build,
	}); err != nil {
		return svc, err
	}
	return svc, nil
}

func buildAuthenticator(ctx context.Context, cfg config.Config, o options) (*auth.Authenticator, error) {
	if o.tokenVerifier != nil {
		return auth.NewAuthenticator(o.tokenVerifier), nil
	}
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		o.logger.Warn("firebase not configured; signed-in routes will reject every token")
		return auth.NewAuthenticator(rejectingVerifier{}), nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, firebaseTimeout)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(verifier, auth.WithUserGetter(verifier)), nil
}

func buildRouter(cfg config.Config, svc Services, authn *auth.Authenticator, images *storage.ImageURLSigner, idem func(http.Handler) http.Handler, o options) http.Handler {
	var signer handlers.ImageURLSigner
	if images != nil {
		signer = images
	}
	httpLogger := o.logger.Named("http")
	traceProject := cfg.Firestore.ProjectID

	orderHandlers := handlers.NewOrderHandlers(authn, svc.Orders,
		handlers.WithOrderIdempotency(idem),
		handlers.WithOrderImageSigner(signer),
		handlers.WithOrderLookupLimit(lookupLimit, lookupWindow, o.clock),
	)
	meHandlers := handlers.NewMeHandlers(authn, svc.Orders, svc.Customers, signer)
	adminHandlers := handlers.NewAdminOrderHandlers(authn, svc.Orders, signer)
	internalHandlers := handlers.NewInternalOrderHandlers(svc.Orders, signer)
	webhookHandlers := handlers.NewIdentityWebhookHandlers(svc.Customers)

	oidc := auth.NewOIDCValidator(
		auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(o.logger.Named("auth"))),
		o.logger.Named("auth"),
	)
	hmacSecrets := make(map[string]string, len(cfg.Security.HMAC.Secrets))
	for name, secret := range cfg.Security.HMAC.Secrets {
		hmacSecrets[name] = secret
	}
	hmac := auth.NewHMACValidator(hmacSecrets, auth.NewInMemoryNonceStore(), auth.HMACSettings{
		SignatureHeader: cfg.Security.HMAC.SignatureHeader,
		TimestampHeader: cfg.Security.HMAC.TimestampHeader,
		NonceHeader:     cfg.Security.HMAC.NonceHeader,
		ClockSkew:       cfg.Security.HMAC.ClockSkew,
		NonceTTL:        cfg.Security.HMAC.NonceTTL,
	}, o.logger.Named("auth"))

	health := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(o.build),
		handlers.WithHealthSystemService(svc.System),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(traceProject),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			i18n.Middleware(i18n.NewMatcher(cfg.Notifications.DefaultLocale, i18n.Supported...)),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalMiddlewares(oidc.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithWebhookMiddlewares(hmac.RequireHMAC(identityIntegration)),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)
}
