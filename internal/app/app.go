// Package app assembles the engine from configuration and runs it.
// Package app 根据配置组装并运行整个引擎。
package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/eldorplus/pki/internal/application/authz"
	"github.com/eldorplus/pki/internal/application/enrollment"
	"github.com/eldorplus/pki/internal/application/kra"
	"github.com/eldorplus/pki/internal/application/profile"
	"github.com/eldorplus/pki/internal/application/publish"
	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/internal/infrastructure/audit"
	"github.com/eldorplus/pki/internal/infrastructure/authn"
	"github.com/eldorplus/pki/internal/infrastructure/crypto"
	"github.com/eldorplus/pki/internal/infrastructure/directory"
	"github.com/eldorplus/pki/internal/infrastructure/events"
	"github.com/eldorplus/pki/internal/infrastructure/kms"
	"github.com/eldorplus/pki/internal/infrastructure/monitoring"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/redisstore"
	"github.com/eldorplus/pki/internal/infrastructure/policy"
	"github.com/eldorplus/pki/internal/infrastructure/ratelimit"
	"github.com/eldorplus/pki/internal/infrastructure/volatile"
	httpapi "github.com/eldorplus/pki/internal/interfaces/http"
	"github.com/eldorplus/pki/internal/interfaces/http/handlers"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/logger"
)

// App is a fully wired engine.
type App struct {
	cfg *config.Config
	log logger.Logger

	Metrics *monitoring.Metrics
	Stores  *Stores
	Gate    *authz.Gate
	Queue   *queue.Queue
	KRA     *kra.KeyRequests
	CA      *enrollment.Processor
	Router  *httpapi.Router

	acl      *policy.WatchedACL
	retry    *events.PublishRetryConsumer
	closers  []func(context.Context) error
	janitors []func(context.Context) error
}

// New builds every component named by cfg. On error the components built so
// far are released.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, log: log.WithComponent("App"), Metrics: monitoring.NewMetrics()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	tracing, err := monitoring.NewTracingManager(ctx, &cfg.Tracing, log)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.onClose(tracing.Shutdown)

	health := handlers.NewHealthHandler(3*time.Second, log)

	var redisClient redis.UniversalClient
	if cfg.Store.Driver == "redis" || cfg.RateLimit.Enabled || cfg.Auth.TokenDenylist {
		// The rate limiter degrades to local buckets; the other users cannot.
		if redisClient, err = openRedis(ctx, cfg, log); err != nil && (cfg.Store.Driver == "redis" || cfg.Auth.TokenDenylist) {
			return nil, err
		}
		if redisClient != nil {
			client := redisClient
			a.onClose(func(context.Context) error { return client.Close() })
			health.Add("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		}
	}

	if a.Stores, err = OpenStores(ctx, cfg, redisClient, log); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Stores.Close() })
	if a.Stores.Ping != nil {
		health.Add("store", a.Stores.Ping)
	}

	sink, err := a.auditSink(cfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { sink.Close(); return nil })

	acl, err := a.accessControl(cfg)
	if err != nil {
		return nil, err
	}

	var ldapPool *directory.Pool
	if cfg.LDAP.URL != "" {
		ldapPool = directory.NewPoolFromConfig(&cfg.LDAP, log)
		a.onClose(func(context.Context) error { ldapPool.Close(); return nil })
		health.Add("directory", func(ctx context.Context) error {
			return publish.WithConn(ctx, ldapPool, func(service.DirectoryConn) error { return nil })
		})
	}

	managers, err := a.authenticators(ctx, cfg, ldapPool, redisClient)
	if err != nil {
		return nil, err
	}
	a.Gate = authz.NewGate(acl, sink, a.Metrics, log, managers...)

	provider, err := a.cryptoProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	issuer, err := loadIssuer(cfg)
	if err != nil {
		return nil, err
	}
	profiles, err := loadProfiles(cfg, &profile.Env{Issuer: issuer, Log: log})
	if err != nil {
		return nil, err
	}

	bus := queue.NewEventBus()
	approvals := queue.NewAgentApprovalPolicy(map[constants.RequestType]int{
		constants.RequestTypeSecurityDataRecovery: cfg.KRA.RequiredRecoveryAgents,
	})
	qopts := []queue.Option{
		queue.WithPolicy(queue.Chain(enrollment.NewProfilePolicy(profiles), approvals)),
		queue.WithEventBus(bus),
		queue.WithMetrics(a.Metrics),
		queue.WithServiceTimeout(cfg.Timeouts.Service),
	}
	var retryQueue service.PublishRetryQueue
	if cfg.Kafka.Enabled() {
		producer := events.NewProducer(events.NewWriter(cfg.Kafka, cfg.Kafka.RequestEventsTopic))
		a.onClose(func(context.Context) error { return producer.Close() })
		qopts = append(qopts, queue.WithEventPublisher(producer))

		retryProducer := events.NewRetryProducer(events.NewWriter(cfg.Kafka, cfg.Kafka.PublishRetryTopic))
		a.onClose(func(context.Context) error { return retryProducer.Close() })
		retryQueue = retryProducer
	}
	a.Queue = queue.New(a.Stores.Requests, sink, log, qopts...)

	table := volatile.NewRecoveryTable(cfg.Recovery.TTL)
	certs := a.Stores.Certificates
	keys := a.Stores.Keys
	a.Queue.RegisterService(constants.RequestTypeSecurityDataEnrollment,
		kra.NewArchivalService(provider, keys, nil, cfg.KRA.AllowEncDecryptArchival, sink, log))
	a.Queue.RegisterService(constants.RequestTypeSecurityDataRecovery, kra.NewRecoveryService(provider, keys, table, sink, log))
	a.Queue.RegisterService(constants.RequestTypeSymKeyGeneration, kra.NewSymKeyGenService(provider, keys, sink, log))
	a.Queue.RegisterService(constants.RequestTypeAsymKeyGeneration, kra.NewAsymKeyGenService(provider, keys, sink, log))
	a.Queue.RegisterService(constants.RequestTypeNetkeyKeygen,
		kra.NewNetkeyService(provider, keys, a.Queue, cfg.Crypto.KeygenToken, sink, log))
	a.Queue.RegisterService(constants.RequestTypeEnrollment, enrollment.NewIssuanceService(issuer, certs, sink, log))
	a.Queue.RegisterService(constants.RequestTypeRenewal, enrollment.NewIssuanceService(issuer, certs, sink, log))
	a.Queue.RegisterService(constants.RequestTypeRevocation, enrollment.NewRevocationService(certs, sink, log))
	a.Queue.RegisterService(constants.RequestTypeUnrevocation, enrollment.NewUnrevocationService(certs, sink, log))

	if cfg.Publish.Enabled && ldapPool != nil {
		module, err := newPublishModule(cfg, ldapPool, certs, sink, a.Metrics, retryQueue, log)
		if err != nil {
			return nil, err
		}
		module.Subscribe(bus)
		if cfg.Kafka.Enabled() {
			reader := events.NewRetryReader(cfg.Kafka)
			a.retry = events.NewPublishRetryConsumer(reader, publish.NewRepublisher(module, a.Queue, log), log)
			a.onClose(func(context.Context) error { return a.retry.Close() })
		}
	}

	limits := kra.DefaultLimits()
	limits.RSAMinSize, limits.RSAMaxSize = cfg.KRA.RSAMinSize, cfg.KRA.RSAMaxSize
	if limits.DSASizes, err = cfg.KRA.ParseDSASizes(); err != nil {
		return nil, err
	}
	a.KRA = kra.NewKeyRequests(a.Gate, a.Queue, keys, table, sink, limits, cfg.KRA.EphemeralRealms, log)
	a.CA = enrollment.NewProcessor(a.Gate, a.Queue, profiles, certs, sink, log)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rl, err := ratelimit.NewRedisLimiter(redisClient, &cfg.RateLimit, log)
		if err != nil {
			return nil, err
		}
		a.janitors = append(a.janitors, func(ctx context.Context) error {
			return every(ctx, cfg.RateLimit.Window, func() { rl.CleanupLocal(2 * cfg.RateLimit.Window) })
		})
		limiter = rl
	}

	a.Router = httpapi.NewRouter(cfg, httpapi.Deps{
		Gate:    a.Gate,
		KRA:     handlers.NewKRAHandler(a.KRA, log),
		CA:      handlers.NewCAHandler(a.CA, log),
		Health:  health,
		Metrics: a.Metrics,
		Limiter: limiter,
	}, log)
	return a, nil
}

// Run serves HTTP and the background workers until ctx is canceled, then
// drains the server.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Router.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Router.Stop(shutdownCtx)
	})
	if a.acl != nil {
		g.Go(func() error { return a.acl.Run(gctx) })
	}
	if a.retry != nil {
		g.Go(func() error { return a.retry.Run(gctx) })
	}
	for _, j := range a.janitors {
		g.Go(func() error { return j(gctx) })
	}
	return g.Wait()
}

// Close releases every component in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn(ctx, "close failed", logger.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}

func (a *App) onClose(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

func every(ctx context.Context, d time.Duration, fn func()) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

// ================================================================================
// Component builders
// ================================================================================

func openRedis(ctx context.Context, cfg *config.Config, log logger.Logger) (redis.UniversalClient, error) {
	client, err := redisstore.NewClient(ctx, &cfg.Redis, log)
	if err != nil {
		log.Warn(ctx, "redis unavailable", logger.Err(err))
		return nil, err
	}
	return client, nil
}

func (a *App) auditSink(cfg *config.Config) (*audit.AsyncSink, error) {
	var backends []audit.Backend
	for _, name := range cfg.Audit.Backends {
		switch name {
		case "log":
			backends = append(backends, audit.NewLogBackend(a.log))
		case "gorm":
			if a.Stores.DB == nil {
				return nil, fmt.Errorf("audit backend gorm needs a sql store driver, have %q", cfg.Store.Driver)
			}
			backend := audit.NewGormBackend(a.Stores.DB)
			if err := backend.Migrate(context.Background()); err != nil {
				return nil, fmt.Errorf("migrate audit table: %w", err)
			}
			backends = append(backends, backend)
		case "kafka":
			if !cfg.Kafka.Enabled() {
				return nil, fmt.Errorf("audit backend kafka needs kafka.brokers")
			}
			backend := audit.NewKafkaBackend(audit.NewKafkaWriter(cfg.Kafka))
			backends = append(backends, backend)
		default:
			return nil, fmt.Errorf("unknown audit backend %q", name)
		}
	}
	opts := []audit.SinkOption{audit.WithMetrics(a.Metrics)}
	if cfg.Audit.HMACKey != "" {
		opts = append(opts, audit.WithSigner(audit.NewSigner(cfg.Audit.HMACKey)))
	}
	return audit.NewAsyncSink(cfg.Audit.BufferSize, a.log, backends, opts...), nil
}

func (a *App) accessControl(cfg *config.Config) (service.AccessControl, error) {
	if cfg.Authz.ACLPath == "" {
		a.log.Warn(context.Background(), "no acl file configured, using the built-in ACL")
		return policy.DefaultACL(), nil
	}
	acl, err := policy.NewWatchedACL(cfg.Authz.ACLPath, a.log)
	if err != nil {
		return nil, err
	}
	a.acl = acl
	return acl, nil
}

func (a *App) authenticators(ctx context.Context, cfg *config.Config, pool *directory.Pool, rdb redis.UniversalClient) ([]service.Authenticator, error) {
	var jwtOpts []authn.JWTOption
	if cfg.Auth.JWTSecret != "" {
		jwtOpts = append(jwtOpts, authn.WithSecret([]byte(cfg.Auth.JWTSecret)))
	}
	if cfg.Auth.VaultKeyPath != "" {
		client, err := kms.NewVaultClient(&cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("vault client: %w", err)
		}
		keys := authn.NewVaultKeySource(client.KVv2(cfg.Vault.KVMount), cfg.Auth.VaultKeyPath, cfg.Auth.KeyCacheTTL, a.log)
		jwtOpts = append(jwtOpts, authn.WithKeySource(keys))
	}
	if cfg.Auth.JWTIssuer != "" {
		jwtOpts = append(jwtOpts, authn.WithIssuer(cfg.Auth.JWTIssuer))
	}
	if cfg.Auth.JWTAudience != "" {
		jwtOpts = append(jwtOpts, authn.WithAudience(cfg.Auth.JWTAudience))
	}
	if cfg.Auth.TokenDenylist && rdb != nil {
		jwtOpts = append(jwtOpts, authn.WithDenylist(redisstore.NewTokenDenylist(rdb, cfg.Redis.KeyPrefix)))
	}

	var managers []service.Authenticator
	if cfg.Auth.JWTSecret != "" || cfg.Auth.VaultKeyPath != "" {
		managers = append(managers, authn.NewJWTAuthenticator(a.log, jwtOpts...))
	} else {
		a.log.Warn(ctx, "no agent token keys configured, bearer authentication disabled")
	}
	if pool != nil {
		managers = append(managers, authn.NewDirPasswordAuthenticator(pool, pool, cfg.LDAP.UserDNPattern, a.log))
	}
	return managers, nil
}

func (a *App) cryptoProvider(ctx context.Context, cfg *config.Config) (*crypto.SoftwareProvider, error) {
	var (
		transport *crypto.RSATransportUnit
		err       error
	)
	if cfg.Crypto.TransportKey != "" {
		pemBytes, rerr := os.ReadFile(cfg.Crypto.TransportKey)
		if rerr != nil {
			return nil, fmt.Errorf("read transport key: %w", rerr)
		}
		transport, err = crypto.LoadTransportUnit(pemBytes, cfg.KRA.UseOAEPKeyWrap)
	} else {
		a.log.Warn(ctx, "no transport key configured, generating an ephemeral one")
		transport, err = crypto.GenerateTransportUnit(2048, cfg.KRA.UseOAEPKeyWrap)
	}
	if err != nil {
		return nil, err
	}

	var storage service.StorageUnit
	switch cfg.Crypto.StorageUnit {
	case "", "software":
		if cfg.Crypto.StorageKEK == "" {
			a.log.Warn(ctx, "no storage KEK configured, archived keys will not survive a restart")
			storage, err = crypto.GenerateStorageUnit("software")
			break
		}
		kek, derr := base64.StdEncoding.DecodeString(cfg.Crypto.StorageKEK)
		if derr != nil {
			return nil, fmt.Errorf("crypto.storage_kek: %w", derr)
		}
		storage, err = crypto.NewSoftwareStorageUnit("software", kek)
	case "vault":
		client, verr := kms.NewVaultClient(&cfg.Vault)
		if verr != nil {
			return nil, fmt.Errorf("vault client: %w", verr)
		}
		storage = kms.NewVaultTransitUnit("vault-transit", client.Logical(), cfg.Vault.TransitMount, cfg.Vault.TransitKey, a.log)
	case "gcpkms":
		client, gerr := kms.NewGCPClient(ctx, &cfg.GCPKMS)
		if gerr != nil {
			return nil, fmt.Errorf("gcp kms client: %w", gerr)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		storage = kms.NewGCPKMSUnit("gcp-kms", client, cfg.GCPKMS.KeyName, a.log)
	default:
		return nil, fmt.Errorf("unknown storage unit %q", cfg.Crypto.StorageUnit)
	}
	if err != nil {
		return nil, err
	}

	opts := []crypto.ProviderOption{crypto.WithProviderMetrics(a.Metrics)}
	if tok := cfg.Crypto.KeygenToken; tok != "" && tok != crypto.InternalToken {
		opts = append(opts, crypto.WithKeygenTokens(tok))
	}
	return crypto.NewSoftwareProvider(transport, storage, opts...), nil
}

func loadIssuer(cfg *config.Config) (*crypto.X509Issuer, error) {
	if cfg.Crypto.CACert == "" {
		return crypto.NewSelfSignedIssuer(cfg.Crypto.CASubject, 10*365*24*time.Hour)
	}
	certPEM, err := os.ReadFile(cfg.Crypto.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.Crypto.CAKey)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	return crypto.LoadX509Issuer(certPEM, keyPEM)
}

func loadProfiles(cfg *config.Config, env *profile.Env) (*profile.Registry, error) {
	if cfg.Profiles.Path != "" {
		return profile.Load(cfg.Profiles.Path, env)
	}
	reg := profile.NewRegistry(env)
	for _, spec := range profile.BuiltinProfiles() {
		if err := reg.Add(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newPublishModule(cfg *config.Config, pool *directory.Pool, certs repository.CertificateRepository, sink service.AuditSink,
	metrics service.Metrics, retry service.PublishRetryQueue, log logger.Logger) (*publish.Module, error) {
	opts := []publish.Option{publish.WithMetrics(metrics), publish.WithTimeout(cfg.Timeouts.Publish)}
	if retry != nil {
		opts = append(opts, publish.WithRetryQueue(retry))
	}
	module := publish.NewModule(pool, certs, sink, log, opts...)

	var mapper service.Mapper = publish.SubjectMapper{}
	if cfg.Publish.ClientDNPattern != "" {
		m, err := publish.NewDNPatternMapper(cfg.Publish.ClientDNPattern)
		if err != nil {
			return nil, err
		}
		mapper = m
	}
	module.SetPair(publish.CertTypeClient, publish.Pair{
		Mapper:    mapper,
		Publisher: publish.NewUserCertPublisher(cfg.Publish.CertAttr, cfg.Publish.DeleteCert, cfg.Publish.DisableUnpublish),
	})
	return module, nil
}
