package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/config"
	"gatehouse.dev/internal/httpapi"
	"gatehouse.dev/internal/jobs"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/store/pg"
	"gatehouse.dev/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("gatehouse stopped")
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	log := obs.Logger()
	ready := httpapi.ReadyProbe{Deps: map[string]httpapi.Pinger{}}

	var store auth.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		ready.Deps["postgres"] = pgStore
	} else {
		log.Warn("GATEHOUSE_DATABASE_URL not set; using in-memory store")
		store = auth.NewMemoryStore()
	}

	var revocations auth.RevocationStore = auth.NewMemoryRevocations()
	if cfg.RedisURL != "" {
		redisRevocations, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisRevocations.Close()
		revocations = redisRevocations
		ready.Deps["redis"] = redisRevocations
	}
	cached := auth.NewCachedRevocations(revocations, cfg.RevocationCacheSize, cfg.TokenTTL)

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	report, err := auth.Bootstrap(ctx, store, catalog, auth.AdminSeed{
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		FullName: cfg.AdminName,
		Role:     cfg.AdminRole,
	})
	if err != nil {
		return err
	}
	log.WithField("roles_created", report.RolesCreated).
		WithField("admin_created", report.AdminCreated).
		Info("bootstrap_complete")

	tokens, err := auth.NewTokenManager(store, cfg.TokenSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithTokenTTL(cfg.TokenTTL),
		auth.WithRevocations(cached),
		auth.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}
	var gatewayOpts []auth.GatewayOption
	if cfg.LiveUserCheck {
		gatewayOpts = append(gatewayOpts, auth.WithLiveUserCheck(store))
	}
	gateway := auth.NewGateway(tokens, gatewayOpts...)

	invitations, err := auth.NewInvitationEngine(store,
		auth.WithInvitationTTL(cfg.InvitationTTL),
		auth.WithInvitationTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(store, cfg.StoreTimeout)
	if err != nil {
		return err
	}

	scheduler := jobs.NewScheduler(cfg.StoreTimeout)
	if err := scheduler.Add("invitation_sweep", cfg.SweepSchedule, jobs.InvitationSweep(invitations)); err != nil {
		return err
	}
	if err := scheduler.Add("revocation_prune", cfg.SweepSchedule, jobs.RevocationPrune(cached, nil)); err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Version:        version,
		Gateway:        gateway,
		Tokens:         tokens,
		Invitations:    invitations,
		RBAC:           rbac,
		Ready:          ready,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateBurst:      cfg.RateLimitBurst,
		RatePerSecond:  cfg.RateLimitPerSecond,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("http_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return scheduler.Run(ctx) })

	if cfg.GRPCAddr != "" {
		grpcAPI := httpapi.NewGRPCServer(ready, gateway)
		grpcSrv := grpc.NewServer(grpcAPI.ServerOptions()...)
		grpcAPI.Register(ctx, grpcSrv)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.WithField("addr", cfg.GRPCAddr).Info("grpc_listening")
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			grpcAPI.Watch(ctx, 10*time.Second)
			grpcSrv.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}

func loadCatalog(path string) (auth.Catalog, error) {
	if path == "" {
		return auth.DefaultCatalog()
	}
	return auth.LoadCatalog(path)
}
