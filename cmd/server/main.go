package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/api"
	"github.com/captchaforge/gatekeeper/pkg/challenge"
	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/config"
	"github.com/captchaforge/gatekeeper/pkg/db"
	"github.com/captchaforge/gatekeeper/pkg/leakybucket"
	"github.com/captchaforge/gatekeeper/pkg/maintenance"
	"github.com/captchaforge/gatekeeper/pkg/monitoring"
	"github.com/captchaforge/gatekeeper/pkg/policy"
	"github.com/captchaforge/gatekeeper/pkg/ratelimit"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/session/store/memory"
	"github.com/captchaforge/gatekeeper/pkg/sitecfg"
	"github.com/captchaforge/gatekeeper/pkg/siteverify"
	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/captchaforge/gatekeeper/pkg/verify"
	"golang.org/x/crypto/hkdf"
)

const (
	modeMigrate          = "migrate"
	modeRollback         = "rollback"
	modeServer           = "server"
	_readinessDrainDelay = 1 * time.Second
	_shutdownHardPeriod  = 3 * time.Second
	_shutdownPeriod      = 10 * time.Second
	_dbConnectTimeout    = 30 * time.Second
)

const (
	// public endpoints (/handshake, /challenge, /verify, /siteverify) see
	// one bucket per client IP ahead of any per-sitekey policy check, the
	// coarse outer gate; the fine per-sitekey limits live in pkg/policy.
	publicLeakyBucketCap = 20
	publicLeakInterval   = 1 * time.Second

	sessionGCInterval = 1 * time.Minute
	tokenGCInterval   = 30 * time.Second
	policyGCInterval  = 5 * time.Minute
	policyGCBatch     = 10_000

	sitekeyCacheSize  = 10_000
	sitekeyCacheTTL   = 5 * time.Minute
	sitekeyMissingTTL = 30 * time.Second

	maxChallengeTokens    = 500_000
	maxVerificationTokens = 500_000

	maxRateLimitBuckets = 1_000_000

	livezPath  = "livez"
	readyzPath = "readyz"
)

var (
	GitCommit   string
	flagMode    = flag.String("mode", "", strings.Join([]string{modeMigrate, modeServer}, " | "))
	envFileFlag = flag.String("env", "", "Path to .env file, 'stdin' or empty")
	versionFlag = flag.Bool("version", false, "Print version and exit")
	certFileFlag = flag.String("certfile", "", "certificate PEM file (e.g. cert.pem)")
	keyFileFlag  = flag.String("keyfile", "", "key PEM file (e.g. key.pem)")
	env          *common.EnvMap
)

func listenAddress(cfg common.ConfigStore) string {
	host := cfg.Get(common.HostKey).Value()
	if host == "" {
		host = "localhost"
	}

	port := cfg.Get(common.PortKey).Value()
	if port == "" {
		port = "8080"
	}
	return net.JoinHostPort(host, port)
}

func createListener(ctx context.Context, cfg common.ConfigStore) (net.Listener, error) {
	address := listenAddress(cfg)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to listen", "address", address, common.ErrAttr(err))
		return nil, err
	}

	if useTLS := (*certFileFlag != "") && (*keyFileFlag != ""); useTLS {
		cert, err := tls.LoadX509KeyPair(*certFileFlag, *keyFileFlag)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load certificates", "cert", *certFileFlag, "key", *keyFileFlag, common.ErrAttr(err))
			return nil, err
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	return listener, nil
}

// derivedKey splits the single operator-provided master signing key into a
// purpose-scoped subkey via HKDF-SHA256, the same key-separation idea
// pkg/cryptoengine applies to a handshake's own master key, just run once at
// startup instead of once per session.
func derivedKey(masterKey []byte, purpose string) ([]byte, error) {
	out := make([]byte, 32)
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("gatekeeper-master-v1:"+purpose))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func newIPAddrBuckets(cfg common.ConfigStore) *ratelimit.IPAddrBuckets {
	rate := cfg.Get(common.RateLimitRateKey)
	burst := cfg.Get(common.RateLimitBurstKey)

	return ratelimit.NewIPAddrBuckets(maxRateLimitBuckets,
		leakybucket.Cap(burst.Value(), publicLeakyBucketCap),
		leakybucket.Interval(rate.Value(), publicLeakInterval))
}

func updateIPBuckets(cfg common.ConfigStore, rateLimiter ratelimit.HTTPRateLimiter) {
	rate := cfg.Get(common.RateLimitRateKey)
	burst := cfg.Get(common.RateLimitBurstKey)
	rateLimiter.UpdateLimits(
		leakybucket.Cap(burst.Value(), publicLeakyBucketCap),
		leakybucket.Interval(rate.Value(), publicLeakInterval))
}

func run(ctx context.Context, cfg common.ConfigStore, stderr io.Writer, listener net.Listener) error {
	stage := cfg.Get(common.StageKey).Value()
	verbose := config.AsBool(cfg.Get(common.VerboseKey))
	logLevel := common.SetupLogs(stage, verbose)

	pool, dberr := db.Connect(ctx, cfg, _dbConnectTimeout, false /*admin*/)
	if dberr != nil {
		return dberr
	}
	defer pool.Close()

	sitekeys, err := db.NewSitekeyStore(pool, sitekeyCacheSize, sitekeyCacheTTL, sitekeyMissingTTL)
	if err != nil {
		return err
	}
	locks := db.NewLockStore(pool)

	masterKey := []byte(cfg.Get(common.MasterSigningKeyKey).Value())
	tokenKey, err := derivedKey(masterKey, "token")
	if err != nil {
		return err
	}
	powKey, err := derivedKey(masterKey, "pow")
	if err != nil {
		return err
	}

	sessionTTL := config.AsDuration(cfg.Get(common.SessionTTLKey), 30*time.Minute)
	challengeTTL := config.AsDuration(cfg.Get(common.ChallengeTTLKey), 2*time.Minute)
	verificationTTL := config.AsDuration(cfg.Get(common.VerificationTokenTTLKey), 5*time.Minute)

	sessionStore := memory.New()
	sessionMgr := &session.Manager{Store: sessionStore, MaxLifetime: sessionTTL}

	filter := policy.New(maxRateLimitBuckets)
	if geoDBPath := cfg.Get(common.GeoIPCountryDBPathKey).Value(); geoDBPath != "" {
		countryLookup, gerr := policy.OpenMaxMindCountryDB(geoDBPath)
		if gerr != nil {
			return gerr
		}
		defer countryLookup.Close()
		filter.Country = countryLookup
	} else {
		slog.InfoContext(ctx, "No GeoIP country database configured, skipping country checks")
	}

	factory := challenge.New(challenge.SelectRiskBased, powKey, challengeTTL)

	challengeTokens := token.NewStore[*verify.ChallengeRecord](token.KindChallenge, maxChallengeTokens)
	verificationTokens := token.NewStore[*verify.VerificationRecord](token.KindVerification, maxVerificationTokens)

	orchestrator := &verify.Orchestrator{
		Sitekeys:        sitekeys,
		Filter:          filter,
		Factory:         factory,
		Challenges:      challengeTokens,
		Verifications:   verificationTokens,
		TokenKey:        tokenKey,
		PowKey:          powKey,
		ChallengeTTL:    challengeTTL,
		VerificationTTL: verificationTTL,
		FingerprintSalt: []byte(cfg.Get(common.FingerprintSaltKey).Value()),
	}

	siteCfgSvc := &sitecfg.Service{
		Sitekeys: sitekeys,
		Sessions: sessionMgr,
		Now:      func() int64 { return time.Now().Unix() },
	}

	siteVerifySvc := &siteverify.Service{
		Sitekeys:      sitekeys,
		Verifications: verificationTokens,
		TokenKey:      tokenKey,
	}

	metrics := monitoring.NewService()

	healthCheck := &maintenance.HealthCheckJob{
		Store:           sitekeys,
		CheckInterval:   cfg.Get(common.HealthCheckIntervalKey),
		Metrics:         metrics,
		StrictReadiness: false,
	}

	apiURLConfig := config.AsURL(ctx, cfg.Get(common.APIBaseURLKey))

	ipRateLimiter := ratelimit.NewIPAddrRateLimiter(
		"ip", cfg.Get(common.RateLimitHeaderKey).Value(), newIPAddrBuckets(cfg))

	apiServer := &api.Server{
		Sitekeys:   sitekeys,
		Sessions:   sessionMgr,
		SiteConfig: siteCfgSvc,
		Verify:     orchestrator,
		SiteVerify: siteVerifySvc,
		Health:     healthCheck,
		Metrics:    metrics,
		TokenKey:   tokenKey,
	}
	apiServer.Init(ctx, sessionGCInterval)

	jobs := maintenance.NewJobs(locks)
	jobs.Add(&maintenance.GCJob{Store: challengeTokens, JobName: "challenge_token_gc", RunInterval: tokenGCInterval})
	jobs.Add(&maintenance.GCJob{Store: verificationTokens, JobName: "verification_token_gc", RunInterval: tokenGCInterval})
	jobs.Add(&maintenance.FuncGCJob{
		Fn:          func(ctx context.Context) { sessionStore.GC(ctx, sessionTTL) },
		JobName:     "session_store_gc",
		RunInterval: sessionGCInterval,
	})
	jobs.Add(&maintenance.FuncGCJob{
		Fn:          func(ctx context.Context) { filter.GC(ctx, policyGCBatch) },
		JobName:     "policy_filter_gc",
		RunInterval: policyGCInterval,
	})
	jobs.Add(healthCheck)

	updateConfigFunc := func(ctx context.Context) {
		cfg.Update(ctx)
		updateIPBuckets(cfg, ipRateLimiter)
		jobs.UpdateConfig(cfg)
		verboseLogs := config.AsBool(cfg.Get(common.VerboseKey))
		common.SetLogLevel(logLevel, verboseLogs)
	}
	updateConfigFunc(ctx)

	router := http.NewServeMux()
	apiServer.Setup(router, apiURLConfig.Domain(), verbose, ipRateLimiter.RateLimit)
	router.Handle("/", common.Recovered(common.HttpStatus(http.StatusNotFound)))

	ongoingCtx, stopOngoingGracefully := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1024 * 1024,
		BaseContext: func(_ net.Listener) context.Context {
			return ongoingCtx
		},
	}

	quit := make(chan struct{})
	quitFunc := func(ctx context.Context) {
		slog.DebugContext(ctx, "Server quit triggered")
		healthCheck.Shutdown(ctx)
		time.Sleep(min(_readinessDrainDelay, healthCheck.Interval()))
		close(quit)
	}

	go func(ctx context.Context) {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer func() {
			signal.Stop(signals)
			close(signals)
		}()
		for {
			sig, ok := <-signals
			if !ok {
				slog.DebugContext(ctx, "Signals channel closed")
				return
			}
			slog.DebugContext(ctx, "Received signal", "signal", sig)
			switch sig {
			case syscall.SIGHUP:
				if uerr := env.Update(); uerr != nil {
					slog.ErrorContext(ctx, "Failed to update environment", common.ErrAttr(uerr))
				}
				updateConfigFunc(ctx)
			case syscall.SIGINT, syscall.SIGTERM:
				quitFunc(ctx)
				return
			}
		}
	}(common.TraceContext(context.Background(), "signal_handler"))

	go func() {
		slog.InfoContext(ctx, "Listening", "address", listener.Addr().String(), "version", GitCommit, "stage", stage)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "Error serving", common.ErrAttr(err))
		}
	}()

	jobs.RunAll()

	var localServer *http.Server
	if localAddress := cfg.Get(common.LocalAddressKey).Value(); len(localAddress) > 0 {
		localRouter := http.NewServeMux()
		metrics.Setup(localRouter)
		jobs.Setup(localRouter, cfg)
		localRouter.Handle(http.MethodGet+" /"+livezPath, common.Recovered(http.HandlerFunc(healthCheck.LiveHandler)))
		localRouter.Handle(http.MethodGet+" /"+readyzPath, common.Recovered(http.HandlerFunc(healthCheck.ReadyHandler)))
		localServer = &http.Server{
			Addr:    localAddress,
			Handler: localRouter,
		}
		go func() {
			slog.InfoContext(ctx, "Serving local API", "address", localServer.Addr)
			if err := localServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.ErrorContext(ctx, "Error serving local API", common.ErrAttr(err))
			}
		}()
	} else {
		slog.DebugContext(ctx, "Skipping serving local API")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-quit
		slog.DebugContext(ctx, "Shutting down gracefully")
		jobs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
		defer cancel()
		httpServer.SetKeepAlivesEnabled(false)
		serr := httpServer.Shutdown(shutdownCtx)
		stopOngoingGracefully()
		if serr != nil {
			slog.ErrorContext(ctx, "Failed to shutdown gracefully", common.ErrAttr(serr))
			fmt.Fprintf(stderr, "error shutting down http server gracefully: %s\n", serr)
			time.Sleep(_shutdownHardPeriod)
		}
		if localServer != nil {
			localServer.Close()
		}
		slog.DebugContext(ctx, "Shutdown finished")
	}()

	wg.Wait()
	return nil
}

func migrate(ctx context.Context, cfg common.ConfigStore, up bool) error {
	stage := cfg.Get(common.StageKey).Value()
	verbose := config.AsBool(cfg.Get(common.VerboseKey))

	common.SetupLogs(stage, verbose)
	slog.InfoContext(ctx, "Migrating", "up", up, "version", GitCommit, "stage", stage)

	pool, dberr := db.Connect(ctx, cfg, _dbConnectTimeout, true /*admin*/)
	if dberr != nil {
		return dberr
	}
	defer pool.Close()

	return db.MigratePostgres(ctx, pool, up)
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Print(GitCommit)
		return
	}

	var err error
	env, err = common.NewEnvMap(*envFileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}

	cfg := config.NewEnvConfig(env.Get)

	switch *flagMode {
	case modeServer:
		ctx := common.TraceContext(context.Background(), "main")
		if listener, lerr := createListener(ctx, cfg); lerr == nil {
			err = run(ctx, cfg, os.Stderr, listener)
		} else {
			err = lerr
		}
	case modeMigrate:
		ctx := common.TraceContext(context.Background(), "migration")
		err = migrate(ctx, cfg, true /*up*/)
	case modeRollback:
		ctx := common.TraceContext(context.Background(), "migration")
		err = migrate(ctx, cfg, false /*up*/)
	default:
		err = fmt.Errorf("unknown mode: '%s'", *flagMode)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
