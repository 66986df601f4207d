package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"tether/internal/authserver"
	"tether/internal/config"
	"tether/internal/credstore"
	"tether/internal/eventlog"
	"tether/internal/kvstore"
	"tether/internal/oauth"
	"tether/internal/session"
	"tether/internal/status"
	"tether/internal/tools"
	"tether/internal/transport"
	"tether/pkg/logging"
)

const serverName = "tether"

// keyFileName holds the generated credential encryption key next to the
// database when the configuration does not provide one.
const keyFileName = "tether.key"

// Services holds every component of one application run, in the order
// they are constructed.
type Services struct {
	Store    *kvstore.Store
	Creds    *credstore.Store
	Consumer *oauth.Consumer
	Clients  *authserver.ClientRegistry
	Provider *authserver.Provider
	AuthSrv  *authserver.Server
	Events   *eventlog.Log
	Registry *session.Registry
	Sessions *session.Store
	Tools    *tools.Registry
	Engine   *server.MCPServer
	HTTP     *transport.HTTPTransport
	Manager  *transport.Manager
	Status   *status.Server
	Watcher  *config.Watcher

	startedAt time.Time
}

// initializeServices builds the component graph in dependency order.
// On error the already opened store is closed; nothing else holds
// external resources before Run.
func initializeServices(ctx context.Context, opts Options, cfg config.Config) (_ *Services, err error) {
	svc := &Services{startedAt: time.Now()}

	kv, err := kvstore.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Storage.Path, err)
	}
	svc.Store = kv
	defer func() {
		if err != nil {
			_ = kv.Close()
		}
	}()

	key := cfg.Storage.EncryptionKey
	if key == "" {
		key, err = loadOrCreateKey(filepath.Dir(cfg.Storage.Path))
		if err != nil {
			return nil, fmt.Errorf("loading credential encryption key: %w", err)
		}
	}
	encryptor, err := credstore.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("building credential encryptor: %w", err)
	}
	svc.Creds = credstore.New(kv, encryptor, cfg.Upstream.RefreshBuffer.Std())

	if cfg.Auth.Enabled {
		svc.Consumer, err = oauth.NewConsumer(oauth.Config{
			ProviderID:            cfg.Upstream.ProviderID,
			ClientID:              cfg.Upstream.ClientID,
			ClientSecret:          cfg.Upstream.ClientSecret,
			RedirectURL:           cfg.CallbackURL(),
			Scopes:                cfg.Upstream.Scopes,
			UsePKCE:               cfg.Upstream.UsePKCE,
			AuthorizationEndpoint: cfg.Upstream.AuthorizationEndpoint,
			TokenEndpoint:         cfg.Upstream.TokenEndpoint,
		}, svc.Creds, kv)
		if err != nil {
			return nil, fmt.Errorf("building upstream OAuth consumer: %w", err)
		}

		svc.Clients = authserver.NewClientRegistry(kv, authserver.ClientRegistryConfig{
			RequireHTTPS:         cfg.Auth.RequireHTTPS,
			AllowedRedirectHosts: cfg.Auth.AllowedRedirectHosts,
		})
		tokens := authserver.NewTokenManager(kv, svc.Clients, authserver.TokenManagerConfig{
			CodeTTL:         cfg.Auth.AuthorizationCodeTTL.Std(),
			AccessTokenTTL:  cfg.Auth.AccessTokenTTL.Std(),
			RefreshTokenTTL: cfg.Auth.RefreshTokenTTL.Std(),
		})
		bindings := authserver.NewBindingStore(kv, cfg.Auth.AuthorizationCodeTTL.Std())
		svc.Provider = authserver.NewProvider(tokens, svc.Clients, bindings, svc.Consumer, svc.Consumer)

		rateRequests := cfg.Auth.RateLimit.RequestsPerWindow
		if !cfg.Auth.RateLimit.Enabled {
			rateRequests = -1
		}
		svc.AuthSrv = authserver.NewServer(svc.Provider, svc.Consumer, authserver.ServerConfig{
			Issuer:                 cfg.BaseURL(),
			RateLimitRequests:      rateRequests,
			RateLimitWindowSeconds: int(cfg.Auth.RateLimit.Window.Std().Seconds()),
		})
	}

	svc.Events = eventlog.New(kv)
	svc.Registry = session.NewRegistryWithLimits(cfg.Session.Timeout.Std(), cfg.Session.MaxSessions)
	svc.Sessions = session.NewStore(kv)

	svc.Tools = tools.NewRegistry()
	if err := tools.RegisterBuiltins(svc.Tools, svc.Creds, tools.BuiltinConfig{
		ProviderID:       cfg.Upstream.ProviderID,
		UserinfoEndpoint: cfg.Upstream.UserinfoEndpoint,
	}); err != nil {
		return nil, err
	}

	svc.Engine = server.NewMCPServer(serverName, opts.Version,
		server.WithToolCapabilities(true),
	)
	svc.Tools.Apply(svc.Engine)

	svc.HTTP = transport.NewHTTPTransport(transport.HTTPConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		RequestTimeout: cfg.RequestTimeout.Std(),
		EventRetention: cfg.Storage.EventRetention,
	}, svc.Registry, svc.Sessions, svc.Events)

	svc.Manager, err = transport.NewManager(transport.ManagerConfig{
		Active:       cfg.Transport,
		OAuthEnabled: cfg.Auth.Enabled,
		HasProvider:  svc.Provider != nil,
	}, svc.Registry, svc.Sessions, svc.HTTP, transport.NewStdioTransport())
	if err != nil {
		return nil, fmt.Errorf("configuring transports: %w", err)
	}
	svc.Manager.Initialize(svc.Engine)

	statusCfg := status.Config{
		Name:      serverName,
		Version:   opts.Version,
		StartedAt: svc.startedAt,
		Transport: svc.Manager,
		Tools:     svc.Tools,
		Sessions:  svc.Registry,
	}
	if svc.Clients != nil {
		statusCfg.Auth = svc.Clients
	}
	svc.Status = status.NewServer(statusCfg)

	muxCfg := transport.MuxConfig{
		MCP:       svc.HTTP.HandleMCP,
		StatusAPI: svc.Status,
	}
	if svc.AuthSrv != nil {
		muxCfg.AuthRoutes = svc.AuthSrv.Routes
		muxCfg.Middleware = transport.AuthMiddleware(svc.Provider, transport.MiddlewareConfig{
			Enabled:            cfg.Auth.Enabled,
			SkipAuthentication: cfg.Auth.SkipAuthentication,
			MinTokenLength:     cfg.Auth.MinTokenLength,
			CallbackPath:       cfg.Upstream.CallbackPath,
			TransportType:      cfg.Transport,
		})
	}
	if svc.Consumer != nil {
		muxCfg.CallbackPath = cfg.Upstream.CallbackPath
		muxCfg.Callback = oauth.NewCallbackHandler(svc.Consumer, svc.Provider)
	}
	svc.HTTP.SetHandler(transport.BuildMux(muxCfg))

	logging.Info("Bootstrap", "Components initialized (transport: %s, oauth: %t)",
		cfg.Transport, cfg.Auth.Enabled)
	return svc, nil
}

// loadOrCreateKey reads the key file next to the database, generating
// and persisting a fresh key on first boot. The file is 0600: it
// protects every stored upstream credential.
func loadOrCreateKey(dir string) (string, error) {
	path := filepath.Join(dir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading key file %s: %w", path, err)
	}

	key, err := credstore.GenerateKey()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing key file %s: %w", path, err)
	}
	logging.Info("Bootstrap", "Generated credential encryption key at %s", path)
	return key, nil
}
