// Package relay parses relay command flags and starts the room runtime.
package relay

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	entrypoint "github.com/quorumnet/relaycore/internal/platform/cmd"
	"github.com/quorumnet/relaycore/internal/relay/auth"
	"github.com/quorumnet/relaycore/internal/relay/directory"
	"github.com/quorumnet/relaycore/internal/relay/plugin"
	"github.com/quorumnet/relaycore/internal/relay/replication"
	"github.com/quorumnet/relaycore/internal/relay/storage/sqlite"
	"github.com/quorumnet/relaycore/internal/server"
	"github.com/quorumnet/relaycore/internal/transport/ws"
)

// Config holds relay command configuration.
type Config struct {
	Addr     string `env:"RELAYCORE_ADDR" envDefault:":8090"`
	GRPCAddr string `env:"RELAYCORE_GRPC_ADDR" envDefault:":8091"`
	DBPath   string `env:"RELAYCORE_DB_PATH" envDefault:"relay.db"`

	// AuthSecret signs connect tokens. Empty disables token checks and
	// trusts the userId query parameter, for development setups.
	AuthSecret string        `env:"RELAYCORE_AUTH_SECRET"`
	TokenTTL   time.Duration `env:"RELAYCORE_TOKEN_TTL" envDefault:"1h"`

	MaxEmptyRoomTTL time.Duration `env:"RELAYCORE_MAX_EMPTY_ROOM_TTL" envDefault:"5m"`
	MaxCachedEvents int           `env:"RELAYCORE_MAX_CACHED_EVENTS" envDefault:"1000"`
	MaxSlices       int           `env:"RELAYCORE_MAX_SLICES" envDefault:"100"`
	CheckUserOnJoin bool          `env:"RELAYCORE_CHECK_USER_ON_JOIN" envDefault:"true"`
	DeleteNullProps bool          `env:"RELAYCORE_DELETE_NULL_PROPS" envDefault:"true"`

	// PluginScript points at a Lua script loaded per room, empty for none.
	PluginScript string `env:"RELAYCORE_PLUGIN_SCRIPT"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The relay listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The health service listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.PluginScript, "plugin", cfg.PluginScript, "Path to a Lua room plugin script")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relay service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	logger := log.Default()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var tokens *auth.TokenService
	if cfg.AuthSecret != "" {
		tokens, err = auth.New(auth.Options{Secret: []byte(cfg.AuthSecret), TTL: cfg.TokenTTL})
		if err != nil {
			return err
		}
	} else {
		logger.Print("no auth secret configured, accepting unauthenticated connects")
	}

	pluginFactory, err := loadPluginFactory(cfg.PluginScript, logger)
	if err != nil {
		return err
	}

	projector := replication.NewLobbyProjector(store)

	dir := directory.New(directory.Options{
		MaxEmptyRoomTTL: cfg.MaxEmptyRoomTTL,
		MaxCachedEvents: cfg.MaxCachedEvents,
		MaxSlices:       cfg.MaxSlices,
		CheckUserOnJoin: cfg.CheckUserOnJoin,
		DeleteNullProps: cfg.DeleteNullProps,
		PluginFactory:   pluginFactory,
		Replicator:      projector,
		States:          store,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dir.Start(runCtx)
	go projector.Run(runCtx)

	gateway := ws.NewGateway(ws.GatewayOptions{
		Directory: dir,
		Lobby:     store,
		Tokens:    tokens,
	})

	srv, err := server.New(server.Options{
		Addr:     cfg.Addr,
		GRPCAddr: cfg.GRPCAddr,
		Gateway:  gateway,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	serveErr := srv.Serve(ctx)
	cancel()
	dir.Wait()
	return serveErr
}

// loadPluginFactory reads the script once and compiles it per room so each
// room gets an isolated interpreter state.
func loadPluginFactory(path string, logger *log.Logger) (func(string) plugin.Plugin, error) {
	if path == "" {
		return nil, nil
	}
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin script: %w", err)
	}
	source := string(script)
	return func(roomName string) plugin.Plugin {
		p, err := plugin.NewLua(roomName, source)
		if err != nil {
			logger.Printf("room %s: plugin load: %v", roomName, err)
			return plugin.Noop{}
		}
		return p
	}, nil
}
