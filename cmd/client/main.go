package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/iudanet/statesync/internal/client/conn"
	"github.com/iudanet/statesync/internal/client/queue"
	"github.com/iudanet/statesync/internal/client/state"
	"github.com/iudanet/statesync/internal/client/storage/boltdb"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "ws://localhost:8090/sync", "Sync server URL")
	dbPath := flag.String("db", "statesync-client.db", "Path to local database")
	deviceID := flag.String("device", "", "Device identifier (generated if empty)")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if *deviceID == "" {
		*deviceID = "device-" + uuid.New().String()[:8]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Открываем BoltDB storage
	boltStorage, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := boltStorage.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	// Собираем движок синхронизации
	store := state.New(*deviceID, logger)
	opQueue := queue.New(boltStorage, queue.Config{}, logger)
	transport := conn.NewWebsocketTransport(*serverURL)
	manager := conn.New(transport, store, opQueue, boltStorage, conn.Config{}, logger)

	if err := manager.RestoreState(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to restore state: %v\n", err)
		os.Exit(1)
	}
	if err := opQueue.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load offline queue: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, manager, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, manager *conn.Manager, args []string) error {
	command := args[0]
	args = args[1:]

	switch command {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		value, ok := manager.Store().Get(args[0])
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(value)
		return nil

	case "keys":
		for _, key := range manager.Store().Keys() {
			fmt.Println(key)
		}
		return nil

	case "set":
		if len(args) != 2 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		return online(ctx, manager, func(ctx context.Context) error {
			return manager.Set(ctx, args[0], args[1])
		})

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("usage: del <key>")
		}
		return online(ctx, manager, func(ctx context.Context) error {
			return manager.Delete(ctx, args[0])
		})

	case "incr", "decr":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <key> <amount>", command)
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return online(ctx, manager, func(ctx context.Context) error {
			if command == "incr" {
				return manager.Increment(ctx, args[0], amount)
			}
			return manager.Decrement(ctx, args[0], amount)
		})

	case "watch":
		return watch(ctx, manager)

	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// online подключается, выполняет мутацию и штатно отключается.
// При недоступном сервере мутация остаётся в offline-очереди
// и будет отправлена при следующем подключении.
func online(ctx context.Context, manager *conn.Manager, fn func(ctx context.Context) error) error {
	if err := manager.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Offline, operation queued: %v\n", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	return manager.Disconnect(ctx)
}

// watch держит соединение и печатает события синхронизации до SIGINT.
func watch(ctx context.Context, manager *conn.Manager) error {
	unsubscribe := manager.Subscribe(func(ev conn.Event) {
		switch ev.Type {
		case conn.EventStateChanged:
			fmt.Printf("state: %s\n", ev.State)
		case conn.EventSyncCompleted:
			fmt.Printf("sync completed: %d operations applied\n", ev.Applied)
		case conn.EventConflict:
			fmt.Printf("concurrent update on %q resolved\n", ev.Key)
		case conn.EventError:
			fmt.Printf("error: %v\n", ev.Err)
		}
	})
	defer unsubscribe()

	unwatch := manager.Store().SubscribeAll(func(key string, value any) {
		fmt.Printf("%s = %v\n", key, value)
	})
	defer unwatch()

	if err := manager.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed, retrying in background: %v\n", err)
	}

	<-ctx.Done()

	return manager.Disconnect(context.Background())
}

func printVersion() {
	fmt.Printf("StateSync Client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `StateSync demo client

Usage:
  client [flags] <command> [args]

Commands:
  get <key>            Print the local value of a key
  keys                 List known keys
  set <key> <value>    Set a key and sync
  del <key>            Delete a key and sync
  incr <key> <n>       Increment a counter and sync
  decr <key> <n>       Decrement a counter and sync
  watch                Stay connected and print sync activity

Flags:
`)
	flag.PrintDefaults()
}
