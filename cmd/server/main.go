// cmd/server/main.go
package main

import (
	"net/http"
	"os"

	"github.com/jonboulle/clockwork"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/parlor/internal/auth"
	"github.com/mkarlsen/parlor/internal/handlers"
	"github.com/mkarlsen/parlor/internal/history"
	"github.com/mkarlsen/parlor/internal/middleware"
	"github.com/mkarlsen/parlor/internal/statestore"
)

func main() {
	auth.Init()

	logger := logrus.New()
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	clock := clockwork.NewRealClock()

	var store statestore.Store
	switch os.Getenv("STORE") {
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		store = statestore.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
		logger.Info("using redis state store")
	default:
		store = statestore.NewMemoryStore(clock)
		logger.Info("using in-memory state store")
	}

	// Action history is optional; without Redis the rooms still run, they
	// just leave no audit trail for the historian.
	if err := history.ConnectRedis(); err != nil {
		logger.Warnf("action history disabled: %v", err)
	}

	srv := handlers.NewRoomServer(store, clock, logger)
	logged := middleware.LogMiddleware(logger)

	mux := http.NewServeMux()
	mux.Handle("/room/create", logged(http.HandlerFunc(srv.CreateRoomHandler)))
	mux.Handle("/room/list", logged(http.HandlerFunc(srv.ListRoomsHandler)))
	mux.Handle("/room/qr/", logged(http.HandlerFunc(srv.RoomQRHandler)))
	mux.Handle("/room/ws/", logged(http.HandlerFunc(srv.RoomWSHandler)))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Infof("listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}
