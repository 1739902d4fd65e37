package main

import (
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"

	"echobridge/adapters/transport"
	"echobridge/echo"
)

func main() {
	args := ParseArgs()
	if !args.Validate() {
		panic("missing arguments")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	conn, err := newConnection(args, logger)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	core, err := echo.New(conn, args.Core, logger)
	if err != nil {
		panic(err)
	}
	defer core.Close()

	router := gin.Default()
	RegisterRoutes(router, NewGateway(core, logger))
	if err := router.Run(args.ServerURL); err != nil {
		panic(err)
	}
}

func newConnection(args Args, logger *slog.Logger) (transport.Connection, error) {
	switch args.Backend {
	case transport.BackendSocket:
		return transport.NewSocketConnection(args.Socket, logger)
	case transport.BackendStateful:
		return transport.NewRedisConnection(args.Redis, logger)
	default:
		return transport.NewNullConnection(logger), nil
	}
}
