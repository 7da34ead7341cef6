// Command hearth-guest is the agent baked into Firecracker rootfs images. It
// listens on vsock for requests relayed by the host, runs them with the
// image's language runtime and streams results back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o hearth-guest ./cmd/hearth-guest
package main

import (
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/hearth/internal/backend/firecracker"
	"github.com/seantiz/hearth/internal/config"
	"github.com/seantiz/hearth/internal/guest"
)

const workDir = "/work"

func main() {
	logger := config.NewLogger(os.Stderr, slog.LevelInfo)
	guest.SetupInit(logger)

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("hearth-guest listening", "port", port)

	if err := guest.New(l, workDir, logger).Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
