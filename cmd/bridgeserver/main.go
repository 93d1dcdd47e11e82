package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"theblock-network/cmd/bridgeserver/server"
	core "theblock-network/core"
	"theblock-network/pkg/utils"
)

func main() {
	_ = godotenv.Load()
	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if core.ParseBoolFlag(os.Getenv("TB_HTTP_DEBUG")) {
		lg.SetLevel(logrus.DebugLevel)
	}

	bridge := core.OpenBridge(utils.EnvOrDefault("TB_DB_PATH", "data/state") + "/bridge")
	bridge.SetLogger(lg)

	addr := utils.EnvOrDefault("TB_BRIDGE_RPC_ADDR", ":8547")
	lg.WithField("addr", addr).Info("bridge rpc listening")
	if err := http.ListenAndServe(addr, server.NewRouter(bridge, lg)); err != nil {
		lg.WithError(err).Error("bridge rpc stopped")
		os.Exit(1)
	}
}
