package main

import (
	"flag"

	"github.com/casetrace/backend/internal/bootstrap"
	"github.com/casetrace/backend/internal/server"
	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/logger"
)

func main() {
	util.LoadEnv()

	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	bootstrap.InitLogger(cfg)
	logger.Debug("Configuration loaded", "store", cfg.Store.Backend)

	server.Init(cfg)
}
