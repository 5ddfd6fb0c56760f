package main

import (
	"campaign-dispatch/internal/app/server"
	"campaign-dispatch/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)
	server.Run(cfg)
}
