package main

import (
	"context"
	"log"

	"taskhub/models"
	"taskhub/web"

	"github.com/rohanthewiz/logger"
)

func main() {
	// Initialize logger
	logger.SetLogLevel("info")

	// Initialize database
	if err := models.InitDB(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer models.CloseDB()

	// Initialize JWT signing key
	if err := models.InitJWT(); err != nil {
		log.Fatal("Failed to initialize JWT:", err)
	}

	// Start the sync client when this instance follows a remote server
	syncConfig, err := models.LoadSyncConfig()
	if err != nil {
		log.Fatal("Failed to load sync config:", err)
	}
	if syncConfig.Enabled {
		client, err := models.NewSyncClient(syncConfig)
		if err != nil {
			log.Fatal("Failed to create sync client:", err)
		}
		client.Start(context.Background())
		defer client.Stop()
	}

	// Start server
	srv := web.NewServer()
	logger.Info("Starting TaskHub server")
	log.Fatal(web.Run(srv))
}
