package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tokenpulse/internal/app"
	"tokenpulse/internal/config"
	"tokenpulse/internal/security"

	"github.com/joho/godotenv"
)

func main() {
	mintSub := flag.String("mint-token", "", "print a dev JWT for the given subject and exit")
	mintTTL := flag.Duration("mint-ttl", 24*time.Hour, "lifetime of the minted token")
	flag.Parse()

	_ = godotenv.Load() // api keys may come from .env, ignore if absent

	cfgPath := os.Getenv("CONFIG")
	if cfgPath == "" {
		cfgPath = "cmd/tokenpulse/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed load config, error=%v", err)
	}

	if *mintSub != "" {
		signer, err := security.NewRS256Signer(&cfg.Security.JWT)
		if err != nil {
			log.Fatalf("Failed to initialize signer, error=%v", err)
		}

		token, err := signer.Mint(*mintSub, *mintTTL)
		if err != nil {
			log.Fatalf("Failed to mint token, error=%v", err)
		}
		fmt.Println(token)
		return
	}

	if err = app.Run(cfg); err != nil {
		log.Fatalf("App run is failed, error=%v", err)
	}
}
