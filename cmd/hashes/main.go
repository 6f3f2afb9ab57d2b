package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/logger"
)

func main() {
	var (
		seed  = flag.String("seed", os.Getenv("HASH_SEED"), "secret chain seed; a random one is generated when empty")
		count = flag.Int("count", 1_000_000, "number of rounds to precompute")
		first = flag.Int64("first", game.GenesisRoundID+1, "round id of the first round to be played")
		fund  = flag.Int64("fund", 0, "optional house funding to record alongside the chain")
	)
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Logger()).With("component", "hashes")

	if *count <= 0 {
		log.Error("count must be positive", "count", *count)
		os.Exit(1)
	}
	if *seed == "" {
		generated, err := game.GenerateSeed()
		if err != nil {
			log.Error("Failed to generate seed", "error", err)
			os.Exit(1)
		}
		*seed = generated
		log.Warn("No seed given, generated one; store it somewhere safe", "seed", *seed)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database, log)
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	start := time.Now()
	last, err := database.SeedHashes(ctx, db.Pool(), *seed, *count, *first)
	if err != nil {
		log.Error("Failed to seed hashes", "error", err)
		os.Exit(1)
	}
	// Publishing the hash after the last link commits to the whole chain
	// without revealing any round.
	log.Info("Hash chain stored",
		"rounds", *count,
		"first_round", *first,
		"last_round", *first+int64(*count)-1,
		"terminating_hash", game.NextHash(last),
		"took", time.Since(start))

	if *fund > 0 {
		if err := database.Fund(ctx, db.Pool(), *fund, "initial bankroll"); err != nil {
			log.Error("Failed to record funding", "error", err)
			os.Exit(1)
		}
		log.Info("Funding recorded", "amount", *fund)
	}
}
