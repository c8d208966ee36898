package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gather-ingest/internal/queue"

	"github.com/redis/go-redis/v9"
)

// Enqueues one backfill message by hand. Example:
//
//	run_backfill -source asana_full_backfill -tenant t_42 -duration 900
func main() {
	var (
		source   = flag.String("source", "", "message source tag (e.g. asana_full_backfill)")
		tenant   = flag.String("tenant", "", "tenant id")
		backfill = flag.String("backfill-id", "", "backfill id (generated when empty)")
		duration = flag.Int("duration", 0, "processing budget in seconds (0 = worker default)")
		suppress = flag.Bool("suppress-notifications", false, "suppress downstream notifications")
	)
	flag.Parse()

	if *source == "" || *tenant == "" {
		flag.Usage()
		os.Exit(1)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := queue.New(rdb, 0)
	msg := queue.Message{
		Source:               *source,
		TenantID:             *tenant,
		BackfillID:           *backfill,
		DurationSeconds:      *duration,
		SuppressNotification: *suppress,
	}
	if err := q.Enqueue(ctx, msg); err != nil {
		log.Fatalf("enqueue: %v", err)
	}

	pending, processing, err := q.Depths(ctx)
	if err != nil {
		log.Fatalf("read queue depth: %v", err)
	}
	fmt.Printf("Enqueued %s for tenant %s (pending=%d processing=%d)\n", *source, *tenant, pending, processing)
}
