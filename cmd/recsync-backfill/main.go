package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bookerly/recsync/internal/feedsync"
	"github.com/bookerly/recsync/internal/recsync"
)

// recsync-backfill performs a one-shot hydration of every configured scope
// into a state file, so a fresh engine process starts warm instead of cold.
func main() {
	remoteURL := flag.String("remote", os.Getenv("RECSYNC_REMOTE_URL"), "base URL of the retrieval endpoint")
	stateFile := flag.String("state", os.Getenv("RECSYNC_STATE_FILE"), "path of the state snapshot to write")
	categories := flag.String("categories", os.Getenv("RECSYNC_CATEGORIES"), "comma-separated categories (default: all)")
	pageLimit := flag.Int("limit", 50, "page size for retrieval requests")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout for the backfill")
	flag.Parse()

	if strings.TrimSpace(*remoteURL) == "" {
		log.Fatalf("-remote (or RECSYNC_REMOTE_URL) is required")
	}
	if strings.TrimSpace(*stateFile) == "" {
		log.Fatalf("-state (or RECSYNC_STATE_FILE) is required")
	}

	client := feedsync.NewHTTPClient(*remoteURL, os.Getenv("RECSYNC_API_TOKEN"), nil)
	engine := recsync.NewEngine(recsync.Options{
		StateFile:      *stateFile,
		Logger:         log.Default(),
		DisableWorkers: true,
	})
	defer engine.Close()

	runner, err := feedsync.NewRunner(client, engine, feedsync.RunnerOptions{
		Scopes:    parseScopes(*categories),
		PageLimit: *pageLimit,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize runner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := runner.HydrateAll(ctx); err != nil {
		log.Fatalf("backfill failed: %v", err)
	}

	for _, category := range recsync.Categories() {
		for _, filter := range recsync.Filters() {
			view := engine.GetView(category, filter)
			if view.Total == 0 && len(view.Records) == 0 {
				continue
			}
			fmt.Printf("%s/%s: %d record(s), total %d\n", category, filter, len(view.Records), view.Total)
		}
	}
}

func parseScopes(raw string) []recsync.Scope {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	scopes := []recsync.Scope(nil)
	for _, part := range strings.Split(raw, ",") {
		category, ok := recsync.ParseCategory(part)
		if !ok {
			log.Printf("ignoring unknown category %q", part)
			continue
		}
		for _, filter := range recsync.Filters() {
			scopes = append(scopes, recsync.Scope{Category: category, Filter: filter})
		}
	}
	return scopes
}
