// Command ingestctl replays scraped listing files into the ingest topic.
// Input is NDJSON, one listing object per line; each line becomes a CREATE
// (or DELETE with -op delete) event for the given knowledge base.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/kafka"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

const publishBatchSize = 500

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	kbID := flag.String("kb", "", "Knowledge base ID to publish into")
	input := flag.String("input", "", "NDJSON file of listings, one object per line")
	op := flag.String("op", "CREATE", "Event type: CREATE, UPDATE or DELETE")
	flag.Parse()

	if err := run(*configPath, *kbID, *input, *op); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, kbID, input, op string) error {
	if kbID == "" {
		return fmt.Errorf("-kb is required")
	}
	if input == "" {
		return fmt.Errorf("-input is required")
	}
	switch op {
	case "CREATE", "UPDATE", "DELETE":
	default:
		return fmt.Errorf("unknown -op %q", op)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	f, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	producer := kafka.NewProducer(cfg.Kafka, logger)
	defer producer.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	var batch []*models.ListingEvent
	published := 0
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var listing map[string]any
		if err := json.Unmarshal(line, &listing); err != nil {
			logger.Warn("skipping malformed line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		id, _ := listing["id"].(string)
		if id == "" {
			logger.Warn("skipping listing without id", zap.Int("line", lineNo))
			continue
		}

		event := &models.ListingEvent{
			Type:            op,
			ListingID:       id,
			KnowledgeBaseID: kbID,
			Timestamp:       now,
		}
		if op != "DELETE" {
			event.Listing = listing
		}

		batch = append(batch, event)
		if len(batch) >= publishBatchSize {
			if err := producer.PublishBatch(ctx, batch); err != nil {
				return fmt.Errorf("publishing batch at line %d: %w", lineNo, err)
			}
			published += len(batch)
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	if len(batch) > 0 {
		if err := producer.PublishBatch(ctx, batch); err != nil {
			return fmt.Errorf("publishing final batch: %w", err)
		}
		published += len(batch)
	}

	logger.Info("replay complete",
		zap.String("knowledge_base_id", kbID),
		zap.String("event_type", op),
		zap.Int("published", published),
	)
	return nil
}
