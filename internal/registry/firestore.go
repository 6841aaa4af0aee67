package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

// Client reads knowledge-base metadata (agency name, currency, geographic
// bounds) from Firestore. Lookups go through an in-process cache kept fresh
// by Watch; a cold lookup falls through to a direct read.
type Client struct {
	client *firestore.Client
	cfg    config.FirestoreConfig
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*models.KnowledgeBase
}

func NewClient(ctx context.Context, cfg config.FirestoreConfig, logger *zap.Logger) (*Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	logger.Info("knowledge base registry connected", zap.String("project", cfg.ProjectID))

	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*models.KnowledgeBase),
	}, nil
}

func (c *Client) KnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	c.mu.RLock()
	kb, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return kb, nil
	}

	ctx, span := observability.StartSpan(ctx, "registry.get_kb",
		attribute.String("knowledge_base_id", id),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	doc, err := c.client.Collection(c.cfg.Collection).Doc(id).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry get %s/%s: %w", c.cfg.Collection, id, err)
	}

	kb = &models.KnowledgeBase{}
	if err := doc.DataTo(kb); err != nil {
		return nil, fmt.Errorf("registry decode %s: %w", id, err)
	}
	kb.ID = doc.Ref.ID

	c.mu.Lock()
	c.cache[id] = kb
	c.mu.Unlock()

	return kb, nil
}

// Watch follows the collection's snapshots and keeps the local cache in
// step, so bounds changes made by operations take effect without a restart.
// Blocks until ctx is cancelled.
func (c *Client) Watch(ctx context.Context) error {
	snapIter := c.client.Collection(c.cfg.Collection).Snapshots(ctx)
	defer snapIter.Stop()

	for {
		snap, err := snapIter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("registry snapshot iterator error", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, change := range snap.Changes {
			id := change.Doc.Ref.ID
			switch change.Kind {
			case firestore.DocumentAdded, firestore.DocumentModified:
				kb := &models.KnowledgeBase{}
				if err := change.Doc.DataTo(kb); err != nil {
					c.logger.Error("registry decode on watch",
						zap.String("knowledge_base_id", id), zap.Error(err))
					continue
				}
				kb.ID = id
				c.mu.Lock()
				c.cache[id] = kb
				c.mu.Unlock()
			case firestore.DocumentRemoved:
				c.mu.Lock()
				delete(c.cache, id)
				c.mu.Unlock()
			}
		}
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	iter := c.client.Collection(c.cfg.Collection).Limit(1).Documents(ctx)
	defer iter.Stop()

	_, err := iter.Next()
	// iterator.Done means the collection is empty, Firestore is reachable.
	if err != nil && err != iterator.Done {
		return fmt.Errorf("registry health check: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
