package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
)

// Field names in the document collection.
const (
	FieldID         = "id"
	FieldParentID   = "parent_id"
	FieldTitle      = "title"
	FieldBody       = "body"
	FieldChunkIndex = "chunk_index"
	FieldVector     = "dense"
)

// VarChar limits. Milvus measures max_length in bytes.
const (
	DefaultMaxVarCharLength = "65535"
	DefaultIDMaxLength      = "255"
	// Titles are file names, which can run to four bytes per character.
	DefaultTitleMaxLength = "4096"
)

func (m *MilvusIndex) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: m.collection,
		Description:    "Chunks of uploaded documents for retrieval",
		Fields: []*entity.Field{
			{
				Name:       FieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": DefaultIDMaxLength},
			},
			{
				Name:       FieldParentID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": DefaultIDMaxLength},
			},
			{
				Name:       FieldTitle,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": DefaultIDMaxLength},
			},
			{
				Name:       FieldBody,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": DefaultMaxVarCharLength},
			},
			{
				Name:     FieldChunkIndex,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       FieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.dimensions)},
			},
		},
	}
}

// EnsureIndex creates the collection and its vector index when missing, then
// loads it and waits until the load completes or the ready timeout elapses.
func (m *MilvusIndex) EnsureIndex(ctx context.Context) error {
	exists, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(m.collection))
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}

	if !exists {
		createOpt := milvusclient.NewCreateCollectionOption(m.collection, m.schema())
		createOpt.WithShardNum(m.shards)
		if err := m.client.CreateCollection(ctx, createOpt); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", m.collection, err)
		}

		denseIdx := index.NewHNSWIndex(entity.IP, 16, 200)
		indexTask, err := m.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(m.collection, FieldVector, denseIdx))
		if err != nil {
			return fmt.Errorf("failed to create index on %s: %w", FieldVector, err)
		}
		if err := indexTask.Await(ctx); err != nil {
			return fmt.Errorf("failed waiting for index on %s: %w", FieldVector, err)
		}
		logger.IndexInfo("Created collection %s with HNSW index on %s", m.collection, FieldVector)
	}

	loadTask, err := m.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(m.collection))
	if err != nil {
		return fmt.Errorf("failed to load collection %s: %w", m.collection, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	defer cancel()
	if err := loadTask.Await(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: collection %s after %v: %v", core.ErrIndexNotReady, m.collection, m.readyTimeout, err)
	}

	logger.IndexDebug("Collection %s loaded", m.collection)
	return nil
}

// DeleteIndex drops the collection. Dropping a missing collection is an
// error matching core.ErrIndexNotFound.
func (m *MilvusIndex) DeleteIndex(ctx context.Context) error {
	exists, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(m.collection))
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("drop collection %s: %w", m.collection, core.ErrIndexNotFound)
	}

	if err := m.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(m.collection)); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", m.collection, err)
	}
	logger.IndexInfo("Dropped collection %s", m.collection)
	return nil
}
