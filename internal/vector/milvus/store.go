package milvus

import (
	"context"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// store is the slice of the Milvus API the backend uses.
type store interface {
	CreateCollection(ctx context.Context, schema *entity.Schema) error
	DropCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	Insert(ctx context.Context, name string, columns ...entity.Column) error
	Flush(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, name, field string, idx entity.Index) error
	LoadCollection(ctx context.Context, name string) error
	Search(ctx context.Context, name string, vector []float32, k int, sp entity.SearchParam) ([]client.SearchResult, error)
	Close() error
}

type sdkStore struct {
	c client.Client
}

func (s *sdkStore) CreateCollection(ctx context.Context, schema *entity.Schema) error {
	return s.c.CreateCollection(ctx, schema, entity.DefaultShardNumber)
}

func (s *sdkStore) DropCollection(ctx context.Context, name string) error {
	return s.c.DropCollection(ctx, name)
}

func (s *sdkStore) ListCollections(ctx context.Context) ([]string, error) {
	colls, err := s.c.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(colls))
	for _, c := range colls {
		names = append(names, c.Name)
	}
	return names, nil
}

func (s *sdkStore) Insert(ctx context.Context, name string, columns ...entity.Column) error {
	_, err := s.c.Insert(ctx, name, "", columns...)
	return err
}

func (s *sdkStore) Flush(ctx context.Context, name string) error {
	return s.c.Flush(ctx, name, false)
}

func (s *sdkStore) CreateIndex(ctx context.Context, name, field string, idx entity.Index) error {
	return s.c.CreateIndex(ctx, name, field, idx, false)
}

func (s *sdkStore) LoadCollection(ctx context.Context, name string) error {
	return s.c.LoadCollection(ctx, name, false)
}

func (s *sdkStore) Search(ctx context.Context, name string, vector []float32, k int, sp entity.SearchParam) ([]client.SearchResult, error) {
	return s.c.Search(
		ctx,
		name,
		[]string{},
		"",
		outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.IP,
		k,
		sp,
	)
}

func (s *sdkStore) Close() error {
	return s.c.Close()
}
