package vector

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateSchema adapts the Weaviate client to SchemaClient.
type WeaviateSchema struct {
	Client *weaviate.Client
}

func NewWeaviateSchema(client *weaviate.Client) *WeaviateSchema {
	return &WeaviateSchema{Client: client}
}

func (a *WeaviateSchema) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.Client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *WeaviateSchema) CreateClass(ctx context.Context, class *models.Class) error {
	return a.Client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *WeaviateSchema) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.Client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *WeaviateSchema) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.Client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

func (a *WeaviateSchema) DeleteClass(ctx context.Context, className string) error {
	return a.Client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
}
