package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding article chunks.
const ClassName = "ArticleChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
	DeleteClass(ctx context.Context, className string) error
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{
			Name:     "chunkId",
			DataType: []string{"string"}, // exact match
		},
		{
			Name:     "articleUrl",
			DataType: []string{"string"}, // exact match, used by filters
		},
		{
			Name:     "chunkIndex",
			DataType: []string{"int"},
		},
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			Name:     "publishedDate",
			DataType: []string{"date"}, // date range filters
		},
	}
}

// EnsureSchema creates the chunk class, or adds any property an older
// deployment is missing.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := chunkProperties()
	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "A chunk of a feed article",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		existing[p.Name] = true
	}

	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}

// DropSchema removes the chunk class and every object in it.
func DropSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil || !exists {
		return err
	}
	return client.DeleteClass(ctx, ClassName)
}
