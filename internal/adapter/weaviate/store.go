package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"bbgodb/internal/apperr"
	"bbgodb/internal/vector"
)

// Store is the Weaviate vector index. Objects are keyed by vector.ObjectID of
// the chunk id, so a repeated upsert overwrites in place.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return classify(vector.EnsureSchema(ctx, vector.NewWeaviateSchema(s.client)))
}

func (s *Store) DropSchema(ctx context.Context) error {
	return classify(vector.DropSchema(ctx, vector.NewWeaviateSchema(s.client)))
}

func (s *Store) Upsert(ctx context.Context, records ...vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	objects := make([]*models.Object, 0, len(records))
	for _, r := range records {
		props := map[string]interface{}{
			"chunkId":    r.ChunkID,
			"articleUrl": r.ArticleURL,
			"chunkIndex": r.ChunkIndex,
			"content":    r.Content,
		}
		if r.PublishedDate != nil {
			props["publishedDate"] = r.PublishedDate.UTC().Format(time.RFC3339)
		}
		objects = append(objects, &models.Object{
			Class:      vector.ClassName,
			ID:         strfmt.UUID(vector.ObjectID(r.ChunkID)),
			Properties: props,
			Vector:     r.Vector,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return classify(err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return apperr.Transient(fmt.Errorf("weaviate batch object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message))
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, chunkIDs ...string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	var where *filters.WhereBuilder
	if len(chunkIDs) == 1 {
		where = chunkIDEquals(chunkIDs[0])
	} else {
		operands := make([]*filters.WhereBuilder, 0, len(chunkIDs))
		for _, id := range chunkIDs {
			operands = append(operands, chunkIDEquals(id))
		}
		where = filters.Where().WithOperator(filters.Or).WithOperands(operands)
	}

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	return classify(err)
}

func chunkIDEquals(id string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"chunkId"}).
		WithOperator(filters.Equal).
		WithValueString(id)
}

func (s *Store) SearchNearest(ctx context.Context, vec []float32, topN int, filter vector.Filter) ([]vector.Match, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(topN).
		WithFields(fields...)

	if where := nearestWhere(filter); where != nil {
		query = query.WithWhere(where)
	}

	res, err := query.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Errors) > 0 {
		return nil, apperr.Permanent(fmt.Errorf("graphql error: %s", res.Errors[0].Message))
	}

	var matches []vector.Match
	data, _ := res.Data["Get"].(map[string]interface{})
	objects, _ := data[vector.ClassName].([]interface{})
	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := props["chunkId"].(string)
		if id == "" {
			continue
		}
		m := vector.Match{ChunkID: id}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			m.Score = toFloat(additional["certainty"])
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// nearestWhere ANDs the url set with the inclusive date bounds. It returns
// nil for an empty filter.
func nearestWhere(f vector.Filter) *filters.WhereBuilder {
	var clauses []*filters.WhereBuilder
	if len(f.ArticleURLs) > 0 {
		urls := make([]*filters.WhereBuilder, 0, len(f.ArticleURLs))
		for _, u := range f.ArticleURLs {
			urls = append(urls, filters.Where().
				WithPath([]string{"articleUrl"}).
				WithOperator(filters.Equal).
				WithValueString(u))
		}
		clauses = append(clauses, combine(filters.Or, urls))
	}
	if f.PublishedAfter != nil {
		clauses = append(clauses, filters.Where().
			WithPath([]string{"publishedDate"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(f.PublishedAfter.UTC()))
	}
	if f.PublishedBefore != nil {
		clauses = append(clauses, filters.Where().
			WithPath([]string{"publishedDate"}).
			WithOperator(filters.LessThanEqual).
			WithValueDate(f.PublishedBefore.UTC()))
	}
	if len(clauses) == 0 {
		return nil
	}
	return combine(filters.And, clauses)
}

func combine(op filters.WhereOperator, operands []*filters.WhereBuilder) *filters.WhereBuilder {
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(op).WithOperands(operands)
}

// toFloat accepts both encodings Weaviate uses for additional scores.
func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	data, _ := res.Data["Aggregate"].(map[string]interface{})
	groups, _ := data[vector.ClassName].([]interface{})
	if len(groups) == 0 {
		return 0, nil
	}
	group, _ := groups[0].(map[string]interface{})
	meta, _ := group["meta"].(map[string]interface{})
	return int(toFloat(meta["count"])), nil
}

// classify maps client failures onto the provider error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var wce *fault.WeaviateClientError
	if errors.As(err, &wce) {
		if wce.StatusCode == 0 {
			// no response: connection refused, reset, timeout
			return apperr.Transient(err)
		}
		if wce.StatusCode == http.StatusNotFound {
			return apperr.Permanent(err)
		}
		return apperr.FromHTTPStatus(wce.StatusCode, err)
	}
	return err
}
