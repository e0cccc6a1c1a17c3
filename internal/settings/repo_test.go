package settings_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"bbgodb/internal/settings"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "gemini_api_key", "search_top_k", "rrf_k", "dense_candidate_factor"}).
			AddRow(1, "key", 8, 60, 4)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, gemini_api_key, search_top_k, rrf_k, dense_candidate_factor FROM settings WHERE id = 1")).
			WillReturnRows(rows)

		s, err := repo.Get(context.Background())
		assert.NoError(t, err)
		assert.NotNil(t, s)
		assert.Equal(t, "key", s.GeminiAPIKey)
		assert.Equal(t, 8, s.SearchTopK)
		assert.Equal(t, 60, s.RRFK)
	})

	t.Run("Error", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id")).
			WillReturnError(sqlmock.ErrCancelled)

		s, err := repo.Get(context.Background())
		assert.Error(t, err)
		assert.Nil(t, s)
	})
}

func TestPostgresRepo_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	s := &settings.Settings{
		GeminiAPIKey:         "k2",
		SearchTopK:           20,
		RRFK:                 30,
		DenseCandidateFactor: 5,
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settings SET gemini_api_key = $1, search_top_k = $2, rrf_k = $3, dense_candidate_factor = $4, updated_at = NOW() WHERE id = 1")).
		WithArgs(s.GeminiAPIKey, s.SearchTopK, s.RRFK, s.DenseCandidateFactor).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Update(context.Background(), s)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
