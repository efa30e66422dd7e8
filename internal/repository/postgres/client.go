package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/repository"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
)

type clientRepository struct {
	BaseRepository
}

func NewClientRepository(base BaseRepository) repository.ClientRepository {
	return &clientRepository{base}
}

func (r *clientRepository) Get(ctx context.Context, id int64) (*model.Client, error) {
	query := `
		SELECT id, name, language, subscription_end, created_at
		FROM clients
		WHERE id = $1
	`

	var c model.Client
	if err := r.db.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("client", err)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}
