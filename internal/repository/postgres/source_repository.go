package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/litscout/backend/internal/domain"
)

type SourceRepository struct {
	db *pgxpool.Pool
}

func NewSourceRepository(db *pgxpool.Pool) *SourceRepository {
	return &SourceRepository{db: db}
}

func (r *SourceRepository) Upsert(ctx context.Context, conn *pgxpool.Conn, s *domain.Source) error {
	q := `
		INSERT INTO sources
			(id, name, source_type, host_organization_id, host_organization_name,
			 country_code, issn_l, issn, is_oa, is_in_doaj,
			 works_count, cited_by_count, homepage_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source_type = EXCLUDED.source_type,
			host_organization_id = EXCLUDED.host_organization_id,
			host_organization_name = EXCLUDED.host_organization_name,
			country_code = EXCLUDED.country_code,
			issn_l = EXCLUDED.issn_l,
			issn = EXCLUDED.issn,
			is_oa = EXCLUDED.is_oa,
			is_in_doaj = EXCLUDED.is_in_doaj,
			works_count = EXCLUDED.works_count,
			cited_by_count = EXCLUDED.cited_by_count,
			homepage_url = EXCLUDED.homepage_url`

	args := []any{
		s.ID, s.Name, s.SourceType, s.HostOrganizationID, s.HostOrganizationName,
		s.CountryCode, s.ISSNL, s.ISSN, s.IsOA, s.IsInDOAJ,
		s.WorksCount, s.CitedByCount, s.HomepageURL,
	}

	var err error
	if conn != nil {
		_, err = conn.Exec(ctx, q, args...)
	} else {
		_, err = r.db.Exec(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", s.ID, err)
	}
	return nil
}

// MissingIDs lists distinct paper source ids with no row in sources yet;
// phase two of the source backfill fetches and upserts these.
func (r *SourceRepository) MissingIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT p.source_id
		FROM papers p
		LEFT JOIN sources s ON s.id = p.source_id
		WHERE p.source_id IS NOT NULL AND s.id IS NULL
		ORDER BY p.source_id`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}
