package catalogos

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
)

// SQLCatalog resolves departments and municipalities against the cat_*
// reference tables. Lookups accept either the two-digit code or the
// accent-folded name; values are expected pre-normalized by the caller
// (carga.NormLookup).
type SQLCatalog struct {
	db *sql.DB
}

func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

var _ carga.Catalog = (*SQLCatalog)(nil)

func (c *SQLCatalog) IsValidDepartment(ctx context.Context, code string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM cat_departamento
		WHERE codigo = $1 OR UPPER(nombre) = $1
		LIMIT 1
	`, code).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consulta cat_departamento: %w", err)
	}
	return true, nil
}

func (c *SQLCatalog) IsValidMunicipality(ctx context.Context, deptCode, muniCode string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM cat_municipio m
		JOIN cat_departamento d ON d.id = m.departamento_id
		WHERE (m.codigo = $2 OR UPPER(m.nombre) = $2)
		  AND (d.codigo = $1 OR UPPER(d.nombre) = $1)
		LIMIT 1
	`, deptCode, muniCode).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consulta cat_municipio: %w", err)
	}
	return true, nil
}
