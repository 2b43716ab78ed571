package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// VendorRepository implements store.VendorRepository.
type VendorRepository struct {
	s *session
}

func NewVendorRepository(db *sql.DB, driver string) *VendorRepository {
	return &VendorRepository{s: newSession(db, driver)}
}

func NewVendorRepositoryWithTx(tx *sql.Tx, driver string) *VendorRepository {
	return &VendorRepository{s: newSession(tx, driver)}
}

const vendorColumns = `id, pattern, account, category, tags, use_count, updated_at`

// Upsert stores a vendor mapping. An existing pattern has its account,
// category and tags replaced and its use count incremented.
func (r *VendorRepository) Upsert(ctx context.Context, mapping *store.VendorMapping) error {
	if mapping.UpdatedAt.IsZero() {
		mapping.UpdatedAt = time.Now().UTC()
	}

	query := `INSERT INTO vendor_mappings (pattern, account, category, tags, use_count, updated_at)
			  VALUES (?, ?, ?, ?, 1, ?)
			  ON CONFLICT(pattern) DO UPDATE SET
				  account = excluded.account,
				  category = excluded.category,
				  tags = excluded.tags,
				  use_count = vendor_mappings.use_count + 1,
				  updated_at = excluded.updated_at`

	if _, err := r.s.exec(ctx, query,
		mapping.Pattern, mapping.Account, mapping.Category, encodeStrings(mapping.Tags),
		timeString(mapping.UpdatedAt)); err != nil {
		return store.NewQueryError("upsert_vendor_mapping", "failed to upsert vendor mapping", err)
	}
	return nil
}

// Lookup returns the mapping for an exact pattern, or nil when none is
// stored.
func (r *VendorRepository) Lookup(ctx context.Context, pattern string) (*store.VendorMapping, error) {
	row := r.s.queryRow(ctx,
		`SELECT `+vendorColumns+` FROM vendor_mappings WHERE pattern = ?`, pattern)

	var (
		mapping   store.VendorMapping
		tags      string
		updatedAt string
	)
	err := row.Scan(&mapping.ID, &mapping.Pattern, &mapping.Account, &mapping.Category,
		&tags, &mapping.UseCount, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("lookup_vendor_mapping", "failed to query vendor mapping", err)
	}

	mapping.Tags = decodeStrings(tags)
	if mapping.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &mapping, nil
}
