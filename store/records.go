package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/types"
)

// MergePage upserts one page of records and the given properties in a single
// transaction. A record replaces any stored record with the same id, rules
// included. A record without rules removes the stored copy. It returns the
// number of records stored.
func (s *Store) MergePage(ctx context.Context, records []types.VulnerabilityRecord, props map[string]string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	delSoftware, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM software WHERE vuln_id = ?`))
	if err != nil {
		return 0, xerrors.Errorf("unable to prepare statement: %w", err)
	}
	defer delSoftware.Close()

	delVuln, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM vulnerability WHERE id = ?`))
	if err != nil {
		return 0, xerrors.Errorf("unable to prepare statement: %w", err)
	}
	defer delVuln.Close()

	insVuln, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO vulnerability
		(id, ecosystem, published, last_modified, severity, score, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return 0, xerrors.Errorf("unable to prepare statement: %w", err)
	}
	defer insVuln.Close()

	insSoftware, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO software
		(vuln_id, ordinal, part, vendor, product, version, update_ver, cpe,
		 start_incl, start_excl, end_incl, end_excl, vulnerable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return 0, xerrors.Errorf("unable to prepare statement: %w", err)
	}
	defer insSoftware.Close()

	var stored int
	for _, r := range records {
		if r.ID == "" {
			return 0, xerrors.New("record without id")
		}
		if _, err = delSoftware.ExecContext(ctx, r.ID); err != nil {
			return 0, xerrors.Errorf("unable to delete rules of %s: %w", r.ID, err)
		}
		if _, err = delVuln.ExecContext(ctx, r.ID); err != nil {
			return 0, xerrors.Errorf("unable to delete %s: %w", r.ID, err)
		}
		if len(r.Rules) == 0 {
			continue
		}

		doc, err := s.encode(r)
		if err != nil {
			return 0, xerrors.Errorf("unable to encode %s: %w", r.ID, err)
		}
		score, _ := r.HighestScore()
		if _, err = insVuln.ExecContext(ctx, r.ID, r.Ecosystem, formatTime(r.Published),
			formatTime(r.LastModified), score.Severity, score.BaseScore, doc); err != nil {
			return 0, xerrors.Errorf("unable to insert %s: %w", r.ID, err)
		}

		for i, rule := range r.Rules {
			p := rule.Pattern
			vulnerable := 0
			if rule.Vulnerable {
				vulnerable = 1
			}
			if _, err = insSoftware.ExecContext(ctx, r.ID, i, string(p.Part), lower(p.Vendor), lower(p.Product),
				p.Version, p.Update, p.String(), rule.VersionStartIncluding, rule.VersionStartExcluding,
				rule.VersionEndIncluding, rule.VersionEndExcluding, vulnerable); err != nil {
				return 0, xerrors.Errorf("unable to insert rule %d of %s: %w", i, r.ID, err)
			}
		}
		stored++
	}

	if err = setProperties(ctx, tx, s.dialect, props); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, xerrors.Errorf("unable to commit page: %w", err)
	}
	return stored, nil
}

func lower(s string) string {
	if s == "" {
		return cpe.Any
	}
	return strings.ToLower(s)
}

func (s *Store) encode(r types.VulnerabilityRecord) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(b, nil), nil
}

func (s *Store) decode(doc []byte) (types.VulnerabilityRecord, error) {
	var r types.VulnerabilityRecord
	b, err := s.dec.DecodeAll(doc, nil)
	if err != nil {
		return r, xerrors.Errorf("unable to decompress document: %w", err)
	}
	if err = json.Unmarshal(b, &r); err != nil {
		return r, xerrors.Errorf("unable to unmarshal document: %w", err)
	}
	return r, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (types.VulnerabilityRecord, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM vulnerability WHERE id = ?`), id).Scan(&doc)
	if xerrors.Is(err, sql.ErrNoRows) {
		return types.VulnerabilityRecord{}, false, nil
	} else if err != nil {
		return types.VulnerabilityRecord{}, false, xerrors.Errorf("unable to get %s: %w", id, err)
	}
	r, err := s.decode(doc)
	if err != nil {
		return types.VulnerabilityRecord{}, false, xerrors.Errorf("corrupt record %s: %w", id, err)
	}
	return r, true, nil
}

// FindByVendorProduct returns every record with a rule whose vendor and
// product equal the given ones or are stored as wildcards, ordered by id.
func (s *Store) FindByVendorProduct(ctx context.Context, vendor, product string) ([]types.VulnerabilityRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, document FROM vulnerability
		WHERE id IN (
			SELECT vuln_id FROM software
			WHERE (vendor = ? OR vendor = '*') AND (product = ? OR product = '*')
		)
		ORDER BY id`), lower(vendor), lower(product))
	if err != nil {
		return nil, xerrors.Errorf("unable to query %s:%s: %w", vendor, product, err)
	}
	defer rows.Close()

	var records []types.VulnerabilityRecord
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err = rows.Scan(&id, &doc); err != nil {
			return nil, xerrors.Errorf("unable to scan record: %w", err)
		}
		r, err := s.decode(doc)
		if err != nil {
			return nil, xerrors.Errorf("corrupt record %s: %w", id, err)
		}
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, xerrors.Errorf("unable to iterate records: %w", err)
	}
	return records, nil
}

// VendorProducts lists the distinct part, vendor and product of all stored rules.
func (s *Store) VendorProducts(ctx context.Context) ([]cpe.Identifier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT part, vendor, product FROM software ORDER BY part, vendor, product`)
	if err != nil {
		return nil, xerrors.Errorf("unable to query products: %w", err)
	}
	defer rows.Close()

	var ids []cpe.Identifier
	for rows.Next() {
		var part, vendor, product string
		if err = rows.Scan(&part, &vendor, &product); err != nil {
			return nil, xerrors.Errorf("unable to scan product: %w", err)
		}
		ids = append(ids, cpe.Identifier{Part: cpe.Part(part), Vendor: vendor, Product: product})
	}
	if err = rows.Err(); err != nil {
		return nil, xerrors.Errorf("unable to iterate products: %w", err)
	}
	return ids, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vulnerability`).Scan(&n); err != nil {
		return 0, xerrors.Errorf("unable to count records: %w", err)
	}
	return n, nil
}
