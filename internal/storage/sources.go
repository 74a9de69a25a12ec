package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateSource(ctx context.Context, src KnowledgeSource) (KnowledgeSource, error) {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_sources (id, user_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		src.ID, src.UserID, src.Name, src.Description, now, now,
	)
	if err != nil {
		return KnowledgeSource{}, fmt.Errorf("inserting knowledge source: %w", err)
	}
	return s.GetSource(ctx, src.ID)
}

// GetSource loads a knowledge source together with all of its content items.
func (s *Store) GetSource(ctx context.Context, id string) (KnowledgeSource, error) {
	src, err := s.sourceHeader(ctx, id)
	if err != nil {
		return KnowledgeSource{}, err
	}
	if err := s.loadItems(ctx, &src); err != nil {
		return KnowledgeSource{}, fmt.Errorf("loading items of %s: %w", id, err)
	}
	return src, nil
}

// ListSources returns source headers without their items.
func (s *Store) ListSources(ctx context.Context, userID string) ([]KnowledgeSource, error) {
	query := `SELECT id, user_id, name, description, created_at, updated_at FROM knowledge_sources`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) AddText(ctx context.Context, sourceID, content string) (string, error) {
	return s.addItem(ctx, sourceID, func(tx *sql.Tx, id, now string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_texts (id, source_id, content, created_at) VALUES (?, ?, ?, ?)`,
			id, sourceID, content, now)
		return err
	})
}

func (s *Store) AddQA(ctx context.Context, sourceID, question, answer string) (string, error) {
	return s.addItem(ctx, sourceID, func(tx *sql.Tx, id, now string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_qa (id, source_id, question, answer, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, sourceID, question, answer, now)
		return err
	})
}

func (s *Store) AddWebsite(ctx context.Context, sourceID, url string) (string, error) {
	return s.addItem(ctx, sourceID, func(tx *sql.Tx, id, now string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_websites (id, source_id, url, created_at) VALUES (?, ?, ?, ?)`,
			id, sourceID, url, now)
		return err
	})
}

func (s *Store) AddCatalog(ctx context.Context, sourceID string, c Catalog) (string, error) {
	return s.addItem(ctx, sourceID, func(tx *sql.Tx, id, now string) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_catalogs (id, source_id, instructions, created_at) VALUES (?, ?, ?, ?)`,
			id, sourceID, c.Instructions, now); err != nil {
			return err
		}
		for i, p := range c.Products {
			cats, err := json.Marshal(nonNil(p.Categories))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO catalog_products (id, catalog_id, position, title, description, price, tax_rate, categories)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), id, i, p.Title, p.Description, p.Price, p.TaxRate, string(cats)); err != nil {
				return fmt.Errorf("inserting product %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Store) AddSourceFile(ctx context.Context, sourceID, name, blobURL string) (string, error) {
	return s.addItem(ctx, sourceID, func(tx *sql.Tx, id, now string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_files (id, source_id, name, blob_url, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, sourceID, name, blobURL, now)
		return err
	})
}

var itemTables = map[ItemKind]string{
	ItemText:    "source_texts",
	ItemQA:      "source_qa",
	ItemWebsite: "source_websites",
	ItemCatalog: "source_catalogs",
	ItemFile:    "source_files",
}

// RemoveItem deletes one content item and bumps the source's updated_at.
func (s *Store) RemoveItem(ctx context.Context, sourceID string, kind ItemKind, itemID string) error {
	table, ok := itemTables[kind]
	if !ok {
		return fmt.Errorf("unknown item kind %q", kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ? AND source_id = ?`, itemID, sourceID)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if err := touchSource(ctx, tx, sourceID, s.timestamp()); err != nil {
		return err
	}
	return tx.Commit()
}

// addItem runs insert inside a transaction that also bumps the source's
// updated_at, so freshness checks see every content change.
func (s *Store) addItem(ctx context.Context, sourceID string, insert func(tx *sql.Tx, id, now string) error) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := s.timestamp()
	if err := touchSource(ctx, tx, sourceID, now); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := insert(tx, id, now); err != nil {
		return "", fmt.Errorf("adding item to %s: %w", sourceID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func touchSource(ctx context.Context, tx *sql.Tx, sourceID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE knowledge_sources SET updated_at = ? WHERE id = ?`, now, sourceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) sourceHeader(ctx context.Context, id string) (KnowledgeSource, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, created_at, updated_at FROM knowledge_sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeSource{}, ErrNotFound
	}
	return src, err
}

func (s *Store) loadItems(ctx context.Context, src *KnowledgeSource) error {
	err := s.each(ctx, `SELECT id, content FROM source_texts WHERE source_id = ? ORDER BY created_at, id`, src.ID,
		func(r *sql.Rows) error {
			var t TextBlock
			if err := r.Scan(&t.ID, &t.Content); err != nil {
				return err
			}
			src.Texts = append(src.Texts, t)
			return nil
		})
	if err != nil {
		return err
	}
	err = s.each(ctx, `SELECT id, question, answer FROM source_qa WHERE source_id = ? ORDER BY created_at, id`, src.ID,
		func(r *sql.Rows) error {
			var q QAPair
			if err := r.Scan(&q.ID, &q.Question, &q.Answer); err != nil {
				return err
			}
			src.QA = append(src.QA, q)
			return nil
		})
	if err != nil {
		return err
	}
	err = s.each(ctx, `SELECT id, url FROM source_websites WHERE source_id = ? ORDER BY created_at, id`, src.ID,
		func(r *sql.Rows) error {
			var w Website
			if err := r.Scan(&w.ID, &w.URL); err != nil {
				return err
			}
			src.Websites = append(src.Websites, w)
			return nil
		})
	if err != nil {
		return err
	}
	err = s.each(ctx, `SELECT id, name, blob_url FROM source_files WHERE source_id = ? ORDER BY created_at, id`, src.ID,
		func(r *sql.Rows) error {
			var f SourceFile
			if err := r.Scan(&f.ID, &f.Name, &f.BlobURL); err != nil {
				return err
			}
			src.Files = append(src.Files, f)
			return nil
		})
	if err != nil {
		return err
	}
	err = s.each(ctx, `SELECT id, instructions FROM source_catalogs WHERE source_id = ? ORDER BY created_at, id`, src.ID,
		func(r *sql.Rows) error {
			var c Catalog
			if err := r.Scan(&c.ID, &c.Instructions); err != nil {
				return err
			}
			src.Catalogs = append(src.Catalogs, c)
			return nil
		})
	if err != nil {
		return err
	}
	for i := range src.Catalogs {
		c := &src.Catalogs[i]
		err := s.each(ctx, `
			SELECT title, description, price, tax_rate, categories
			FROM catalog_products WHERE catalog_id = ? ORDER BY position`, c.ID,
			func(r *sql.Rows) error {
				var p Product
				var cats string
				if err := r.Scan(&p.Title, &p.Description, &p.Price, &p.TaxRate, &cats); err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(cats), &p.Categories); err != nil {
					return fmt.Errorf("decoding categories: %w", err)
				}
				c.Products = append(c.Products, p)
				return nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// each runs query with a single argument and calls fn for every row.
func (s *Store) each(ctx context.Context, query string, arg any, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanSource(row rowScanner) (KnowledgeSource, error) {
	var src KnowledgeSource
	var createdAt, updatedAt string
	if err := row.Scan(&src.ID, &src.UserID, &src.Name, &src.Description, &createdAt, &updatedAt); err != nil {
		return KnowledgeSource{}, err
	}
	var err error
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return KnowledgeSource{}, err
	}
	if src.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return KnowledgeSource{}, err
	}
	return src, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
