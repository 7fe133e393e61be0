package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thinkdrop/user-memory-service/internal/model"
)

// Auxiliary tables: skill prompts (semantic-searchable), context rules
// (exact-match keyed), and the installed-skill registry.

// InsertSkillPrompt stores a prompt snippet with its embedding.
func (s *Store) InsertSkillPrompt(ctx context.Context, p model.SkillPrompt) error {
	var emb any
	if p.Embedding != nil {
		emb = encodeVector(p.Embedding)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skill_prompts (id, tags, prompt_text, embedding, hit_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Tags, p.PromptText, emb, p.HitCount, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return wrapDB("insert skill prompt", err)
}

// SkillPromptResult pairs a prompt with its query similarity.
type SkillPromptResult struct {
	Prompt     model.SkillPrompt
	Similarity float64
}

// SearchSkillPrompts ranks prompts by cosine similarity to the query vector.
func (s *Store) SearchSkillPrompts(ctx context.Context, qVec []float32, k int) ([]SkillPromptResult, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tags, prompt_text, embedding, hit_count, created_at, updated_at,
		        vec_distance_cosine(embedding, ?) AS dist
		 FROM skill_prompts WHERE embedding IS NOT NULL
		 ORDER BY dist ASC LIMIT ?`,
		encodeVector(qVec), k)
	if err != nil {
		return nil, wrapDB("search skill prompts", err)
	}
	defer rows.Close()

	var out []SkillPromptResult
	for rows.Next() {
		var p model.SkillPrompt
		var emb []byte
		var dist float64
		if err := rows.Scan(&p.ID, &p.Tags, &p.PromptText, &emb, &p.HitCount, &p.CreatedAt, &p.UpdatedAt, &dist); err != nil {
			return nil, wrapDB("scan skill prompt", err)
		}
		if len(emb) > 0 {
			p.Embedding = decodeVector(emb)
		}
		out = append(out, SkillPromptResult{Prompt: p, Similarity: 1 - dist})
	}
	return out, rows.Err()
}

// IncrementSkillPromptHit bumps a prompt's hit counter.
func (s *Store) IncrementSkillPromptHit(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skill_prompts SET hit_count = hit_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return wrapDB("increment prompt hit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertContextRule inserts a rule, or bumps the hit counter when the
// (contextType, contextKey, ruleText) triple already exists.
func (s *Store) UpsertContextRule(ctx context.Context, r model.ContextRule) (model.ContextRule, error) {
	r.ContextKey = strings.ToLower(strings.TrimSpace(r.ContextKey))
	r.RuleText = strings.TrimSpace(r.RuleText)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_rules (id, context_type, context_key, rule_text, category, source, hit_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (context_type, context_key, rule_text)
		 DO UPDATE SET hit_count = hit_count + 1, updated_at = excluded.updated_at`,
		r.ID, r.ContextType, r.ContextKey, r.RuleText, nullable(r.Category), nullable(r.Source), now, now)
	if err != nil {
		return model.ContextRule{}, wrapDB("upsert context rule", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, context_type, context_key, rule_text, COALESCE(category,''), COALESCE(source,''), hit_count, created_at, updated_at
		 FROM context_rules WHERE context_type = ? AND context_key = ? AND rule_text = ?`,
		r.ContextType, r.ContextKey, r.RuleText)
	var out model.ContextRule
	if err := row.Scan(&out.ID, &out.ContextType, &out.ContextKey, &out.RuleText,
		&out.Category, &out.Source, &out.HitCount, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return model.ContextRule{}, wrapDB("read context rule", err)
	}
	return out, nil
}

// GetContextRules returns the rules for one exact context key.
func (s *Store) GetContextRules(ctx context.Context, contextType, contextKey string) ([]model.ContextRule, error) {
	return s.queryContextRules(ctx,
		`SELECT id, context_type, context_key, rule_text, COALESCE(category,''), COALESCE(source,''), hit_count, created_at, updated_at
		 FROM context_rules WHERE context_type = ? AND context_key = ? ORDER BY created_at`,
		contextType, strings.ToLower(strings.TrimSpace(contextKey)))
}

// ListContextRules returns all rules, newest first.
func (s *Store) ListContextRules(ctx context.Context) ([]model.ContextRule, error) {
	return s.queryContextRules(ctx,
		`SELECT id, context_type, context_key, rule_text, COALESCE(category,''), COALESCE(source,''), hit_count, created_at, updated_at
		 FROM context_rules ORDER BY created_at DESC`)
}

// DeleteContextRule removes a rule by id.
func (s *Store) DeleteContextRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM context_rules WHERE id = ?`, id)
	if err != nil {
		return wrapDB("delete context rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryContextRules(ctx context.Context, q string, args ...any) ([]model.ContextRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB("query context rules", err)
	}
	defer rows.Close()

	var out []model.ContextRule
	for rows.Next() {
		var r model.ContextRule
		if err := rows.Scan(&r.ID, &r.ContextType, &r.ContextKey, &r.RuleText,
			&r.Category, &r.Source, &r.HitCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, wrapDB("scan context rule", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InstallSkill registers a skill; the name is unique.
func (s *Store) InstallSkill(ctx context.Context, sk model.InstalledSkill) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO installed_skills (id, name, description, contract_md, exec_path, exec_type, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   description = excluded.description,
		   contract_md = excluded.contract_md,
		   exec_path   = excluded.exec_path,
		   exec_type   = excluded.exec_type,
		   enabled     = excluded.enabled,
		   updated_at  = excluded.updated_at`,
		sk.ID, sk.Name, nullable(sk.Description), nullable(sk.ContractMd),
		sk.ExecPath, sk.ExecType, sk.Enabled, sk.CreatedAt.UTC(), sk.UpdatedAt.UTC())
	return wrapDB("install skill", err)
}

// GetSkill returns a skill by name, or ErrNotFound.
func (s *Store) GetSkill(ctx context.Context, name string) (*model.InstalledSkill, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(description,''), COALESCE(contract_md,''), exec_path, exec_type, enabled, created_at, updated_at
		 FROM installed_skills WHERE name = ?`, name)
	var sk model.InstalledSkill
	err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.ContractMd, &sk.ExecPath,
		&sk.ExecType, &sk.Enabled, &sk.CreatedAt, &sk.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDB("get skill", err)
	}
	return &sk, nil
}

// ListSkills returns all installed skills ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]model.InstalledSkill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(description,''), COALESCE(contract_md,''), exec_path, exec_type, enabled, created_at, updated_at
		 FROM installed_skills ORDER BY name`)
	if err != nil {
		return nil, wrapDB("list skills", err)
	}
	defer rows.Close()

	var out []model.InstalledSkill
	for rows.Next() {
		var sk model.InstalledSkill
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.ContractMd, &sk.ExecPath,
			&sk.ExecType, &sk.Enabled, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
			return nil, wrapDB("scan skill", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// SetSkillEnabled toggles a skill by name.
func (s *Store) SetSkillEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE installed_skills SET enabled = ?, updated_at = ? WHERE name = ?`,
		enabled, time.Now().UTC(), name)
	if err != nil {
		return wrapDB("set skill enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveSkill uninstalls a skill by name.
func (s *Store) RemoveSkill(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM installed_skills WHERE name = ?`, name)
	if err != nil {
		return wrapDB("remove skill", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
