// Package kg implements the bi-temporal knowledge graph: a local embedded
// relational store of entities and relationships, each tracked with two
// independent timelines (valid time and transaction time).
package kg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver; mattn/go-sqlite3 selected via the sqlite3 build tag
)

var logger = slog.Default().With("component", "kg")

// Entity is an immutable record identified by (EntityType, entity key baked
// into ID) with a JSON payload and four timestamps: ValidFrom/ValidTo track
// when the fact was true in the world, TxFrom/TxTo track when the graph
// believed it.
type Entity struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidTo    *time.Time      `json:"valid_to,omitempty"`
	TxFrom     time.Time       `json:"tx_from"`
	TxTo       *time.Time      `json:"tx_to,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Relationship is a bi-temporal edge between two entities.
type Relationship struct {
	ID         string          `json:"id"`
	RelType    string          `json:"rel_type"`
	SourceID   string          `json:"source_id"`
	TargetID   string          `json:"target_id"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidTo    *time.Time      `json:"valid_to,omitempty"`
	TxFrom     time.Time       `json:"tx_from"`
	TxTo       *time.Time      `json:"tx_to,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Graph is the storage engine for the knowledge graph, backed by an
// embedded SQLite file (or ":memory:" for tests).
type Graph struct {
	db *sql.DB
}

// Open creates or attaches to a knowledge-graph store at path and ensures
// the schema and indexes from the data model exist.
func Open(path string) (*Graph, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kg: open %s: %w", path, err)
	}
	g := &Graph{db: db}
	if err := g.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

func (g *Graph) Close() error { return g.db.Close() }

func (g *Graph) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			valid_from TIMESTAMP NOT NULL,
			valid_to TIMESTAMP,
			tx_from TIMESTAMP NOT NULL,
			tx_to TIMESTAMP,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_valid_time ON entities(valid_from, valid_to)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_tx_time ON entities(tx_from, tx_to)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			rel_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			valid_from TIMESTAMP NOT NULL,
			valid_to TIMESTAMP,
			tx_from TIMESTAMP NOT NULL,
			tx_to TIMESTAMP,
			properties TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(rel_type)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_valid_time ON relationships(valid_from, valid_to)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_tx_time ON relationships(tx_from, tx_to)`,
	}
	for _, s := range stmts {
		if _, err := g.db.Exec(s); err != nil {
			return fmt.Errorf("kg: create schema: %w", err)
		}
	}
	return nil
}

// EntityKey builds the deterministic entity ID the data model requires:
// <entity_type>:<key>.
func EntityKey(entityType, key string) string {
	return entityType + ":" + key
}

// InsertEntity performs the upsert rule from the data model: if id is
// empty one is generated; if (type, id) already has a row with tx_to=null,
// that row is closed (tx_to := txFrom) before the new row is inserted, so
// at most one current-belief row ever exists per (type, id).
func (g *Graph) InsertEntity(ctx context.Context, entityType, id string, data json.RawMessage, validFrom time.Time, txFrom time.Time) (*Entity, error) {
	if id == "" {
		id = EntityKey(entityType, uuid.NewString())
	}
	if txFrom.IsZero() {
		txFrom = time.Now().UTC()
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kg: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET tx_to = ? WHERE id = ? AND entity_type = ? AND tx_to IS NULL`,
		txFrom, id, entityType)
	if err != nil {
		return nil, fmt.Errorf("kg: close prior belief: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debug("closed prior belief row for upsert", "entity_id", id, "entity_type", entityType)
	}

	entity := &Entity{
		ID:         id,
		EntityType: entityType,
		ValidFrom:  validFrom,
		TxFrom:     txFrom,
		Data:       data,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (id, entity_type, valid_from, valid_to, tx_from, tx_to, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.EntityType, entity.ValidFrom, entity.ValidTo, entity.TxFrom, entity.TxTo, string(entity.Data))
	if err != nil {
		return nil, fmt.Errorf("kg: insert entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kg: commit: %w", err)
	}
	return entity, nil
}

// UpdateEntityTemporalBounds closes the temporal window on an existing
// entity row without changing its data; to change data, InsertEntity a new
// version under the same (type, id).
func (g *Graph) UpdateEntityTemporalBounds(ctx context.Context, id string, validTo, txTo *time.Time) (*Entity, error) {
	row := g.db.QueryRowContext(ctx, `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities WHERE id = ? AND tx_to IS NULL`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, err
	}
	if validTo != nil {
		e.ValidTo = validTo
	}
	if txTo != nil {
		e.TxTo = txTo
	}
	if _, err := g.db.ExecContext(ctx, `UPDATE entities SET valid_to = ?, tx_to = ? WHERE id = ?`, e.ValidTo, e.TxTo, id); err != nil {
		return nil, fmt.Errorf("kg: update temporal bounds: %w", err)
	}
	return e, nil
}

// InsertRelationship records a bi-temporal edge between two entities.
func (g *Graph) InsertRelationship(ctx context.Context, relType, sourceID, targetID string, properties json.RawMessage, validFrom, txFrom time.Time) (*Relationship, error) {
	if txFrom.IsZero() {
		txFrom = time.Now().UTC()
	}
	rel := &Relationship{
		ID:         "rel:" + uuid.NewString(),
		RelType:    relType,
		SourceID:   sourceID,
		TargetID:   targetID,
		ValidFrom:  validFrom,
		TxFrom:     txFrom,
		Properties: properties,
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO relationships (id, rel_type, source_id, target_id, valid_from, valid_to, tx_from, tx_to, properties) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.RelType, rel.SourceID, rel.TargetID, rel.ValidFrom, rel.ValidTo, rel.TxFrom, rel.TxTo, string(rel.Properties))
	if err != nil {
		return nil, fmt.Errorf("kg: insert relationship: %w", err)
	}
	return rel, nil
}

// QueryFilter narrows Entity queries by type, with an optional limit.
type QueryFilter struct {
	EntityType string
	Limit      int
}

// QueryAsOf answers "what did the system believe at tx_time": rows where
// tx_from <= tx_time < coalesce(tx_to, +inf).
func (g *Graph) QueryAsOf(ctx context.Context, txTime time.Time, f QueryFilter) ([]*Entity, error) {
	query := `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities
		WHERE tx_from <= ? AND (tx_to IS NULL OR tx_to > ?)`
	args := []any{txTime, txTime}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	query += " ORDER BY tx_from DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return g.queryEntities(ctx, query, args...)
}

// QueryValidAt answers "what was true at valid_time" among current beliefs
// only: valid_from <= valid_time < coalesce(valid_to, +inf) AND tx_to IS NULL.
func (g *Graph) QueryValidAt(ctx context.Context, validTime time.Time, f QueryFilter) ([]*Entity, error) {
	query := `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities
		WHERE valid_from <= ? AND (valid_to IS NULL OR valid_to > ?) AND tx_to IS NULL`
	args := []any{validTime, validTime}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	query += " ORDER BY valid_from DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return g.queryEntities(ctx, query, args...)
}

// GetEntity returns the current-belief row for id, if any.
func (g *Graph) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := g.db.QueryRowContext(ctx, `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities WHERE id = ? AND tx_to IS NULL`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Direction selects which side of a relationship GetRelated traverses.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// RelatedResult pairs a current-belief relationship with its current-belief
// related entity.
type RelatedResult struct {
	Relationship *Relationship
	Entity       *Entity
}

// GetRelated joins current-belief relationships to current-belief entities.
func (g *Graph) GetRelated(ctx context.Context, entityID, relType string, direction Direction) ([]RelatedResult, error) {
	var results []RelatedResult

	run := func(query string) error {
		args := []any{entityID}
		if relType != "" {
			query += " AND r.rel_type = ?"
			args = append(args, relType)
		}
		rows, err := g.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("kg: get related: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rel Relationship
			var ent Entity
			var relValidTo, relTxTo, entValidTo, entTxTo sql.NullTime
			var relProps sql.NullString
			var entData string
			if err := rows.Scan(
				&rel.ID, &rel.RelType, &rel.SourceID, &rel.TargetID, &rel.ValidFrom, &relValidTo, &rel.TxFrom, &relTxTo, &relProps,
				&ent.ID, &ent.EntityType, &ent.ValidFrom, &entValidTo, &ent.TxFrom, &entTxTo, &entData,
			); err != nil {
				return fmt.Errorf("kg: scan related row: %w", err)
			}
			rel.ValidTo = nullTimePtr(relValidTo)
			rel.TxTo = nullTimePtr(relTxTo)
			if relProps.Valid {
				rel.Properties = json.RawMessage(relProps.String)
			}
			ent.ValidTo = nullTimePtr(entValidTo)
			ent.TxTo = nullTimePtr(entTxTo)
			ent.Data = json.RawMessage(entData)
			results = append(results, RelatedResult{Relationship: &rel, Entity: &ent})
		}
		return rows.Err()
	}

	if direction == DirectionOutgoing || direction == DirectionBoth {
		if err := run(`SELECT r.id, r.rel_type, r.source_id, r.target_id, r.valid_from, r.valid_to, r.tx_from, r.tx_to, r.properties,
			e.id, e.entity_type, e.valid_from, e.valid_to, e.tx_from, e.tx_to, e.data
			FROM relationships r JOIN entities e ON r.target_id = e.id
			WHERE r.source_id = ? AND r.tx_to IS NULL AND e.tx_to IS NULL`); err != nil {
			return nil, err
		}
	}
	if direction == DirectionIncoming || direction == DirectionBoth {
		if err := run(`SELECT r.id, r.rel_type, r.source_id, r.target_id, r.valid_from, r.valid_to, r.tx_from, r.tx_to, r.properties,
			e.id, e.entity_type, e.valid_from, e.valid_to, e.tx_from, e.tx_to, e.data
			FROM relationships r JOIN entities e ON r.source_id = e.id
			WHERE r.target_id = ? AND r.tx_to IS NULL AND e.tx_to IS NULL`); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// SearchKnowledge is a text/tag filter over current-belief entities. Since
// the embedded store has no full-text index, matching is a substring scan
// over the JSON payload plus an optional key-pattern/type filter — adequate
// for a single-operator knowledge base.
func (g *Graph) SearchKnowledge(ctx context.Context, entityType, keyPattern string, tags []string, limit int) ([]*Entity, error) {
	query := `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities WHERE tx_to IS NULL`
	var args []any
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	if keyPattern != "" {
		query += " AND id LIKE ?"
		args = append(args, "%"+keyPattern+"%")
	}
	for _, tag := range tags {
		query += " AND data LIKE ?"
		args = append(args, "%"+tag+"%")
	}
	query += " ORDER BY tx_from DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return g.queryEntities(ctx, query, args...)
}

// FindLateDiscoveries returns rows where the gap between learning about a
// fact and the fact becoming true is at least minDelay.
func (g *Graph) FindLateDiscoveries(ctx context.Context, minDelay time.Duration) ([]*Entity, error) {
	entities, err := g.queryEntities(ctx, `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities WHERE tx_to IS NULL ORDER BY tx_from DESC`)
	if err != nil {
		return nil, err
	}
	var late []*Entity
	for _, e := range entities {
		if e.TxFrom.Sub(e.ValidFrom) >= minDelay {
			late = append(late, e)
		}
	}
	return late, nil
}

// Change describes an entity that was newly discovered or whose belief was
// newly closed within a WhatChangedRecently window.
type Change struct {
	Entity *Entity
	Kind   string // "discovered" or "closed"
}

// WhatChangedRecently reports entities newly believed and beliefs newly
// closed within [now-window, now].
func (g *Graph) WhatChangedRecently(ctx context.Context, window time.Duration) ([]Change, error) {
	now := time.Now().UTC()
	since := now.Add(-window)

	discovered, err := g.queryEntities(ctx, `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities WHERE tx_from >= ? AND tx_from <= ? ORDER BY tx_from DESC`, since, now)
	if err != nil {
		return nil, err
	}
	closed, err := g.queryEntities(ctx, `SELECT id, entity_type, valid_from, valid_to, tx_from, tx_to, data FROM entities WHERE tx_to IS NOT NULL AND tx_to >= ? AND tx_to <= ? ORDER BY tx_to DESC`, since, now)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(discovered)+len(closed))
	for _, e := range discovered {
		changes = append(changes, Change{Entity: e, Kind: "discovered"})
	}
	for _, e := range closed {
		changes = append(changes, Change{Entity: e, Kind: "closed"})
	}
	return changes, nil
}

// Stats reports entity/relationship counts for the current belief set,
// grouped by type.
type Stats struct {
	TotalEntities        int            `json:"total_entities"`
	EntitiesByType       map[string]int `json:"entities_by_type"`
	TotalRelationships   int            `json:"total_relationships"`
	RelationshipsByType  map[string]int `json:"relationships_by_type"`
}

func (g *Graph) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{EntitiesByType: map[string]int{}, RelationshipsByType: map[string]int{}}

	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE tx_to IS NULL`).Scan(&s.TotalEntities); err != nil {
		return nil, fmt.Errorf("kg: count entities: %w", err)
	}
	rows, err := g.db.QueryContext(ctx, `SELECT entity_type, COUNT(*) FROM entities WHERE tx_to IS NULL GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("kg: group entities: %w", err)
	}
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			rows.Close()
			return nil, err
		}
		s.EntitiesByType[t] = c
	}
	rows.Close()

	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships WHERE tx_to IS NULL`).Scan(&s.TotalRelationships); err != nil {
		return nil, fmt.Errorf("kg: count relationships: %w", err)
	}
	rows, err = g.db.QueryContext(ctx, `SELECT rel_type, COUNT(*) FROM relationships WHERE tx_to IS NULL GROUP BY rel_type`)
	if err != nil {
		return nil, fmt.Errorf("kg: group relationships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return nil, err
		}
		s.RelationshipsByType[t] = c
	}
	return s, rows.Err()
}

func (g *Graph) queryEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kg: query: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var e Entity
		var validTo, txTo sql.NullTime
		var data string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.ValidFrom, &validTo, &e.TxFrom, &txTo, &data); err != nil {
			return nil, fmt.Errorf("kg: scan entity: %w", err)
		}
		e.ValidTo = nullTimePtr(validTo)
		e.TxTo = nullTimePtr(txTo)
		e.Data = json.RawMessage(data)
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var validTo, txTo sql.NullTime
	var data string
	if err := row.Scan(&e.ID, &e.EntityType, &e.ValidFrom, &validTo, &e.TxFrom, &txTo, &data); err != nil {
		return nil, err
	}
	e.ValidTo = nullTimePtr(validTo)
	e.TxTo = nullTimePtr(txTo)
	e.Data = json.RawMessage(data)
	return &e, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
