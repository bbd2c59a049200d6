// Package resource maps resource-type tags to per-kind lookup
// capabilities. All authorization flows through this catalog; a type
// without a registered resolver never resolves as owned.
package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeNote        Type = "NOTE"
	TypeTask        Type = "TASK"
	TypeEvent       Type = "EVENT"
	TypeFile        Type = "FILE"
	TypeFolder      Type = "FOLDER"
	TypeChat        Type = "CHAT"
	TypeColumn      Type = "COLUMN"
	TypeKanbanBoard Type = "KANBAN_BOARD"
)

var known = map[Type]struct{}{
	TypeNote: {}, TypeTask: {}, TypeEvent: {}, TypeFile: {},
	TypeFolder: {}, TypeChat: {}, TypeColumn: {}, TypeKanbanBoard: {},
}

func ValidType(t Type) bool {
	_, ok := known[t]
	return ok
}

// Record is a fetched resource, shape-agnostic: the row is serialized by
// the database and passed through to the API response.
type Record struct {
	Type Type            `json:"resourceType"`
	ID   int64           `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Resolver is the narrow per-kind capability the engines need: an
// ownership existence check and a fetch.
type Resolver interface {
	Exists(ctx context.Context, id, userID int64) (bool, error)
	Fetch(ctx context.Context, id int64) (*Record, error)
}

type Catalog struct {
	resolvers map[Type]Resolver
}

// NewCatalog registers the resolvers for the resource kinds the sharing
// engine supports. CHAT and KANBAN_BOARD stay unregistered: they are
// valid type tags, but ownership resolves false until a resolver lands.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{resolvers: map[Type]Resolver{
		TypeNote:   &tableResolver{db: db, typ: TypeNote, table: "notes"},
		TypeTask:   &tableResolver{db: db, typ: TypeTask, table: "tasks"},
		TypeEvent:  &tableResolver{db: db, typ: TypeEvent, table: "calendar_events"},
		TypeFile:   &tableResolver{db: db, typ: TypeFile, table: "files"},
		TypeFolder: &tableResolver{db: db, typ: TypeFolder, table: "files"},
		TypeColumn: &tableResolver{db: db, typ: TypeColumn, table: "task_columns"},
	}}
}

// Owns reports whether userID owns the resource. Unknown or unregistered
// types resolve false, never an error.
func (c *Catalog) Owns(ctx context.Context, t Type, id, userID int64) (bool, error) {
	resolver, ok := c.resolvers[t]
	if !ok {
		return false, nil
	}
	return resolver.Exists(ctx, id, userID)
}

// Fetch returns the resource, or nil when the type has no resolver or
// the row is gone.
func (c *Catalog) Fetch(ctx context.Context, t Type, id int64) (*Record, error) {
	resolver, ok := c.resolvers[t]
	if !ok {
		return nil, nil
	}
	return resolver.Fetch(ctx, id)
}

// tableResolver serves every registered kind: all resource tables share
// the (id, user_id) ownership shape. Table names come from the fixed
// registration set above, never from input.
type tableResolver struct {
	db    *sql.DB
	typ   Type
	table string
}

func (r *tableResolver) Exists(ctx context.Context, id, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+r.table+` WHERE id=$1 AND user_id=$2)`,
		id, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s ownership: %w", r.table, err)
	}
	return exists, nil
}

func (r *tableResolver) Fetch(ctx context.Context, id int64) (*Record, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT row_to_json(t) FROM `+r.table+` t WHERE id=$1`,
		id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.table, err)
	}
	return &Record{Type: r.typ, ID: id, Data: json.RawMessage(data)}, nil
}
