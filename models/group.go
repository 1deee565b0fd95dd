package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// Group collects related tasks (e.g. "kitchen", "yard"). Groups sync with
// the same precedence rules as tasks and users.
type Group struct {
	ID        int64        `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	Enabled   bool         `db:"enabled" json:"enabled"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
	DeletedAt sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the group is a tombstone.
func (g *Group) Deleted() bool {
	return g.DeletedAt.Valid
}

// SemanticFields returns the canonical field set for hashing.
func (g *Group) SemanticFields() map[string]string {
	return map[string]string{
		"id":         canonicalInt(g.ID),
		"name":       g.Name,
		"enabled":    canonicalBool(g.Enabled),
		"updated_at": canonicalTime(g.UpdatedAt),
		"deleted":    canonicalBool(g.Deleted()),
	}
}

// Hash returns the canonical content digest for this group version.
func (g *Group) Hash() string {
	return HashFields(g.SemanticFields())
}

// GroupOutput is the JSON-friendly wire form of Group.
type GroupOutput struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted"`
	Hash      string    `json:"hash"`
}

// ToOutput converts a Group to its wire form.
func (g *Group) ToOutput() GroupOutput {
	return GroupOutput{
		ID:        g.ID,
		Name:      g.Name,
		Enabled:   g.Enabled,
		UpdatedAt: normalizeTimestamp(g.UpdatedAt),
		Deleted:   g.Deleted(),
		Hash:      g.Hash(),
	}
}

const groupColumns = `id, name, enabled, created_at, updated_at, deleted_at`

func scanGroup(row interface {
	Scan(dest ...interface{}) error
}) (*Group, error) {
	g := &Group{}
	err := row.Scan(&g.ID, &g.Name, &g.Enabled, &g.CreatedAt, &g.UpdatedAt, &g.DeletedAt)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGroupByID retrieves a group by id, tombstones included.
func GetGroupByID(id int64) (*Group, error) {
	row := db.QueryRow(`SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)

	group, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get group by id")
	}
	return group, nil
}

// GetAllGroups returns every group row, tombstones included.
func GetAllGroups() ([]*Group, error) {
	rows, err := db.Query(`SELECT ` + groupColumns + ` FROM groups ORDER BY id`)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query groups")
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan group row")
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroupsChangedSince returns groups updated strictly after the checkpoint.
func GetGroupsChangedSince(since time.Time, limit int) ([]*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE updated_at > ? ORDER BY updated_at ASC`
	args := []interface{}{normalizeTimestamp(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query changed groups")
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan changed group")
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
