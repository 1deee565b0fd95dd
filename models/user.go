package models

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"
	"golang.org/x/crypto/bcrypt"
)

// User represents a household member. Users are themselves synced entities:
// the name/email/enabled fields travel through the sync protocol like task
// fields do. The password hash is server-only bookkeeping — it never syncs
// and is excluded from the content hash.
type User struct {
	ID           int64          `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	Email        sql.NullString `db:"email" json:"email,omitempty"`
	PasswordHash sql.NullString `db:"password_hash" json:"-"`
	Enabled      bool           `db:"enabled" json:"enabled"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	DeletedAt    sql.NullTime   `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the user is a tombstone.
func (u *User) Deleted() bool {
	return u.DeletedAt.Valid
}

// SemanticFields returns the canonical field set for hashing.
func (u *User) SemanticFields() map[string]string {
	fields := map[string]string{
		"id":         canonicalInt(u.ID),
		"name":       u.Name,
		"enabled":    canonicalBool(u.Enabled),
		"updated_at": canonicalTime(u.UpdatedAt),
		"deleted":    canonicalBool(u.Deleted()),
	}
	if u.Email.Valid {
		fields["email"] = u.Email.String
	}
	return fields
}

// Hash returns the canonical content digest for this user version.
func (u *User) Hash() string {
	return HashFields(u.SemanticFields())
}

// UserOutput is the JSON-friendly wire form of User.
type UserOutput struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted"`
	Hash      string    `json:"hash"`
}

// ToOutput converts a User to its wire form.
func (u *User) ToOutput() UserOutput {
	out := UserOutput{
		ID:        u.ID,
		Name:      u.Name,
		Enabled:   u.Enabled,
		UpdatedAt: normalizeTimestamp(u.UpdatedAt),
		Deleted:   u.Deleted(),
		Hash:      u.Hash(),
	}
	if u.Email.Valid {
		out.Email = &u.Email.String
	}
	return out
}

const userColumns = `id, name, email, password_hash, enabled, created_at, updated_at, deleted_at`

func scanUser(row interface {
	Scan(dest ...interface{}) error
}) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Enabled,
		&u.CreatedAt, &u.UpdatedAt, &u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByID retrieves a user by id, tombstones included.
func GetUserByID(id int64) (*User, error) {
	row := db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get user by id")
	}
	return user, nil
}

// GetUserByName retrieves a live user by login name (case-insensitive).
func GetUserByName(name string) (*User, error) {
	row := db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE lower(name) = ? AND deleted_at IS NULL`,
		strings.ToLower(name),
	)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get user by name")
	}
	return user, nil
}

// UserRegisterInput is the request shape for account registration.
type UserRegisterInput struct {
	Name     string  `json:"name"`
	Password string  `json:"password"`
	Email    *string `json:"email,omitempty"`
}

// RegisterUser creates a new user account with a bcrypt password hash.
// Registration goes through the regular store (not the sync protocol) so the
// hash never travels in a change payload.
func RegisterUser(input UserRegisterInput) (*User, error) {
	if len(input.Password) < 8 {
		return nil, serr.New("password must be at least 8 characters")
	}
	if input.Name == "" {
		return nil, serr.New("name is required")
	}

	existing, err := GetUserByName(input.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, serr.New("user already exists: " + input.Name)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, serr.Wrap(err, "failed to hash password")
	}

	now := normalizeTimestamp(time.Now())
	email := sql.NullString{}
	if input.Email != nil {
		email = sql.NullString{String: *input.Email, Valid: true}
	}

	row := db.QueryRow(
		`INSERT INTO users (name, email, password_hash, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, true, ?, ?)
		 RETURNING `+userColumns,
		input.Name, email, string(hash), now, now,
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, serr.Wrap(err, "failed to insert user")
	}

	if err := AdvanceMetadata(metaKeyForEntity(EntityUser), user.UpdatedAt); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies a name/password pair and returns the user on success.
func Authenticate(name, password string) (*User, error) {
	user, err := GetUserByName(name)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Enabled {
		return nil, serr.New("invalid credentials")
	}
	if !user.PasswordHash.Valid {
		return nil, serr.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash.String), []byte(password)); err != nil {
		return nil, serr.New("invalid credentials")
	}
	return user, nil
}

// GetAllUsers returns every user row, tombstones included.
func GetAllUsers() ([]*User, error) {
	rows, err := db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id`)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan user row")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUsersChangedSince returns users updated strictly after the checkpoint.
func GetUsersChangedSince(since time.Time, limit int) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE updated_at > ? ORDER BY updated_at ASC`
	args := []interface{}{normalizeTimestamp(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query changed users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan changed user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
