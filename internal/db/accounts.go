package db

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	ErrUsernameTaken     = errors.New("username already taken")
	ErrInvalidCredential = errors.New("invalid username or password")
)

type AccountRecord struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// CreateAccount registers a username with a salted password hash.
func (d *DB) CreateAccount(username, password string) (*AccountRecord, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)
	hash := hashPassword(saltHex, password)

	var rec AccountRecord
	rec.Username = username
	err := d.conn.QueryRow(`
		INSERT INTO accounts (username, password_hash, password_salt)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, username, hash, saltHex).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return &rec, nil
}

// Authenticate checks a username/password pair. The hash comparison is
// constant-time; a missing account and a wrong password are
// indistinguishable to the caller.
func (d *DB) Authenticate(username, password string) (*AccountRecord, error) {
	var rec AccountRecord
	var hash, salt string
	err := d.conn.QueryRow(`
		SELECT id, username, password_hash, password_salt, created_at
		FROM accounts WHERE lower(username) = lower($1)
	`, username).Scan(&rec.ID, &rec.Username, &hash, &salt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	expected := hashPassword(salt, password)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) != 1 {
		return nil, ErrInvalidCredential
	}
	return &rec, nil
}

func hashPassword(saltHex, password string) string {
	sum := sha256.Sum256([]byte(saltHex + ":" + password))
	return hex.EncodeToString(sum[:])
}
