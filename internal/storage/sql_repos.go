package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/user"
)

// The SQL below is shared by the sqlite and postgres stores. It is
// written with $N placeholders in order of first occurrence; rebind
// rewrites them to ? for sqlite.

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

func (d dialect) rebind(query string) string {
	if d == dialectSQLite {
		return placeholderPattern.ReplaceAllString(query, "?")
	}
	return query
}

type sqlUserRepo struct {
	db *sql.DB
	d  dialect
}

func (r *sqlUserRepo) Create(ctx context.Context, u user.User) error {
	if u.Username == "" {
		return user.ErrInvalidInput
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, r.d.rebind(`SELECT 1 FROM users WHERE username = $1`), u.Username).Scan(&exists)
	if err == nil {
		return user.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check user exists: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.d.rebind(`INSERT INTO users (username, logged_in, ssh_key_uploaded)
		VALUES ($1, $2, $3)`), u.Username, u.LoggedIn, u.SSHKeyUploaded)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return tx.Commit()
}

func (r *sqlUserRepo) Get(ctx context.Context, username string) (user.User, error) {
	row := r.db.QueryRowContext(ctx, r.d.rebind(`SELECT username, logged_in, ssh_key_uploaded
		FROM users WHERE username = $1`), username)
	var u user.User
	if err := row.Scan(&u.Username, &u.LoggedIn, &u.SSHKeyUploaded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (r *sqlUserRepo) Delete(ctx context.Context, username string) error {
	res, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM users WHERE username = $1`), username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		return user.ErrNotFound
	}
	return nil
}

func (r *sqlUserRepo) List(ctx context.Context) ([]user.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT username, logged_in, ssh_key_uploaded
		FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.Username, &u.LoggedIn, &u.SSHKeyUploaded); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func (r *sqlUserRepo) SetLoggedIn(ctx context.Context, username string, loggedIn bool) error {
	return r.setFlag(ctx, `UPDATE users SET logged_in = $1 WHERE username = $2`, loggedIn, username)
}

func (r *sqlUserRepo) SetSSHKeyUploaded(ctx context.Context, username string, uploaded bool) error {
	return r.setFlag(ctx, `UPDATE users SET ssh_key_uploaded = $1 WHERE username = $2`, uploaded, username)
}

func (r *sqlUserRepo) setFlag(ctx context.Context, query string, value bool, username string) error {
	res, err := r.db.ExecContext(ctx, r.d.rebind(query), value, username)
	if err != nil {
		return fmt.Errorf("update user flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user flag rows affected: %w", err)
	}
	if affected == 0 {
		return user.ErrNotFound
	}
	return nil
}

func (r *sqlUserRepo) ResetAllLoggedIn(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, r.d.rebind(`UPDATE users SET logged_in = $1`), false)
	if err != nil {
		return fmt.Errorf("reset logged_in flags: %w", err)
	}
	return nil
}

type sqlMessageRepo struct {
	db *sql.DB
	d  dialect
}

// Insert evicts the oldest rows and inserts msg in one transaction, so
// the table never holds more than maxCount rows at commit and no reader
// sees it transiently emptied.
func (r *sqlMessageRepo) Insert(ctx context.Context, msg chatlog.Message, maxCount int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxCount > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		if count >= maxCount {
			evict := count - maxCount + 1
			_, err := tx.ExecContext(ctx, r.d.rebind(`DELETE FROM messages WHERE id IN (
				SELECT id FROM messages ORDER BY ts, seq LIMIT $1)`), evict)
			if err != nil {
				return fmt.Errorf("evict oldest messages: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, r.d.rebind(`INSERT INTO messages (id, author_id, content, encrypted, ts, seq)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		msg.ID, msg.AuthorID, msg.Content, msg.Encrypted, msg.Timestamp, int64(msg.Seq))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (r *sqlMessageRepo) ListOrdered(ctx context.Context) ([]chatlog.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, author_id, content, encrypted, ts, seq
		FROM messages ORDER BY ts, seq`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []chatlog.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (r *sqlMessageRepo) Newest(ctx context.Context) (chatlog.Message, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, author_id, content, encrypted, ts, seq
		FROM messages ORDER BY ts DESC, seq DESC LIMIT 1`)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chatlog.Message{}, false, nil
		}
		return chatlog.Message{}, false, err
	}
	return msg, true, nil
}

func scanMessage(scan func(dest ...any) error) (chatlog.Message, error) {
	var msg chatlog.Message
	var seq int64
	if err := scan(&msg.ID, &msg.AuthorID, &msg.Content, &msg.Encrypted, &msg.Timestamp, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chatlog.Message{}, err
		}
		return chatlog.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Seq = uint64(seq)
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, nil
}
