package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"chatrelay/models"

	"golang.org/x/crypto/bcrypt"
)

const userColumns = "id, login, password, first_name, last_name, patronymic, is_admin, created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var createdStr string
	if err := row.Scan(&u.ID, &u.Login, &u.Password, &u.FirstName, &u.LastName, &u.Patronymic, &u.IsAdmin, &createdStr); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	return &u, nil
}

func (db *DB) CreateUser(ctx context.Context, user models.User, password string) (*models.User, error) {
	if user.Login == "" || password == "" {
		return nil, errors.New("login and password are required")
	}

	exists, err := db.UserExists(ctx, user.Login)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (login, password, first_name, last_name, patronymic, is_admin, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.Login, string(hashed), user.FirstName, user.LastName, user.Patronymic, user.IsAdmin, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}

	user.ID, _ = result.LastInsertId()
	user.Password = string(hashed)
	user.CreatedAt = now.Truncate(time.Second)
	return &user, nil
}

// AuthenticateUser returns the user when the password matches its bcrypt hash.
func (db *DB) AuthenticateUser(ctx context.Context, login, password string) (*models.User, error) {
	user, err := db.GetUser(ctx, login)
	if errors.Is(err, ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (db *DB) GetUser(ctx context.Context, login string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE login = ?", login)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return user, err
}

func (db *DB) UserExists(ctx context.Context, login string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// AdminLogins lists every identity flagged as administrator.
func (db *DB) AdminLogins(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT login FROM users WHERE is_admin = 1 ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

func (db *DB) UpdateUser(ctx context.Context, login string, update models.UserUpdate) error {
	var sets []string
	var args []any

	if update.Password != nil {
		hashed, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		sets = append(sets, "password = ?")
		args = append(args, string(hashed))
	}
	if update.FirstName != nil {
		sets = append(sets, "first_name = ?")
		args = append(args, *update.FirstName)
	}
	if update.LastName != nil {
		sets = append(sets, "last_name = ?")
		args = append(args, *update.LastName)
	}
	if update.Patronymic != nil {
		sets = append(sets, "patronymic = ?")
		args = append(args, *update.Patronymic)
	}
	if update.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, *update.IsAdmin)
	}

	if len(sets) == 0 {
		exists, err := db.UserExists(ctx, login)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNoRows
		}
		return nil
	}

	args = append(args, login)
	result, err := db.conn.ExecContext(ctx, "UPDATE users SET "+strings.Join(sets, ", ")+" WHERE login = ?", args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// SeedDefaults creates the bootstrap administrator and test user when absent.
func (db *DB) SeedDefaults(ctx context.Context) error {
	defaults := []struct {
		user     models.User
		password string
	}{
		{models.User{Login: "admin", FirstName: "Admin", LastName: "User", IsAdmin: true}, "admin"},
		{models.User{Login: "user", FirstName: "Test", LastName: "User"}, "user"},
	}

	for _, d := range defaults {
		if _, err := db.CreateUser(ctx, d.user, d.password); err != nil && !errors.Is(err, ErrUserExists) {
			return err
		}
	}
	return nil
}
