package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dhcgn/emn-to-imap/model"
)

const DefaultTable = "accounts"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLDirectory looks up accounts in a SQL table with the columns
// name, email, imap_host, imap_port, imap_username, imap_password, imap_tls
// and folder.
type SQLDirectory struct {
	db    *sql.DB
	query string
}

// OpenMySQL connects to a MySQL account store.
func OpenMySQL(dsn, table string) (*SQLDirectory, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse accounts dsn: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	dir, err := NewSQLDirectory(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return dir, nil
}

func NewSQLDirectory(db *sql.DB, table string) (*SQLDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("db must not be nil")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid accounts table name %q", table)
	}

	return &SQLDirectory{
		db: db,
		query: "SELECT name, email, imap_host, imap_port, imap_username, imap_password, imap_tls, folder FROM " +
			table + " WHERE LOWER(email) = LOWER(?) LIMIT 1",
	}, nil
}

func (d *SQLDirectory) Lookup(ctx context.Context, email string) (model.Account, error) {
	var (
		name, username, password, folder sql.NullString
		port                             sql.NullInt64
		useTLS                           sql.NullBool
		account                          model.Account
	)

	row := d.db.QueryRowContext(ctx, d.query, normalize(email))
	err := row.Scan(
		&name,
		&account.Email,
		&account.IMAP.Host,
		&port,
		&username,
		&password,
		&useTLS,
		&folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("lookup account %s: %w", email, err)
	}

	account.Name = name.String
	if account.Name == "" {
		account.Name = account.Email
	}
	account.IMAP.Username = username.String
	if account.IMAP.Username == "" {
		account.IMAP.Username = account.Email
	}
	account.IMAP.Password = password.String
	account.Folder = folder.String
	if account.Folder == "" {
		account.Folder = defaultFolder
	}
	account.IMAP.Port = int(port.Int64)
	if account.IMAP.Port == 0 {
		account.IMAP.Port = defaultIMAPPort
	}
	if account.IMAP.Port < 0 || account.IMAP.Port > 65535 {
		return model.Account{}, fmt.Errorf("lookup account %s: invalid imap port %d", email, port.Int64)
	}
	account.IMAP.UseTLS = !useTLS.Valid || useTLS.Bool

	return account, nil
}

// Ping verifies the store is reachable.
func (d *SQLDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}
