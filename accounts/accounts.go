// Package accounts resolves the mailbox address of a notification to a
// configured mail account.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dhcgn/emn-to-imap/model"
)

var ErrNotFound = errors.New("no account for address")

const (
	defaultIMAPPort = 993
	defaultFolder   = "INBOX"
)

// Directory looks up accounts by email address. Lookup returns ErrNotFound
// when no account matches.
type Directory interface {
	Lookup(ctx context.Context, email string) (model.Account, error)
}

// YAMLDirectory is an in-memory directory loaded from a YAML file.
type YAMLDirectory struct {
	accounts map[string]model.Account
}

type yamlFile struct {
	Accounts []yamlAccount `yaml:"accounts"`
}

type yamlAccount struct {
	Name   string   `yaml:"name"`
	Email  string   `yaml:"email"`
	Folder string   `yaml:"folder"`
	IMAP   yamlIMAP `yaml:"imap"`
}

type yamlIMAP struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	PasswordEnv        string `yaml:"password_env"`
	TLS                *bool  `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoadYAML reads an accounts file.
func LoadYAML(path string) (*YAMLDirectory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	dir, err := ParseYAML(b)
	if err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", path, err)
	}
	return dir, nil
}

// ParseYAML builds a directory from YAML content.
func ParseYAML(b []byte) (*YAMLDirectory, error) {
	var f yamlFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}

	dir := &YAMLDirectory{accounts: make(map[string]model.Account, len(f.Accounts))}
	for i, a := range f.Accounts {
		account, err := a.toAccount()
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i+1, err)
		}
		key := normalize(account.Email)
		if _, exists := dir.accounts[key]; exists {
			return nil, fmt.Errorf("account %d: duplicate email %s", i+1, account.Email)
		}
		dir.accounts[key] = account
	}
	return dir, nil
}

func (a yamlAccount) toAccount() (model.Account, error) {
	email := strings.TrimSpace(a.Email)
	if email == "" {
		return model.Account{}, fmt.Errorf("email is required")
	}
	host := strings.TrimSpace(a.IMAP.Host)
	if host == "" {
		return model.Account{}, fmt.Errorf("imap host is required for %s", email)
	}

	port := a.IMAP.Port
	if port == 0 {
		port = defaultIMAPPort
	}
	if port < 0 || port > 65535 {
		return model.Account{}, fmt.Errorf("imap port must be between 1 and 65535 for %s", email)
	}

	useTLS := true
	if a.IMAP.TLS != nil {
		useTLS = *a.IMAP.TLS
	}

	username := a.IMAP.Username
	if username == "" {
		username = email
	}

	password := a.IMAP.Password
	if password == "" && a.IMAP.PasswordEnv != "" {
		password = os.Getenv(a.IMAP.PasswordEnv)
	}

	folder := a.Folder
	if folder == "" {
		folder = defaultFolder
	}

	name := a.Name
	if name == "" {
		name = email
	}

	return model.Account{
		Name:   name,
		Email:  email,
		Folder: folder,
		IMAP: model.IMAPSettings{
			Host:               host,
			Port:               port,
			Username:           username,
			Password:           password,
			UseTLS:             useTLS,
			InsecureSkipVerify: a.IMAP.InsecureSkipVerify,
		},
	}, nil
}

func (d *YAMLDirectory) Lookup(_ context.Context, email string) (model.Account, error) {
	account, ok := d.accounts[normalize(email)]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return account, nil
}

// Len returns the number of configured accounts.
func (d *YAMLDirectory) Len() int {
	return len(d.accounts)
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
