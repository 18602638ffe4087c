package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/emn-to-imap/model"
	"github.com/dhcgn/emn-to-imap/runner"
	"github.com/dhcgn/emn-to-imap/state"
	"github.com/dhcgn/emn-to-imap/stats"
)

var (
	ErrMissingHost = errors.New("account imap host is empty")
)

type Options struct {
	DryRun bool
}

// Result is the mailbox status observed by a mail check.
type Result struct {
	Mailbox  string
	Messages uint32
	Unseen   uint32
	UIDNext  uint32
}

// Checker triggers a mail check for every request produced by the runner.
// Connections are kept per account for the lifetime of the stage.
type Checker struct {
	opts     Options
	runner   *runner.Runner
	tracker  state.Tracker
	checks   <-chan model.CheckRequest
	logger   *slog.Logger
	sessions map[string]*session
}

type session struct {
	client  *imapclient.Client
	cleanup func()
}

func NewChecker(opts Options, r *runner.Runner, logger *slog.Logger) (*Checker, error) {
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	checker := &Checker{
		opts:     opts,
		runner:   r,
		tracker:  tracker,
		checks:   r.Checks(),
		logger:   logger,
		sessions: make(map[string]*session),
	}
	r.AddStage("imap", checker.run)
	return checker, nil
}

func (c *Checker) run(ctx context.Context) error {
	defer c.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-c.checks:
			if !ok {
				return nil
			}

			if c.tracker.AlreadyProcessed(req.Hash) {
				c.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDuplicate, PushID: req.PushID, Address: req.Address})
				continue
			}

			if c.opts.DryRun {
				if err := c.tracker.MarkProcessed(req.Hash, req.Address); err != nil {
					c.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, PushID: req.PushID, Address: req.Address, Err: err})
					return err
				}
				c.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDryRunCheck, PushID: req.PushID, Address: req.Address})
				if c.logger != nil {
					c.logger.Info("dry-run mail check", "pushID", req.PushID, "address", req.Address, "account", req.Account.Name, "folder", folderOf(req.Account))
				}
				continue
			}

			result, err := c.check(ctx, req.Account)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				err = fmt.Errorf("mail check %s: %w", req.Address, err)
				c.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, PushID: req.PushID, Address: req.Address, Err: err})
				if c.logger != nil {
					c.logger.Warn("mail check failed", "pushID", req.PushID, "address", req.Address, "err", err)
				}
				continue
			}

			if err := c.tracker.MarkProcessed(req.Hash, req.Address); err != nil {
				c.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, PushID: req.PushID, Address: req.Address, Err: err})
				return err
			}

			c.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeChecked, PushID: req.PushID, Address: req.Address})
			if c.logger != nil {
				c.logger.Info("mail check", "pushID", req.PushID, "address", req.Address, "account", req.Account.Name,
					"folder", result.Mailbox, "messages", result.Messages, "unseen", result.Unseen, "uidNext", result.UIDNext)
			}
		}
	}
}

// check reuses the account's connection and drops it when the check fails.
func (c *Checker) check(ctx context.Context, account model.Account) (Result, error) {
	key := strings.ToLower(account.Email)

	s, ok := c.sessions[key]
	if !ok {
		client, cleanup, err := c.dial(ctx, account)
		if err != nil {
			return Result{}, err
		}
		s = &session{client: client, cleanup: cleanup}
		c.sessions[key] = s
	}

	result, err := Check(s.client, folderOf(account))
	if err != nil {
		s.cleanup()
		delete(c.sessions, key)
		return Result{}, err
	}
	return result, nil
}

// Check asks the server for the status of folder.
func Check(client *imapclient.Client, folder string) (Result, error) {
	data, err := client.Status(folder, &imapv2.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
		UIDNext:     true,
	}).Wait()
	if err != nil {
		return Result{}, fmt.Errorf("status %s: %w", folder, err)
	}

	result := Result{Mailbox: folder, UIDNext: uint32(data.UIDNext)}
	if data.NumMessages != nil {
		result.Messages = *data.NumMessages
	}
	if data.NumUnseen != nil {
		result.Unseen = *data.NumUnseen
	}
	return result, nil
}

func (c *Checker) dial(ctx context.Context, account model.Account) (*imapclient.Client, func(), error) {
	settings := account.IMAP
	if settings.Host == "" {
		return nil, nil, ErrMissingHost
	}
	address := net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port))
	options := &imapclient.Options{}

	if settings.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         settings.Host,
			InsecureSkipVerify: settings.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if settings.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(settings.Username, settings.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("imap connection established", "address", address, "user", settings.Username, "tls", settings.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if c.logger != nil {
					c.logger.Warn("imap logout failed", "address", address, "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && c.logger != nil {
			c.logger.Debug("imap connection closed", "address", address, "err", err)
		}
	}

	return client, cleanup, nil
}

func (c *Checker) closeAll() {
	for key, s := range c.sessions {
		s.cleanup()
		delete(c.sessions, key)
	}
}

func folderOf(account model.Account) string {
	if account.Folder == "" {
		return "INBOX"
	}
	return account.Folder
}
