package relaymail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailScopes is the scope set the watch CLI requests and the server expects.
var GmailScopes = []string{gmail.MailGoogleComScope}

// TokenStore persists the OAuth token. LoadToken returns ErrNotFound when no
// token has been stored.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON on disk (token.json layout).
type FileTokenStore struct {
	Path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: strings.TrimSpace(path)}
}

func (s *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: token file %s", ErrNotFound, s.Path)
		}
		return nil, err
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", s.Path, err)
	}
	return tok, nil
}

func (s *FileTokenStore) SaveToken(tok *oauth2.Token) error {
	if tok == nil {
		return ErrInvalidInput
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Watch calls onChange whenever the token file is created, rewritten or
// removed, until ctx is done. The parent directory is watched so atomic
// renames are seen.
func (s *FileTokenStore) Watch(ctx context.Context, onChange func(), logger Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.Path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					logger.Printf("relaymail: token file changed (%s)", event.Op)
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("warning: relaymail: token watcher: %v", err)
			}
		}
	}()
	return nil
}

const defaultKeyringService = "relaymail"

// KeyringTokenStore keeps the token in the OS keyring under one item.
type KeyringTokenStore struct {
	ring keyring.Keyring
	key  string
}

func OpenKeyringTokenStore(service, key, fileDir string) (*KeyringTokenStore, error) {
	if strings.TrimSpace(service) == "" {
		service = defaultKeyringService
	}
	if strings.TrimSpace(fileDir) == "" {
		fileDir = "~/.config/relaymail/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringTokenStore(ring, key), nil
}

func NewKeyringTokenStore(ring keyring.Keyring, key string) *KeyringTokenStore {
	if strings.TrimSpace(key) == "" {
		key = "gmail-token"
	}
	return &KeyringTokenStore{ring: ring, key: key}
}

func (s *KeyringTokenStore) LoadToken() (*oauth2.Token, error) {
	item, err := s.ring.Get(s.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: keyring item %q", ErrNotFound, s.key)
		}
		return nil, fmt.Errorf("getting keyring item %q: %w", s.key, err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(item.Data, tok); err != nil {
		return nil, fmt.Errorf("parse keyring item %q: %w", s.key, err)
	}
	return tok, nil
}

func (s *KeyringTokenStore) SaveToken(tok *oauth2.Token) error {
	if tok == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := s.ring.Set(keyring.Item{Key: s.key, Data: data, Label: "relaymail gmail token"}); err != nil {
		return fmt.Errorf("setting keyring item %q: %w", s.key, err)
	}
	return nil
}

// LoadOAuthConfig reads a Google client secret file (credentials.json).
func LoadOAuthConfig(credentialsPath string, scopes ...string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		scopes = GmailScopes
	}
	return google.ConfigFromJSON(data, scopes...)
}

// savingTokenSource writes refreshed tokens back to the store.
type savingTokenSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger Logger

	mu   sync.Mutex
	last string
}

// NewSavingTokenSource wraps the config's token source for tok so every
// refreshed token is written back to store.
func NewSavingTokenSource(cfg *oauth2.Config, tok *oauth2.Token, store TokenStore, logger Logger) oauth2.TokenSource {
	if logger == nil {
		logger = log.Default()
	}
	// The refresh client must outlive any request context.
	base := cfg.TokenSource(context.Background(), tok)
	return &savingTokenSource{
		base:   oauth2.ReuseTokenSource(tok, base),
		store:  store,
		logger: logger,
		last:   tok.AccessToken,
	}
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := s.store.SaveToken(tok); err != nil {
			s.logger.Printf("warning: relaymail: persist refreshed token: %v", err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

type GmailConnectorOptions struct {
	OAuthConfig *oauth2.Config
	Tokens      TokenStore
	User        string
	CallTimeout time.Duration
	Breaker     *gobreaker.CircuitBreaker
	Logger      Logger
	// ServiceOptions are appended when building the Gmail client, e.g. an
	// endpoint override in tests.
	ServiceOptions []option.ClientOption
}

// GmailConnector is the MailboxProvider backed by stored OAuth credentials.
// The Gmail client is built once and reused until Invalidate.
type GmailConnector struct {
	opts   GmailConnectorOptions
	logger Logger

	mu      sync.Mutex
	source  oauth2.TokenSource
	mailbox *GmailMailbox
}

func NewGmailConnector(opts GmailConnectorOptions) *GmailConnector {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewGmailBreaker(logger)
	}
	return &GmailConnector{opts: opts, logger: logger}
}

// Mailbox returns a Gmail mailbox after checking that a usable access token
// can be produced, refreshing it if needed.
func (c *GmailConnector) Mailbox(ctx context.Context) (Mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mailbox == nil {
		if err := c.buildLocked(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := c.source.Token(); err != nil {
		c.mailbox, c.source = nil, nil
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationUnavailable, err)
	}
	return c.mailbox, nil
}

// Invalidate drops the cached client so the next call reloads the token.
func (c *GmailConnector) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mailbox, c.source = nil, nil
}

func (c *GmailConnector) buildLocked(ctx context.Context) error {
	if c.opts.OAuthConfig == nil || c.opts.Tokens == nil {
		return fmt.Errorf("%w: gmail credentials are not configured", ErrAuthenticationUnavailable)
	}
	tok, err := c.opts.Tokens.LoadToken()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationUnavailable, err)
	}
	if !tok.Valid() && tok.RefreshToken == "" {
		return fmt.Errorf("%w: stored token expired and has no refresh token", ErrAuthenticationUnavailable)
	}
	source := NewSavingTokenSource(c.opts.OAuthConfig, tok, c.opts.Tokens, c.logger)
	svcOpts := append([]option.ClientOption{option.WithTokenSource(source)}, c.opts.ServiceOptions...)
	svc, err := gmail.NewService(ctx, svcOpts...)
	if err != nil {
		return fmt.Errorf("%w: build gmail client: %v", ErrAuthenticationUnavailable, err)
	}
	c.source = source
	c.mailbox = NewGmailMailbox(svc, GmailMailboxOptions{
		User:        c.opts.User,
		CallTimeout: c.opts.CallTimeout,
		Breaker:     c.opts.Breaker,
		Logger:      c.logger,
	})
	return nil
}
