package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaymail/internal/relaymail"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", strings.TrimSpace(os.Getenv("RELAYMAIL_WATCH_CONFIG")), "optional YAML config file")
	topic := flag.String("topic", "", "pub/sub topic, projects/<project>/topics/<name>")
	webhookURL := flag.String("webhook-url", "", "push endpoint configured on the subscription (informational)")
	renew := flag.Bool("renew", false, "keep renewing the watch instead of exiting")
	stop := flag.Bool("stop", false, "stop push notifications for the mailbox and exit")
	flag.Parse()

	cfg, err := loadWatchConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *topic != "" {
		cfg.Topic = *topic
	}
	if *webhookURL != "" {
		cfg.WebhookURL = *webhookURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 24 * time.Hour
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := gmailService(rootCtx, cfg, os.Stdin, os.Stdout)
	if err != nil {
		log.Fatalf("failed to authenticate: %v", err)
	}

	if *stop {
		ctx, done := context.WithTimeout(rootCtx, cfg.Timeout)
		defer done()
		if err := svc.Users.Stop(cfg.User).Context(ctx).Do(); err != nil {
			log.Fatalf("failed to stop watch: %v", err)
		}
		log.Printf("push notifications stopped for %s", cfg.User)
		return
	}
	if err := cfg.validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.WebhookURL != "" {
		log.Printf("using webhook URL: %s", cfg.WebhookURL)
	}

	run := func() error {
		ctx, done := context.WithTimeout(rootCtx, cfg.Timeout)
		defer done()
		resp, err := setupWatch(ctx, svc, cfg)
		if err != nil {
			return err
		}
		fmt.Println(describeWatch(resp))
		return nil
	}

	if err := run(); err != nil {
		log.Fatalf("failed to set up watch: %v", err)
	}
	if !*renew {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	jitter := clampJitterRatio(cfg.IntervalJitter)
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.RenewInterval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("watch renewal stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			if err := run(); err != nil {
				log.Printf("watch renewal failed: %v", err)
			}
			timer.Reset(jitteredIntervalWithSample(cfg.RenewInterval, jitter, rng.Float64()))
		}
	}
}

func tokenStore(cfg watchConfig) (relaymail.TokenStore, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.TokenStore)); kind {
	case "", "file":
		return relaymail.NewFileTokenStore(cfg.TokenFile), nil
	case "keyring":
		return relaymail.OpenKeyringTokenStore(cfg.KeyringService, cfg.KeyringKey, cfg.KeyringDir)
	default:
		return nil, fmt.Errorf("unsupported token store: %s", kind)
	}
}

func gmailService(ctx context.Context, cfg watchConfig, in io.Reader, out io.Writer) (*gmail.Service, error) {
	oauthConfig, err := relaymail.LoadOAuthConfig(cfg.CredentialsFile, relaymail.GmailScopes...)
	if err != nil {
		return nil, fmt.Errorf("read client credentials %s (download them from the Google Cloud console): %w", cfg.CredentialsFile, err)
	}
	tokens, err := tokenStore(cfg)
	if err != nil {
		return nil, err
	}
	tok, err := ensureToken(ctx, oauthConfig, tokens, in, out)
	if err != nil {
		return nil, err
	}
	return gmail.NewService(ctx, option.WithTokenSource(relaymail.NewSavingTokenSource(oauthConfig, tok, tokens, nil)))
}

type codeExchanger interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ensureToken returns the stored token when it is valid or refreshable, and
// otherwise runs the copy-paste authorization flow and stores the result.
func ensureToken(ctx context.Context, exchanger codeExchanger, tokens relaymail.TokenStore, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	tok, err := tokens.LoadToken()
	switch {
	case err == nil && (tok.Valid() || tok.RefreshToken != ""):
		return tok, nil
	case err == nil:
		fmt.Fprintln(out, "stored token has expired and cannot be refreshed")
	case errors.Is(err, relaymail.ErrNotFound):
	default:
		fmt.Fprintf(out, "ignoring unreadable stored token: %v\n", err)
	}

	authURL := exchanger.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Go to the following link in your browser then type the authorization code:\n%s\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")
	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("no authorization code entered")
	}
	tok, err = exchanger.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := tokens.SaveToken(tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintln(out, "new credentials saved")
	return tok, nil
}

func setupWatch(ctx context.Context, svc *gmail.Service, cfg watchConfig) (*gmail.WatchResponse, error) {
	req := &gmail.WatchRequest{
		TopicName:           cfg.Topic,
		LabelIds:            cfg.LabelIDs,
		LabelFilterBehavior: strings.ToLower(cfg.LabelFilterBehavior),
	}
	return svc.Users.Watch(cfg.User, req).Context(ctx).Do()
}

func describeWatch(resp *gmail.WatchResponse) string {
	if resp == nil {
		return "watch registered"
	}
	expires := time.UnixMilli(resp.Expiration).UTC()
	return fmt.Sprintf("watch registered: historyId=%d expiration=%s", resp.HistoryId, expires.Format(time.RFC3339))
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Second {
		return time.Second
	}
	return delay
}
