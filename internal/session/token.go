package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	xrate "golang.org/x/time/rate"

	"gridflow/logger"
)

// ErrAuth marks an authentication rejection from the token endpoint.
// Never retried; the caller aborts startup.
var ErrAuth = errors.New("authentication rejected")

// TokenConfig configures the websocket-token REST client.
type TokenConfig struct {
	URL    string
	Key    string
	Secret string
	// TTL is how long a fetched token is reused before a fresh one is
	// requested, so reconnect storms do not hammer the token endpoint.
	TTL time.Duration
	// MaxAttempts bounds retries of transient failures per Token call.
	MaxAttempts int
	Timeout     time.Duration
}

// TokenClient fetches and caches the bearer token that authenticates
// the private websocket session.
type TokenClient struct {
	cfg     TokenConfig
	http    *http.Client
	limiter *xrate.Limiter

	mu        sync.Mutex
	token     string
	fetchedAt time.Time

	log *logger.Entry
}

// NewTokenClient creates a token client. REST calls are throttled to one
// per second with a small burst regardless of caller behavior.
func NewTokenClient(cfg TokenConfig) *TokenClient {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TokenClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: xrate.NewLimiter(xrate.Limit(1), 2),
		log:     logger.GetLogger().WithComponent("token_client"),
	}
}

// Token returns a cached token while its age is below the TTL, otherwise
// fetches a fresh one. Transient errors are retried with exponential
// backoff; an authentication error fails immediately with ErrAuth.
func (c *TokenClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Since(c.fetchedAt) < c.cfg.TTL {
		return c.token, nil
	}

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		token, err := c.fetch(ctx)
		if err == nil {
			c.token = token
			c.fetchedAt = time.Now()
			c.log.Debug("websocket token refreshed")
			return token, nil
		}
		if errors.Is(err, ErrAuth) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		c.log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("token fetch failed, retrying")
	}
	return "", fmt.Errorf("token fetch exhausted retries: %w", lastErr)
}

// Invalidate drops the cached token, forcing the next Token call to hit
// the endpoint.
func (c *TokenClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

func (c *TokenClient) fetch(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	parsed, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse token url: %w", err)
	}
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	postData := "nonce=" + nonce

	sig, err := sign(c.cfg.Secret, parsed.Path, nonce, postData)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(postData))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.Key)
	req.Header.Set("API-Sign", sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Error  []string `json:"error"`
		Result struct {
			Token   string `json:"token"`
			Expires int    `json:"expires"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if len(body.Error) > 0 {
		msg := strings.Join(body.Error, ", ")
		if strings.Contains(msg, "EAPI:") || strings.Contains(msg, "EAuth") {
			return "", fmt.Errorf("%w: %s", ErrAuth, msg)
		}
		return "", fmt.Errorf("token endpoint error: %s", msg)
	}
	if body.Result.Token == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}
	return body.Result.Token, nil
}

// sign computes the request signature: HMAC-SHA512 over path plus
// SHA-256(nonce+postdata), keyed with the base64-decoded API secret.
func sign(secret, path, nonce, postData string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
