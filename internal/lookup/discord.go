package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultDiscordBaseURL = "https://discord.com/api/v10"
	maxResponseBytes      = 1 << 20
)

// DiscordConfig configures the Discord user lookup.
type DiscordConfig struct {
	BaseURL   string
	BotToken  string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
}

// DiscordGateway looks subjects up through the Discord REST API.
//
// Concurrent lookups for the same subject share one upstream request, and all
// requests pass through a token bucket so a burst of scans cannot trip the
// upstream rate limit.
type DiscordGateway struct {
	cfg     DiscordConfig
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	logger  *slog.Logger
}

type discordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	GlobalName    string `json:"global_name"`
}

// NewDiscordGateway creates a gateway. client may be nil.
func NewDiscordGateway(cfg DiscordConfig, client *http.Client, logger *slog.Logger) *DiscordGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDiscordBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "keygate (https://github.com/keygate, 1.0)"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &DiscordGateway{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(slog.String("component", "discord_gateway")),
	}
}

// Lookup fetches the Discord user with the given snowflake ID.
func (g *DiscordGateway) Lookup(ctx context.Context, subjectID string) (*Subject, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("empty subject id: %w", ErrSubjectNotFound)
	}

	// the shared request must outlive any single caller's cancellation
	ch := g.group.DoChan(subjectID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()
		return g.fetch(fetchCtx, subjectID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		subject := *res.Val.(*Subject)
		return &subject, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("discord lookup %s: %w: %w", subjectID, ErrTransient, ctx.Err())
	}
}

func (g *DiscordGateway) fetch(ctx context.Context, subjectID string) (*Subject, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("discord rate limiter: %w: %w", ErrTransient, err)
	}

	endpoint := g.cfg.BaseURL + "/users/" + url.PathEscape(subjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+g.cfg.BotToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.WarnContext(ctx, "discord request failed",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("discord request: %w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read discord response: %w: %w", ErrTransient, err)
	}

	g.logger.DebugContext(ctx, "discord lookup completed",
		slog.String("subject_id", subjectID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		// Discord answers 400 for IDs that are not valid snowflakes
		return nil, fmt.Errorf("discord user %s: status %d: %w", subjectID, resp.StatusCode, ErrSubjectNotFound)
	default:
		g.logger.WarnContext(ctx, "discord returned an error status",
			slog.String("subject_id", subjectID),
			slog.Int("status", resp.StatusCode),
			slog.String("retry_after", resp.Header.Get("Retry-After")),
			slog.String("body", truncate(string(body), 256)))
		return nil, fmt.Errorf("discord user %s: status %d: %w", subjectID, resp.StatusCode, ErrTransient)
	}

	var user discordUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode discord user: %w: %w", ErrTransient, err)
	}

	subject := &Subject{
		DisplayName:   user.Username,
		Discriminator: user.Discriminator,
		AvatarRef:     user.Avatar,
		RawID:         user.ID,
	}
	if subject.Discriminator == "" {
		subject.Discriminator = "0"
	}
	if subject.RawID == "" {
		subject.RawID = subjectID
	}
	return subject, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
