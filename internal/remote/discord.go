package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/metrics"
	"github.com/threadvault/threadvault/internal/retry"
)

// DiscordConfig holds Discord gateway configuration.
type DiscordConfig struct {
	Token   string
	GuildID string

	// RateLimitRetry bounds the internal backoff applied to rate-limit
	// signals before ErrRemoteUnavailable is surfaced.
	RateLimitRetry retry.Config

	// CallTimeout bounds each individual platform call.
	CallTimeout time.Duration
}

// DiscordGateway implements Gateway on a Discord bot session. Only the
// REST API is used; no websocket connection is opened.
type DiscordGateway struct {
	session *discordgo.Session
	guildID string
	retry   retry.Config
	timeout time.Duration
	client  *http.Client // attachment CDN downloads
}

// NewDiscordGateway creates a gateway from a bot token.
func NewDiscordGateway(cfg DiscordConfig) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	// The gateway owns rate-limit backoff; disable the library's own
	// transparent retry so 429s reach classify().
	session.ShouldRetryOnRateLimit = false

	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &DiscordGateway{
		session: session,
		guildID: cfg.GuildID,
		retry:   cfg.RateLimitRetry,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// CreateContainer creates a guild text channel.
func (g *DiscordGateway) CreateContainer(ctx context.Context, name string) (string, error) {
	start := time.Now()
	id, err := retry.DoWithResult(ctx, g.retry, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		ch, err := g.session.GuildChannelCreateComplex(g.guildID, discordgo.GuildChannelCreateData{
			Name: name,
			Type: discordgo.ChannelTypeGuildText,
		}, discordgo.WithContext(callCtx))
		if err != nil {
			return "", g.classifyRateLimit(err)
		}
		if ch == nil || ch.ID == "" {
			return "", fmt.Errorf("platform returned channel without id")
		}
		return ch.ID, nil
	})
	metrics.RecordGatewayRequest("create_container", err, time.Since(start))
	if err != nil {
		return "", exhausted("create container", err)
	}
	logging.Debug("container created",
		zap.String("container_id", id),
		zap.String("name", name))
	return id, nil
}

// DeleteContainer deletes a channel and all messages in it.
func (g *DiscordGateway) DeleteContainer(ctx context.Context, containerID string) error {
	start := time.Now()
	err := retry.Do(ctx, g.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		_, err := g.session.ChannelDelete(containerID, discordgo.WithContext(callCtx))
		return g.classifyRateLimit(err)
	})
	metrics.RecordGatewayRequest("delete_container", err, time.Since(start))
	if err != nil {
		return exhausted("delete container", err)
	}
	return nil
}

// PutChunk posts one chunk as a message attachment. Transient transport
// failures are returned marked retryable; the caller owns the per-chunk
// retry budget. Rate limits are absorbed here up to the backoff cap.
func (g *DiscordGateway) PutChunk(ctx context.Context, containerID, name string, data []byte) (ChunkRef, error) {
	start := time.Now()
	ref, err := retry.DoWithResult(ctx, g.retry, func() (ChunkRef, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		msg, err := g.session.ChannelMessageSendComplex(containerID, &discordgo.MessageSend{
			Files: []*discordgo.File{{
				Name:        name,
				ContentType: "application/octet-stream",
				Reader:      bytes.NewReader(data),
			}},
		}, discordgo.WithContext(callCtx))
		if err != nil {
			return ChunkRef{}, g.classifyRateLimit(err)
		}
		return chunkRefFromMessage(msg)
	})
	metrics.RecordGatewayRequest("put_chunk", err, time.Since(start))
	if err != nil {
		if rateLimited(err) {
			return ChunkRef{}, exhausted("put chunk", err)
		}
		return ChunkRef{}, markTransient(fmt.Errorf("put chunk: %w", err))
	}
	return ref, nil
}

// GetChunk downloads an attachment's bytes from the platform CDN.
func (g *DiscordGateway) GetChunk(ctx context.Context, ref ChunkRef) ([]byte, error) {
	start := time.Now()
	data, err := retry.DoWithResult(ctx, g.retry, func() ([]byte, error) {
		return g.fetchAttachment(ctx, ref)
	})
	metrics.RecordGatewayRequest("get_chunk", err, time.Since(start))
	if err != nil {
		// A retryable error here means the internal backoff budget ran out.
		if retry.IsRetryable(err) || rateLimited(err) {
			return nil, exhausted("get chunk", err)
		}
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return data, nil
}

// DeleteChunk deletes the message carrying one chunk.
func (g *DiscordGateway) DeleteChunk(ctx context.Context, containerID string, ref ChunkRef) error {
	start := time.Now()
	err := retry.Do(ctx, g.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.classifyRateLimit(g.session.ChannelMessageDelete(containerID, ref.MessageID, discordgo.WithContext(callCtx)))
	})
	metrics.RecordGatewayRequest("delete_chunk", err, time.Since(start))
	if err != nil {
		return exhausted("delete chunk", err)
	}
	return nil
}

func (g *DiscordGateway) fetchAttachment(ctx context.Context, ref ChunkRef) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("fetch attachment: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordGatewayRateLimited()
		return nil, retry.Retryable(fmt.Errorf("attachment fetch rate limited"))
	case resp.StatusCode >= 500:
		return nil, retry.Retryable(fmt.Errorf("attachment fetch: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("attachment fetch: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("read attachment body: %w", err))
	}
	if ref.Size > 0 && int64(len(data)) != ref.Size {
		return nil, fmt.Errorf("attachment size mismatch: got %d, want %d", len(data), ref.Size)
	}
	return data, nil
}

// chunkRefFromMessage validates the platform payload and converts it into
// the core's typed representation.
func chunkRefFromMessage(msg *discordgo.Message) (ChunkRef, error) {
	if msg == nil {
		return ChunkRef{}, fmt.Errorf("platform returned empty message")
	}
	if len(msg.Attachments) != 1 {
		return ChunkRef{}, fmt.Errorf("platform returned %d attachments, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.ID == "" || att.URL == "" {
		return ChunkRef{}, fmt.Errorf("platform returned attachment without id or url")
	}
	return ChunkRef{
		MessageID:    msg.ID,
		AttachmentID: att.ID,
		URL:          att.URL,
		Size:         int64(att.Size),
	}, nil
}

// classifyRateLimit marks rate-limit signals retryable so the gateway's
// internal backoff absorbs them. Other errors pass through untouched.
func (g *DiscordGateway) classifyRateLimit(err error) error {
	if err == nil {
		return nil
	}
	if rateLimited(err) {
		metrics.RecordGatewayRateLimited()
		logging.Warn("platform rate limit", zap.Error(err))
		return retry.Retryable(err)
	}
	return err
}

// rateLimited reports whether err is a rate-limit signal from the platform.
func rateLimited(err error) bool {
	var rlPtr *discordgo.RateLimitError
	if errors.As(err, &rlPtr) {
		return true
	}
	var rl discordgo.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// markTransient marks network-level and server-side failures retryable
// for the caller's per-chunk retry loop.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	if retry.IsRetryable(err) {
		return err
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode >= 500 {
		return retry.Retryable(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return retry.Retryable(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Retryable(err)
	}
	return err
}

// exhausted wraps a backoff-cap failure as ErrRemoteUnavailable.
func exhausted(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, err)
}
