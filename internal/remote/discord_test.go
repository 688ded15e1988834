package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/threadvault/threadvault/internal/retry"
)

func testGateway(t *testing.T) *DiscordGateway {
	t.Helper()
	g, err := NewDiscordGateway(DiscordConfig{
		Token:   "test-token",
		GuildID: "guild",
		RateLimitRetry: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2.0,
		},
		CallTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func TestChunkRefFromMessage(t *testing.T) {
	msg := &discordgo.Message{
		ID: "m1",
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", URL: "https://cdn.example/a1", Size: 42},
		},
	}
	ref, err := chunkRefFromMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.MessageID != "m1" || ref.AttachmentID != "a1" || ref.Size != 42 {
		t.Errorf("unexpected ref: %+v", ref)
	}
}

func TestChunkRefFromMessageRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		msg  *discordgo.Message
	}{
		{"nil message", nil},
		{"no attachments", &discordgo.Message{ID: "m"}},
		{"two attachments", &discordgo.Message{ID: "m", Attachments: []*discordgo.MessageAttachment{{ID: "a", URL: "u"}, {ID: "b", URL: "u"}}}},
		{"missing url", &discordgo.Message{ID: "m", Attachments: []*discordgo.MessageAttachment{{ID: "a"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := chunkRefFromMessage(tc.msg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRateLimitedClassification(t *testing.T) {
	rest := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusTooManyRequests},
	}
	if !rateLimited(rest) {
		t.Error("429 RESTError must classify as rate limited")
	}
	if rateLimited(errors.New("plain")) {
		t.Error("plain error must not classify as rate limited")
	}
	forbidden := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
	}
	if rateLimited(forbidden) {
		t.Error("403 must not classify as rate limited")
	}
}

func TestMarkTransient(t *testing.T) {
	serverErr := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusInternalServerError},
	}
	if !retry.IsRetryable(markTransient(serverErr)) {
		t.Error("5xx must be marked retryable")
	}
	notFound := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
	}
	if retry.IsRetryable(markTransient(notFound)) {
		t.Error("404 must not be marked retryable")
	}
	if markTransient(nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestGetChunkFetchesAndVerifiesSize(t *testing.T) {
	body := []byte("chunk-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	g := testGateway(t)
	data, err := g.GetChunk(context.Background(), ChunkRef{URL: srv.URL, Size: int64(len(body))})
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if string(data) != string(body) {
		t.Errorf("got %q, want %q", data, body)
	}

	// Declared size differs from the payload: the boundary rejects it.
	if _, err := g.GetChunk(context.Background(), ChunkRef{URL: srv.URL, Size: 3}); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestGetChunkRetriesRateLimit(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := testGateway(t)
	data, err := g.GetChunk(context.Background(), ChunkRef{URL: srv.URL})
	if err != nil {
		t.Fatalf("expected recovery after rate limits, got %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("got %q", data)
	}
	if hits != 3 {
		t.Errorf("expected 3 attempts, got %d", hits)
	}
}

func TestGetChunkExhaustionSurfacesRemoteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := testGateway(t)
	_, err := g.GetChunk(context.Background(), ChunkRef{URL: srv.URL})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}
