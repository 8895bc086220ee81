// Package simulated is the stand-in tool provider used when Gmail is not
// connected, and for searchInternet always.
package simulated

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/friday/pkg/tools"
)

// Default artificial latencies.
const (
	DefaultListLatency   = 500 * time.Millisecond
	DefaultSearchLatency = 800 * time.Millisecond
	DefaultSendLatency   = 1000 * time.Millisecond
)

// Inbox is the fixed simulated inbox.
var Inbox = []tools.Email{
	{From: "boss@company.com", Subject: "Q4 Report", Body: "Please review the attached Q4 report by EOD."},
	{From: "newsletter@tech.com", Subject: "Weekly Tech Digest", Body: "Here are the top stories in AI this week..."},
	{From: "mom@family.com", Subject: "Sunday Dinner", Body: "Are you coming over for dinner this Sunday?"},
}

// Latency holds per-operation delays. Zero disables the delay.
type Latency struct {
	List   time.Duration
	Search time.Duration
	Send   time.Duration
}

// DefaultLatency returns the stock delays.
func DefaultLatency() Latency {
	return Latency{List: DefaultListLatency, Search: DefaultSearchLatency, Send: DefaultSendLatency}
}

// Provider answers tool calls from canned data.
type Provider struct {
	latency Latency
}

// New creates a provider with the given latencies.
func New(latency Latency) *Provider {
	return &Provider{latency: latency}
}

var _ tools.Provider = (*Provider)(nil)

// ListEmails returns up to count emails from Inbox.
func (p *Provider) ListEmails(ctx context.Context, count int) ([]tools.Email, error) {
	if err := sleep(ctx, p.latency.List); err != nil {
		return nil, err
	}
	if count < 0 {
		count = 0
	}
	n := min(count, len(Inbox))
	out := make([]tools.Email, n)
	copy(out, Inbox[:n])
	return out, nil
}

// SearchInternet answers a few keywords and falls back to a generic reply.
func (p *Provider) SearchInternet(ctx context.Context, query string) (string, error) {
	if err := sleep(ctx, p.latency.Search); err != nil {
		return "", err
	}
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "weather"):
		return "The weather in San Francisco is currently 68°F and sunny.", nil
	case strings.Contains(q, "stock"):
		return "GOOGL is currently trading at $175.50, up 1.2% today.", nil
	case strings.Contains(q, "news"):
		return "Top news: Breakthrough in fusion energy announced today. Local sports team wins championship.", nil
	}
	return fmt.Sprintf("I found several results for %q. The top result discusses the recent advancements in that field.", query), nil
}

// SendEmail pretends to send and confirms.
func (p *Provider) SendEmail(ctx context.Context, to, subject, _ string) (string, error) {
	if err := sleep(ctx, p.latency.Send); err != nil {
		return "", err
	}
	return fmt.Sprintf("Email sent to %s with subject %q.", to, subject), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
