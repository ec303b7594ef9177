// Package namer asks a text generation model for the canonical name of a
// race event.
package namer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/lildude/racesync/internal/metrics"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/api/option"
)

var (
	// ErrEmptyResponse is returned when the model answers with no text.
	ErrEmptyResponse = errors.New("no content generated")
	ErrDisabled      = errors.New("event namer is not configured")
)

// Example is a historical activity name and the event it was filed under.
type Example struct {
	ActivityName string
	EventName    string
}

// Request describes one cluster of races.
type Request struct {
	Names       []string
	AvgDistance float64 // metres
	AvgDate     string  // YYYY-MM-DD
	Examples    []Example
}

// Namer returns a canonical event name for a cluster. The answer is raw
// model output and callers are expected to clean it up.
type Namer interface {
	Name(ctx context.Context, r Request) (string, error)
}

// Disabled is used when no model is configured. Every cluster gets the
// fallback name.
type Disabled struct{}

func (Disabled) Name(context.Context, Request) (string, error) {
	return "", ErrDisabled
}

// Generator turns a prompt into text.
type Generator func(ctx context.Context, prompt string) (string, error)

// Gemini is a Namer backed by Google Gemini behind a circuit breaker.
type Gemini struct {
	client   *genai.Client
	generate Generator
	breaker  *gobreaker.CircuitBreaker[string]
	timeout  time.Duration
	log      logrus.FieldLogger
}

// NewGemini connects to Gemini with the given API key and model.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration, log logrus.FieldLogger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	m := client.GenerativeModel(model)
	m.SetTemperature(0.2)
	m.SetMaxOutputTokens(40)

	g := newGemini(func(ctx context.Context, prompt string) (string, error) {
		resp, err := m.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", ErrEmptyResponse
		}
		var out strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out.WriteString(string(text))
			}
		}
		if out.Len() == 0 {
			return "", ErrEmptyResponse
		}
		return out.String(), nil
	}, timeout, log)
	g.client = client
	return g, nil
}

// newGemini wraps generate in the breaker. The breaker opens after five
// consecutive failures and tries again after a minute.
func newGemini(generate Generator, timeout time.Duration, log logrus.FieldLogger) *Gemini {
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return &Gemini{generate: generate, breaker: cb, timeout: timeout, log: log}
}

// Name implements Namer.
func (g *Gemini) Name(ctx context.Context, r Request) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt := Prompt(r)
	name, err := g.breaker.Execute(func() (string, error) {
		return g.generate(ctx, prompt)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.NamerRequests.WithLabelValues("rejected").Inc()
		return "", err
	case err != nil:
		metrics.NamerRequests.WithLabelValues("failure").Inc()
		return "", err
	}
	metrics.NamerRequests.WithLabelValues("success").Inc()
	return name, nil
}

// Close releases the Gemini client.
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Prompt renders the request as instructions for the model.
func Prompt(r Request) string {
	var b strings.Builder
	b.WriteString("You label running races with the canonical name of the event they belong to.\n")
	b.WriteString("Reply with the event name only: no quotes, no explanation and no year.\n\n")

	if len(r.Examples) > 0 {
		b.WriteString("Examples of activity names and their events:\n")
		for _, e := range r.Examples {
			fmt.Fprintf(&b, "- %s => %s\n", e.ActivityName, e.EventName)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "These %d activities were run on or around %s over about %.1f km:\n", len(r.Names), r.AvgDate, r.AvgDistance/1000)
	for _, n := range r.Names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	b.WriteString("\nEvent name:")
	return b.String()
}
