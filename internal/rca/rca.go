// Package rca implements the root-cause-analysis client (spec §4.9): it
// builds a prompt from an incident, sends it to an LLM's messages API, and
// parses the structured sections back out. A missing API key is not an
// error — RCA simply becomes a no-op (spec §7 ConfigurationMissing policy).
package rca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/obs-ai/agent/internal/apperrors"
	"github.com/obs-ai/agent/internal/model"
	"github.com/obs-ai/agent/internal/security"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 2000
	defaultTemp      = 0.3
	apiVersion       = "2023-06-01"
	maxErrorLogs     = 10
	maxAnomalies     = 5
	rcaQPS           = 0.5
	rcaBurst         = 1
)

// Client is the HTTP-backed RCA client. A Client with an empty apiKey is
// still constructible but Analyze on it always returns
// apperrors.KindConfigurationMissing, matching the source's "client not
// enabled" short-circuit rather than panicking on first use.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	logger      *zap.Logger
	rateLimiter *rate.Limiter
}

// New builds an RCA client. apiKey == "" yields a client whose Analyze
// always short-circuits with ConfigurationMissing — callers are not
// required to special-case the empty-key scenario themselves.
func New(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       defaultModel,
		logger:      logger,
		rateLimiter: rate.NewLimiter(rate.Limit(rcaQPS), rcaBurst),
	}
}

type messageRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Content []contentBlock `json:"content"`
}

// Analyze performs RCA on inc and returns the parsed analysis. Returns a
// *apperrors.StructuredError of kind ConfigurationMissing when no API key
// is configured (spec §4.9, §7).
func (c *Client) Analyze(ctx context.Context, inc *model.Incident) (*model.RCAAnalysis, error) {
	if c.apiKey == "" {
		return nil, apperrors.NewConfigurationMissing("rca.analyze", "anthropic api key")
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, apperrors.NewDeadlineExceeded("rca.analyze", err)
	}

	prompt := buildPrompt(inc)
	reqBody := messageRequest{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemp,
		Messages:    []message{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.NewParseError("rca.analyze", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewTransportError("rca.analyze", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	c.logger.Info("sending incident for RCA", zap.String("incident_id", inc.ID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewDeadlineExceeded("rca.analyze", err)
		}
		return nil, apperrors.NewTransportError("rca.analyze", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close RCA response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransportError("rca.analyze", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewTransportError("rca.analyze",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed messageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewParseError("rca.analyze", err)
	}
	if len(parsed.Content) == 0 {
		return nil, apperrors.NewParseError("rca.analyze", fmt.Errorf("empty content in RCA response"))
	}

	analysis := parseResponse(parsed.Content[0].Text)
	analysis.AnalyzedAt = time.Now().UTC()
	analysis.IncidentID = inc.ID

	c.logger.Info("RCA completed", zap.String("incident_id", inc.ID))
	return analysis, nil
}

// QuickDiagnose is intentionally unimplemented: the source's
// IncidentAnalyzer.quick_diagnose is itself a stub that always returns
// None ("Simplified for now") — there is no real behavior to port.
func (c *Client) QuickDiagnose(ctx context.Context, errorMessage string) (string, error) {
	return "", apperrors.NewConfigurationMissing("rca.quick_diagnose", "quick diagnose")
}

// buildPrompt renders the incident into the same prompt shape as the
// source's ClaudeClient._build_rca_prompt.
func buildPrompt(inc *model.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a DevOps expert. Analyze this incident:\n\n")
	fmt.Fprintf(&b, "# INCIDENT\nIncident: %s\nSeverity: %s\nErrors: %d\nServices: %s\n\n",
		inc.Title, inc.Severity, inc.ErrorCount, strings.Join(inc.AffectedServices, ", "))

	b.WriteString("# ERRORS\n")
	logs := inc.SampleLogs
	if len(logs) > maxErrorLogs {
		logs = logs[:maxErrorLogs]
	}
	for i, l := range logs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(security.RedactSecrets(l.Message), 100))
	}

	b.WriteString("\n# ANOMALIES\n")
	anomalies := inc.Anomalies
	if len(anomalies) > maxAnomalies {
		anomalies = anomalies[:maxAnomalies]
	}
	for _, a := range anomalies {
		fmt.Fprintf(&b, "- %s: %s\n", a.Kind, a.Description)
	}

	b.WriteString(`
Provide:

## Root Cause
[Identify root cause]

## Impact
[Describe impact]

## Immediate Actions
1. [Action 1]
2. [Action 2]
3. [Action 3]

## Confidence
[High/Medium/Low]
`)
	return b.String()
}

// parseResponse walks the response line by line, tracking the current
// section header (case-insensitive match on "## root"/"## impact"/
// "## immediate"/"## confidence"), mirroring the source's finite-state
// section parser. Falls back to sane defaults when a section is absent,
// never erroring on malformed LLM output (spec §4.9).
func parseResponse(text string) *model.RCAAnalysis {
	var (
		rootCause            strings.Builder
		impact               strings.Builder
		technicalExplanation strings.Builder
		confidence           = "Medium"
		actions              []string
	)

	type section int
	const (
		sectionNone section = iota
		sectionRootCause
		sectionImpact
		sectionImmediate
		sectionConfidence
	)

	current := sectionNone
	var buf []string

	flush := func(sec section) {
		joined := strings.TrimSpace(strings.Join(buf, "\n"))
		switch sec {
		case sectionRootCause:
			rootCause.WriteString(joined)
		case sectionImpact:
			impact.WriteString(joined)
		case sectionImmediate:
			for _, line := range buf {
				clean := cleanActionLine(line)
				if clean != "" {
					actions = append(actions, clean)
				}
			}
		case sectionConfidence:
			if joined != "" {
				confidence = joined
			}
		}
		buf = nil
	}

	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "## root"):
			flush(current)
			current = sectionRootCause
		case strings.Contains(lower, "## impact"):
			flush(current)
			current = sectionImpact
		case strings.Contains(lower, "## immediate"):
			flush(current)
			current = sectionImmediate
		case strings.Contains(lower, "## confidence"):
			flush(current)
			current = sectionConfidence
		default:
			if current == sectionNone {
				continue
			}
			buf = append(buf, line)
		}
	}
	flush(current)

	if rootCause.Len() == 0 {
		rootCause.WriteString(truncate(text, 200))
	}
	if len(actions) == 0 {
		actions = []string{"Check logs", "Review changes", "Monitor system"}
	}

	return &model.RCAAnalysis{
		RootCause:            rootCause.String(),
		Impact:               impact.String(),
		TechnicalExplanation: technicalExplanation.String(),
		ImmediateActions:     actions,
		Prevention:           nil,
		Confidence:           confidence,
		FullAnalysis:         text,
	}
}

func cleanActionLine(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimLeft(trimmed, "0123456789.-* "))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
