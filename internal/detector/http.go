package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kindline-ai/kindline/internal/signal"
)

// HTTPDetector calls a remote scoring endpoint. The wire contract is a
// minimal score structure: per-kind scalar scores plus optional evidence
// spans. Anything the endpoint returns beyond that is ignored.
type HTTPDetector struct {
	name             string
	url              string
	apiKey           string
	kinds            []signal.Kind
	client           *http.Client
	maxResponseBytes int64
}

// NewHTTP creates a remote detector client.
func NewHTTP(name, url, apiKey string, kinds []signal.Kind, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPDetector{
		name:             name,
		url:              url,
		apiKey:           apiKey,
		kinds:            kinds,
		maxResponseBytes: 1 << 20,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type scoreRequest struct {
	Text        string            `json:"text"`
	SubjectType string            `json:"subject_type"`
	UserContext map[string]string `json:"user_context,omitempty"`
	Kinds       []string          `json:"kinds"`
}

type scoreResponse struct {
	Findings []scoreFinding `json:"findings"`
}

type scoreFinding struct {
	Kind       string      `json:"kind"`
	Score      float64     `json:"score"`
	Confidence float64     `json:"confidence"`
	Spans      []scoreSpan `json:"spans,omitempty"`
}

type scoreSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (d *HTTPDetector) Name() string { return d.name }

func (d *HTTPDetector) Kinds() []signal.Kind {
	out := make([]signal.Kind, len(d.kinds))
	copy(out, d.kinds)
	return out
}

func (d *HTTPDetector) Evaluate(ctx context.Context, in Input) ([]RawFinding, error) {
	kinds := make([]string, 0, len(d.kinds))
	for _, k := range d.kinds {
		kinds = append(kinds, string(k))
	}

	body, err := json.Marshal(scoreRequest{
		Text:        in.Text,
		SubjectType: in.SubjectType,
		UserContext: in.UserContext,
		Kinds:       kinds,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call detector %s: %w", d.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read detector %s response: %w", d.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("detector %s returned status %d", d.name, resp.StatusCode)
	}

	var parsed scoreResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode detector %s response: %w", d.name, err)
	}

	findings := make([]RawFinding, 0, len(parsed.Findings))
	for _, f := range parsed.Findings {
		spans := make([]signal.Span, 0, len(f.Spans))
		for _, sp := range f.Spans {
			if sp.Start < 0 || sp.End > len(in.Text) || sp.Start > sp.End {
				continue
			}
			spans = append(spans, signal.Span{Start: sp.Start, End: sp.End, Excerpt: in.Text[sp.Start:sp.End]})
		}
		findings = append(findings, RawFinding{
			Kind:       signal.Kind(f.Kind),
			Score:      f.Score,
			Confidence: f.Confidence,
			Spans:      spans,
		})
	}
	return findings, nil
}
