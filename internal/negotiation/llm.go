package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/shopspring/decimal"
)

const (
	defaultAPIURL     = "https://api.anthropic.com/v1/messages"
	defaultAPIVersion = "2023-06-01"
	defaultLLMModel   = "claude-haiku-4-5-20251001"
)

var errRateLimited = errors.New("llm rate limit exceeded")

// LLMConfig configures LLMEvaluator.
type LLMConfig struct {
	APIKey       string
	URL          string
	Model        string
	MaxPerMinute int
	CacheSize    int
	Timeout      time.Duration
}

// LLMEvaluator scores narrative offers with the Anthropic Messages API. Any
// failure (no key, rate limit, transport, unparseable reply) falls back to
// the rule evaluator, so Evaluate never returns an error.
type LLMEvaluator struct {
	cfg        LLMConfig
	httpClient *http.Client
	fallback   Evaluator
	cache      *lru.Cache[string, Evaluation]

	mu        sync.Mutex
	callCount int
	resetAt   time.Time
}

// NewLLMEvaluator creates an evaluator. An empty API key yields an evaluator
// that always uses the rules.
func NewLLMEvaluator(cfg LLMConfig) (*LLMEvaluator, error) {
	if cfg.URL == "" {
		cfg.URL = defaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 20
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cache, err := lru.New[string, Evaluation](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create evaluation cache: %w", err)
	}
	return &LLMEvaluator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		fallback:   RuleEvaluator{},
		cache:      cache,
	}, nil
}

// Enabled reports whether a model will be consulted.
func (e *LLMEvaluator) Enabled() bool {
	return e != nil && e.cfg.APIKey != ""
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, req EvalRequest) (Evaluation, error) {
	if !e.Enabled() {
		return e.fallback.Evaluate(ctx, req)
	}

	key := cacheKey(req)
	if ev, ok := e.cache.Get(key); ok {
		return ev, nil
	}

	ev, err := e.callModel(ctx, req)
	if err != nil {
		slog.Warn("llm evaluation failed, using rules", "port_id", req.PortID, "error", err)
		return e.fallback.Evaluate(ctx, req)
	}
	e.cache.Add(key, ev)
	return ev, nil
}

func (e *LLMEvaluator) allow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if now.After(e.resetAt) {
		e.callCount = 0
		e.resetAt = now.Add(time.Minute)
	}
	if e.callCount >= e.cfg.MaxPerMinute {
		return false
	}
	e.callCount++
	return true
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// modelVerdict is the JSON object the model is asked to produce. Pointer
// fields distinguish "missing" from zero.
type modelVerdict struct {
	Persuasiveness     *float64 `json:"persuasiveness_score"`
	Consistency        *float64 `json:"consistency_score"`
	Confidence         *float64 `json:"confidence_level"`
	ImpliedPrice       *float64 `json:"implied_price"`
	InconsistencyFlags []string `json:"detected_inconsistencies"`
}

const systemPrompt = `You are the trade officer of a space port in the year 2102. A pilot is haggling over the price of a commodity.
Judge the pilot's latest statement for:
1. Persuasiveness - how convincing is the argument?
2. Confidence - how sure of themselves do they sound?
3. Consistency - does it match what they said earlier in this negotiation?
4. Implied price - what price per unit are they asking for, if any?

Reply with only a JSON object with these exact fields:
{
  "persuasiveness_score": 0.0-1.0,
  "confidence_level": 0.0-1.0,
  "consistency_score": 0.0-1.0,
  "implied_price": number or null,
  "detected_inconsistencies": ["list", "of", "inconsistencies"]
}`

func (e *LLMEvaluator) callModel(ctx context.Context, req EvalRequest) (Evaluation, error) {
	if !e.allow() {
		return Evaluation{}, errRateLimited
	}

	prompt, err := json.Marshal(req)
	if err != nil {
		return Evaluation{}, fmt.Errorf("marshal prompt: %w", err)
	}
	body, err := json.Marshal(apiRequest{
		Model:     e.cfg.Model,
		MaxTokens: 300,
		System:    systemPrompt,
		Messages:  []apiMessage{{Role: "user", Content: string(prompt)}},
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Evaluation{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", defaultAPIVersion)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Evaluation{}, fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Evaluation{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Evaluation{}, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Evaluation{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Content) == 0 {
		return Evaluation{}, errors.New("empty response")
	}
	slog.Debug("llm evaluation",
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)

	return parseVerdict(apiResp.Content[0].Text)
}

// parseVerdict extracts the JSON object from a model reply, repairing the
// usual damage (code fences, trailing commas, truncation). Missing scores
// default to 0.5.
func parseVerdict(text string) (Evaluation, error) {
	start := strings.Index(text, "{")
	if start < 0 {
		return Evaluation{}, errors.New("no JSON object in reply")
	}
	raw := text[start:]
	if end := strings.LastIndex(raw, "}"); end >= 0 {
		raw = raw[:end+1]
	}

	var v modelVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return Evaluation{}, fmt.Errorf("repair reply: %w", rerr)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return Evaluation{}, fmt.Errorf("decode reply: %w", err)
		}
	}

	ev := Evaluation{
		Persuasiveness:     unit(v.Persuasiveness),
		Consistency:        unit(v.Consistency),
		ConfidenceDelta:    unit(v.Confidence) - 0.5,
		InconsistencyFlags: v.InconsistencyFlags,
		Source:             "llm",
	}
	if v.ImpliedPrice != nil && *v.ImpliedPrice > 0 {
		ev.ImpliedPrice = decimal.NewFromFloat(*v.ImpliedPrice).Round(4)
	}
	return ev, nil
}

func unit(f *float64) float64 {
	if f == nil {
		return 0.5
	}
	return min(1, max(0, *f))
}

func cacheKey(req EvalRequest) string {
	return strings.Join([]string{
		string(req.Personality),
		string(req.Commodity),
		string(req.Direction),
		req.Quote.String(),
		req.ExplicitPrice.String(),
		fmt.Sprint(len(req.History)),
		strings.ToLower(strings.TrimSpace(req.Text)),
	}, "|")
}
