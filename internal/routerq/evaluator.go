package routerq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cortexhub/cortex/internal/llm"
)

// DefaultFallbackWeight is used when the evaluator cannot produce a
// verdict; it lands in the middle tier.
const DefaultFallbackWeight = 5

// DefaultEvaluatorTimeout bounds one evaluator model call.
const DefaultEvaluatorTimeout = 10 * time.Second

const evaluatorSystem = `You rate task complexity. Respond with only a JSON object:
{"weight": <integer 1-10>, "reasoning": "<one sentence>"}
1-3: trivial lookups and single-step answers.
4-7: multi-step reasoning, moderate synthesis.
8-10: deep analysis, design work, long-horizon planning.`

// Verdict is the evaluator's output.
type Verdict struct {
	Weight    int    `json:"weight"`
	Reasoning string `json:"reasoning"`
}

// Evaluator assigns a complexity weight to a job payload by calling an
// injected small-model function. It never fails: any error path yields
// the fallback weight.
type Evaluator struct {
	model    llm.ModelFunc
	fallback int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator. fallback and timeout of zero take
// the defaults.
func NewEvaluator(model llm.ModelFunc, fallback int, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if fallback <= 0 {
		fallback = DefaultFallbackWeight
	}
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{model: model, fallback: fallback, timeout: timeout, logger: logger}
}

// Evaluate returns a weight in [1, 10] and the model's reasoning.
func (e *Evaluator) Evaluate(ctx context.Context, payload string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.model(ctx, evaluatorSystem,
		[]llm.Message{{Role: "user", Content: payload}}, nil)
	if err != nil {
		e.logger.Warn("evaluator call failed", "error", err)
		return Verdict{Weight: e.fallback, Reasoning: "evaluator failed, using fallback"}
	}

	v, err := parseVerdict(resp.Message.Content)
	if err != nil {
		e.logger.Warn("evaluator verdict unparseable", "content", resp.Message.Content, "error", err)
		return Verdict{Weight: e.fallback, Reasoning: "evaluator failed, using fallback"}
	}
	v.Weight = clampWeight(v.Weight)
	return v
}

var bareIntRe = regexp.MustCompile(`\b([1-9]|10)\b`)

// parseVerdict accepts a JSON verdict, a JSON object buried in prose,
// or a bare integer 1..10.
func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)

	// JSON object, possibly surrounded by prose or code fences.
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			var raw struct {
				Weight    json.Number `json:"weight"`
				Reasoning string      `json:"reasoning"`
			}
			if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err == nil {
				if f, err := raw.Weight.Float64(); err == nil {
					return Verdict{Weight: int(math.Round(f)), Reasoning: raw.Reasoning}, nil
				}
			}
		}
	}

	if m := bareIntRe.FindString(content); m != "" {
		n, err := strconv.Atoi(m)
		if err == nil {
			return Verdict{Weight: n, Reasoning: content}, nil
		}
	}
	return Verdict{}, fmt.Errorf("no weight found in %q", content)
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 10 {
		return 10
	}
	return w
}
