// Package guardrail implements the guardrails runner (C6): evaluating a
// configured guard against an input or output message and deciding
// pass/fail/observe. Schema validation uses
// github.com/santhosh-tekuri/jsonschema/v6; the LLM-judge guard interprets
// a judge model's JSON reply heuristically, preferring an explicit "passed"
// boolean over topic-specific fields.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/langdb/gateway/gwmodel"
)

// Stage names when a guard applies.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Action names what a guard does with its evaluation result.
type Action string

const (
	ActionObserve  Action = "observe"
	ActionValidate Action = "validate"
)

// GuardType discriminates the five evaluator kinds the gateway implements.
type GuardType string

const (
	TypeSchema    GuardType = "schema"
	TypeWordCount GuardType = "word_count"
	TypeRegex     GuardType = "regex"
	TypeDataset   GuardType = "dataset"
	TypeLLMJudge  GuardType = "llm_judge"
)

// SchemaParams configures a Schema guard.
type SchemaParams struct {
	Schema json.RawMessage
}

// WordCountParams configures a WordCount guard. Zero means unbounded.
type WordCountParams struct {
	Min int
	Max int
}

// RegexParams configures a Regex guard: text must match every Required
// pattern and must match none of the Forbidden patterns.
type RegexParams struct {
	Required  []string
	Forbidden []string
}

// DatasetExample is one labeled example in a Dataset guard's comparison set.
type DatasetExample struct {
	Embedding []float64
	Label     string
}

// Embedder computes a text embedding for the Dataset guard.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// DatasetParams configures a Dataset guard.
type DatasetParams struct {
	Embedder  Embedder
	Examples  []DatasetExample
	Expected  string
	Threshold float64
}

// Judge invokes a separate model instance to evaluate a rendered prompt for
// an LLMJudge guard.
type Judge interface {
	Judge(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMJudgeParams configures an LLMJudge guard.
type LLMJudgeParams struct {
	Judge              Judge
	SystemPrompt       string
	UserPromptTemplate string
}

// Definition is one configured guard.
type Definition struct {
	ID         string
	Name       string
	TemplateID string
	Stage      Stage
	Action     Action
	Type       GuardType

	Schema    SchemaParams
	WordCount WordCountParams
	Regex     RegexParams
	Dataset   DatasetParams
	LLMJudge  LLMJudgeParams

	// TemplateParams and StaticParams, together with Evaluate's
	// requestParams argument, implement the precedence chain: template
	// defaults < guard-static parameters < per-request parameters. Each maps
	// variable name to value and is consulted in that order when rendering
	// an LLMJudge prompt.
	TemplateParams map[string]any
	StaticParams   map[string]any
}

// Result is the outcome of evaluating one guard.
type Result struct {
	GuardID    string
	Passed     bool
	Text       string
	Confidence *float64
}

// resolveParams merges TemplateParams < StaticParams < requestParams, later
// entries overriding earlier ones.
func resolveParams(def Definition, requestParams map[string]any) map[string]any {
	out := make(map[string]any, len(def.TemplateParams)+len(def.StaticParams)+len(requestParams))
	for k, v := range def.TemplateParams {
		out[k] = v
	}
	for k, v := range def.StaticParams {
		out[k] = v
	}
	for k, v := range requestParams {
		out[k] = v
	}
	return out
}

// lastMessageText extracts the text of the last message in msgs, the
// convention every guard type evaluates against.
func lastMessageText(msgs []gwmodel.Message) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("guardrail: no message to evaluate")
	}
	last := msgs[len(msgs)-1]
	if last.Content != "" {
		return last.Content, nil
	}
	for _, p := range last.Parts {
		if tp, ok := p.(gwmodel.TextPart); ok {
			return tp.Text, nil
		}
	}
	return "", fmt.Errorf("guardrail: no text content in message")
}

// Evaluate runs def against msgs, returning the raw evaluator result before
// the Observe/Validate decision rule is applied.
func Evaluate(ctx context.Context, def Definition, msgs []gwmodel.Message, requestParams map[string]any) (Result, error) {
	text, err := lastMessageText(msgs)
	if err != nil {
		return Result{}, err
	}
	params := resolveParams(def, requestParams)

	switch def.Type {
	case TypeSchema:
		return evaluateSchema(def, text)
	case TypeWordCount:
		return evaluateWordCount(def, text)
	case TypeRegex:
		return evaluateRegex(def, text)
	case TypeDataset:
		return evaluateDataset(ctx, def, text)
	case TypeLLMJudge:
		return evaluateLLMJudge(ctx, def, text, params)
	default:
		return Result{}, fmt.Errorf("guardrail: unknown guard type %q", def.Type)
	}
}

func evaluateSchema(def Definition, text string) (Result, error) {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(def.Schema.Schema)))
	if err != nil {
		return Result{}, fmt.Errorf("guardrail: compile schema: %w", err)
	}
	if err := compiler.AddResource(def.ID, schemaDoc); err != nil {
		return Result{}, fmt.Errorf("guardrail: compile schema: %w", err)
	}
	sch, err := compiler.Compile(def.ID)
	if err != nil {
		return Result{}, fmt.Errorf("guardrail: compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal([]byte(text), &instance); err != nil {
		return Result{GuardID: def.ID, Passed: false, Text: "message text is not valid JSON"}, nil
	}
	if err := sch.Validate(instance); err != nil {
		return Result{GuardID: def.ID, Passed: false, Text: err.Error()}, nil
	}
	return Result{GuardID: def.ID, Passed: true}, nil
}

func evaluateWordCount(def Definition, text string) (Result, error) {
	count := len(strings.Fields(text))
	if def.WordCount.Min > 0 && count < def.WordCount.Min {
		return Result{GuardID: def.ID, Passed: false, Text: fmt.Sprintf("word count %d below minimum %d", count, def.WordCount.Min)}, nil
	}
	if def.WordCount.Max > 0 && count > def.WordCount.Max {
		return Result{GuardID: def.ID, Passed: false, Text: fmt.Sprintf("word count %d exceeds maximum %d", count, def.WordCount.Max)}, nil
	}
	return Result{GuardID: def.ID, Passed: true}, nil
}

func evaluateRegex(def Definition, text string) (Result, error) {
	for _, pattern := range def.Regex.Required {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Result{}, fmt.Errorf("guardrail: compile required pattern %q: %w", pattern, err)
		}
		if !re.MatchString(text) {
			return Result{GuardID: def.ID, Passed: false, Text: fmt.Sprintf("required pattern %q did not match", pattern)}, nil
		}
	}
	for _, pattern := range def.Regex.Forbidden {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Result{}, fmt.Errorf("guardrail: compile forbidden pattern %q: %w", pattern, err)
		}
		if re.MatchString(text) {
			return Result{GuardID: def.ID, Passed: false, Text: fmt.Sprintf("forbidden pattern %q matched", pattern)}, nil
		}
	}
	return Result{GuardID: def.ID, Passed: true}, nil
}

func evaluateDataset(ctx context.Context, def Definition, text string) (Result, error) {
	if def.Dataset.Embedder == nil || len(def.Dataset.Examples) == 0 {
		return Result{}, fmt.Errorf("guardrail: dataset guard %q is not configured", def.ID)
	}
	embedding, err := def.Dataset.Embedder.Embed(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("guardrail: embed text: %w", err)
	}

	// similarity-weighted majority label: sum each label's cosine
	// similarity across every example, the label with the highest total
	// wins.
	weights := map[string]float64{}
	for _, ex := range def.Dataset.Examples {
		weights[ex.Label] += cosineSimilarity(embedding, ex.Embedding)
	}
	var bestLabel string
	var bestWeight float64
	first := true
	for label, w := range weights {
		if first || w > bestWeight {
			bestLabel, bestWeight, first = label, w, false
		}
	}

	avgSimilarity := bestWeight / float64(countLabel(def.Dataset.Examples, bestLabel))
	passed := bestLabel == def.Dataset.Expected && avgSimilarity >= def.Dataset.Threshold
	return Result{
		GuardID:    def.ID,
		Passed:     passed,
		Text:       fmt.Sprintf("best label %q similarity %.3f", bestLabel, avgSimilarity),
		Confidence: &avgSimilarity,
	}, nil
}

func countLabel(examples []DatasetExample, label string) int {
	n := 0
	for _, ex := range examples {
		if ex.Label == label {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// renderTemplate substitutes {{var}} tokens in tmpl from params via plain
// string replacement. Guard prompt templates use Jinja-style {{var}}
// markers, not Go template syntax.
func renderTemplate(tmpl string, params map[string]any) string {
	out := tmpl
	for k, v := range params {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}

func evaluateLLMJudge(ctx context.Context, def Definition, text string, params map[string]any) (Result, error) {
	if def.LLMJudge.Judge == nil {
		return Result{}, fmt.Errorf("guardrail: llm_judge guard %q has no judge configured", def.ID)
	}
	userPrompt := renderTemplate(def.LLMJudge.UserPromptTemplate, params)
	userPrompt = strings.ReplaceAll(userPrompt, "{{text}}", text)

	reply, err := def.LLMJudge.Judge.Judge(ctx, def.LLMJudge.SystemPrompt, userPrompt)
	if err != nil {
		return Result{}, fmt.Errorf("guardrail: llm judge invocation: %w", err)
	}
	return interpretJudgeReply(def.ID, reply, params), nil
}

// interpretJudgeReply parses the judge model's reply heuristically: a
// top-level passed boolean wins; else topic-specific fields
// invert to passed; else the raw text is an observational pass.
func interpretJudgeReply(guardID, reply string, params map[string]any) Result {
	var doc map[string]any
	if err := json.Unmarshal([]byte(reply), &doc); err != nil {
		return Result{GuardID: guardID, Passed: true, Text: reply}
	}

	if passed, ok := doc["passed"].(bool); ok {
		r := Result{GuardID: guardID, Passed: passed}
		if details, ok := doc["details"].(string); ok && details != "" {
			r.Text = details
		}
		if conf, ok := doc["confidence"].(float64); ok {
			r.Confidence = &conf
		}
		return r
	}

	if _, hasThreshold := params["threshold"]; hasThreshold {
		if toxic, ok := doc["toxic"].(bool); ok {
			return Result{GuardID: guardID, Passed: !toxic}
		}
	}
	if _, hasCompetitors := params["competitors"]; hasCompetitors {
		if mentions, ok := doc["mentions_competitor"].(bool); ok {
			return Result{GuardID: guardID, Passed: !mentions}
		}
	}
	if _, hasPII := params["pii_types"]; hasPII {
		if containsPII, ok := doc["contains_pii"].(bool); ok {
			return Result{GuardID: guardID, Passed: !containsPII}
		}
	}

	return Result{GuardID: guardID, Passed: true, Text: reply}
}
