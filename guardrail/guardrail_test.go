package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/gwmodel"
)

func msg(text string) []gwmodel.Message {
	return []gwmodel.Message{{Role: gwmodel.RoleUser, Content: text}}
}

func TestEvaluate_Schema_Passes(t *testing.T) {
	def := Definition{
		ID:   "g1",
		Type: TypeSchema,
		Schema: SchemaParams{Schema: []byte(`{
			"type": "object",
			"properties": {"name": {"type": "string"}},
			"required": ["name"]
		}`)},
	}
	res, err := Evaluate(context.Background(), def, msg(`{"name":"ada"}`), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestEvaluate_Schema_FailsOnMissingField(t *testing.T) {
	def := Definition{
		ID:   "g1",
		Type: TypeSchema,
		Schema: SchemaParams{Schema: []byte(`{
			"type": "object",
			"required": ["name"]
		}`)},
	}
	res, err := Evaluate(context.Background(), def, msg(`{}`), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_Schema_FailsOnNonJSON(t *testing.T) {
	def := Definition{ID: "g1", Type: TypeSchema, Schema: SchemaParams{Schema: []byte(`{"type":"object"}`)}}
	res, err := Evaluate(context.Background(), def, msg("not json"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_WordCount_RejectsOverMax(t *testing.T) {
	def := Definition{ID: "g2", Type: TypeWordCount, WordCount: WordCountParams{Max: 5}}
	res, err := Evaluate(context.Background(), def, msg("one two three four five six seven"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_WordCount_RejectsUnderMin(t *testing.T) {
	def := Definition{ID: "g2", Type: TypeWordCount, WordCount: WordCountParams{Min: 3}}
	res, err := Evaluate(context.Background(), def, msg("too short"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_WordCount_PassesWithinBounds(t *testing.T) {
	def := Definition{ID: "g2", Type: TypeWordCount, WordCount: WordCountParams{Min: 1, Max: 5}}
	res, err := Evaluate(context.Background(), def, msg("one two three"), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestEvaluate_Regex_RequiredMustMatch(t *testing.T) {
	def := Definition{ID: "g3", Type: TypeRegex, Regex: RegexParams{Required: []string{`^Dear`}}}
	res, err := Evaluate(context.Background(), def, msg("Hello there"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_Regex_ForbiddenMustNotMatch(t *testing.T) {
	def := Definition{ID: "g3", Type: TypeRegex, Regex: RegexParams{Forbidden: []string{`(?i)password`}}}
	res, err := Evaluate(context.Background(), def, msg("your password is 1234"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_Regex_PassesWhenSatisfied(t *testing.T) {
	def := Definition{ID: "g3", Type: TypeRegex, Regex: RegexParams{
		Required:  []string{`^Dear`},
		Forbidden: []string{`(?i)password`},
	}}
	res, err := Evaluate(context.Background(), def, msg("Dear customer, thanks for writing"), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

type fakeEmbedder struct {
	vec []float64
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.vec, nil
}

func TestEvaluate_Dataset_PicksNearestLabelAboveThreshold(t *testing.T) {
	def := Definition{
		ID:   "g4",
		Type: TypeDataset,
		Dataset: DatasetParams{
			Embedder: fakeEmbedder{vec: []float64{1, 0}},
			Examples: []DatasetExample{
				{Embedding: []float64{1, 0}, Label: "greeting"},
				{Embedding: []float64{0, 1}, Label: "complaint"},
			},
			Expected:  "greeting",
			Threshold: 0.5,
		},
	}
	res, err := Evaluate(context.Background(), def, msg("hi there"), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestEvaluate_Dataset_FailsWhenExpectedLabelLoses(t *testing.T) {
	def := Definition{
		ID:   "g4",
		Type: TypeDataset,
		Dataset: DatasetParams{
			Embedder: fakeEmbedder{vec: []float64{0, 1}},
			Examples: []DatasetExample{
				{Embedding: []float64{1, 0}, Label: "greeting"},
				{Embedding: []float64{0, 1}, Label: "complaint"},
			},
			Expected:  "greeting",
			Threshold: 0.5,
		},
	}
	res, err := Evaluate(context.Background(), def, msg("this is terrible"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_Dataset_ErrorsWithoutEmbedder(t *testing.T) {
	def := Definition{ID: "g4", Type: TypeDataset}
	_, err := Evaluate(context.Background(), def, msg("hi"), nil)
	require.Error(t, err)
}

type fakeJudge struct {
	reply string
	err   error
}

func (f fakeJudge) Judge(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.reply, f.err
}

func TestEvaluate_LLMJudge_TopLevelPassedWins(t *testing.T) {
	def := Definition{
		ID:   "g5",
		Type: TypeLLMJudge,
		LLMJudge: LLMJudgeParams{
			Judge:              fakeJudge{reply: `{"passed": true, "details": "looks fine"}`},
			UserPromptTemplate: "Evaluate: {{text}}",
		},
	}
	res, err := Evaluate(context.Background(), def, msg("hello"), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.Equal(t, "looks fine", res.Text)
}

func TestEvaluate_LLMJudge_ToxicityInverts(t *testing.T) {
	def := Definition{
		ID:   "g5",
		Type: TypeLLMJudge,
		LLMJudge: LLMJudgeParams{
			Judge:              fakeJudge{reply: `{"toxic": true}`},
			UserPromptTemplate: "{{text}}",
		},
		StaticParams: map[string]any{"threshold": 0.8},
	}
	res, err := Evaluate(context.Background(), def, msg("hello"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_LLMJudge_CompetitorMentionInverts(t *testing.T) {
	def := Definition{
		ID:   "g5",
		Type: TypeLLMJudge,
		LLMJudge: LLMJudgeParams{
			Judge:              fakeJudge{reply: `{"mentions_competitor": true}`},
			UserPromptTemplate: "{{text}}",
		},
		StaticParams: map[string]any{"competitors": []string{"acme"}},
	}
	res, err := Evaluate(context.Background(), def, msg("try acme instead"), nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestEvaluate_LLMJudge_PIIInverts(t *testing.T) {
	def := Definition{
		ID:   "g5",
		Type: TypeLLMJudge,
		LLMJudge: LLMJudgeParams{
			Judge:              fakeJudge{reply: `{"contains_pii": false}`},
			UserPromptTemplate: "{{text}}",
		},
		StaticParams: map[string]any{"pii_types": []string{"ssn"}},
	}
	res, err := Evaluate(context.Background(), def, msg("hello"), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestEvaluate_LLMJudge_NonJSONReplyIsObservationalPass(t *testing.T) {
	def := Definition{
		ID:   "g5",
		Type: TypeLLMJudge,
		LLMJudge: LLMJudgeParams{
			Judge:              fakeJudge{reply: "looks totally fine to me"},
			UserPromptTemplate: "{{text}}",
		},
	}
	res, err := Evaluate(context.Background(), def, msg("hello"), nil)
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.Equal(t, "looks totally fine to me", res.Text)
}

func TestEvaluate_LLMJudge_JudgeErrorPropagates(t *testing.T) {
	def := Definition{
		ID:   "g5",
		Type: TypeLLMJudge,
		LLMJudge: LLMJudgeParams{
			Judge:              fakeJudge{err: errors.New("upstream down")},
			UserPromptTemplate: "{{text}}",
		},
	}
	_, err := Evaluate(context.Background(), def, msg("hello"), nil)
	require.Error(t, err)
}

func TestResolveParams_Precedence(t *testing.T) {
	def := Definition{
		TemplateParams: map[string]any{"a": "template", "b": "template"},
		StaticParams:   map[string]any{"b": "static", "c": "static"},
	}
	got := resolveParams(def, map[string]any{"c": "request"})
	require.Equal(t, "template", got["a"])
	require.Equal(t, "static", got["b"])
	require.Equal(t, "request", got["c"])
}

func TestRun_StageMismatchSkips(t *testing.T) {
	def := Definition{ID: "g6", Stage: StageOutput, Action: ActionValidate, Type: TypeWordCount, WordCount: WordCountParams{Max: 1}}
	out, err := Run(context.Background(), def, StageInput, msg("way too many words here"), nil)
	require.NoError(t, err)
	require.True(t, out.Proceed)
}

func TestRun_ObserveAlwaysProceeds(t *testing.T) {
	def := Definition{ID: "g6", Stage: StageInput, Action: ActionObserve, Type: TypeWordCount, WordCount: WordCountParams{Max: 1}}
	out, err := Run(context.Background(), def, StageInput, msg("way too many words here"), nil)
	require.NoError(t, err)
	require.True(t, out.Proceed)
}

func TestRun_ValidateBlocksOnFailure(t *testing.T) {
	def := Definition{ID: "g6", Stage: StageInput, Action: ActionValidate, Type: TypeWordCount, WordCount: WordCountParams{Max: 1}}
	out, err := Run(context.Background(), def, StageInput, msg("way too many words here"), nil)
	require.NoError(t, err)
	require.False(t, out.Proceed)
	require.NotNil(t, out.Failure)
	require.Equal(t, "g6", out.Failure.GuardID)
}

func TestRun_ValidatePassesThrough(t *testing.T) {
	def := Definition{ID: "g6", Stage: StageInput, Action: ActionValidate, Type: TypeWordCount, WordCount: WordCountParams{Max: 10}}
	out, err := Run(context.Background(), def, StageInput, msg("short"), nil)
	require.NoError(t, err)
	require.True(t, out.Proceed)
}
