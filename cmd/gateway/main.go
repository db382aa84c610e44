package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"goa.design/clue/log"

	"github.com/langdb/gateway/costcalc"
	"github.com/langdb/gateway/guardrail"
	"github.com/langdb/gateway/gwconfig"
	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/gwserver"
	"github.com/langdb/gateway/provider/anthropic"
	"github.com/langdb/gateway/provider/bedrock"
	"github.com/langdb/gateway/provider/gemini"
	gwopenai "github.com/langdb/gateway/provider/openai"
	"github.com/langdb/gateway/provider/proxylike"
	"github.com/langdb/gateway/router"
	"github.com/langdb/gateway/telemetry"
	"github.com/langdb/gateway/toolhub"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the gateway YAML config file")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := gwconfig.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load config")
	}
	if *addrF != "" {
		cfg.ListenAddr = *addrF
	}

	catalog, prices, err := buildCatalog(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "build model catalog")
	}

	guards, err := buildGuards(cfg, catalog)
	if err != nil {
		log.Fatalf(ctx, err, "build guard definitions")
	}

	var (
		recorder gwserver.MetricsRecorder
		source   router.MetricsSource
	)
	if cfg.Redis.Addr != "" {
		store := gwserver.NewRedisMetricsStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() { _ = store.Close() }()
		recorder, source = store, store
	} else {
		store := gwserver.NewMetricsStore()
		recorder, source = store, store
	}

	orch := &gwserver.Orchestrator{
		Catalog:       catalog,
		Guards:        guards,
		RouterMetrics: source,
		Metrics:       recorder,
		Tools: &toolhub.Builder{
			MCPTimeout: cfg.ToolCallTimeout,
			Logger:     slog.Default(),
		},
		CostCalc:   costcalc.New(prices),
		MaxRetries: &cfg.MaxRetries,
		Logger:     telemetry.NewClueLogger(),
		Tracer:     telemetry.NewClueTracer(),
	}

	var opts []gwserver.Option
	opts = append(opts, gwserver.WithOrchestrator(orch))
	if len(cfg.RateLimits) > 0 {
		limiter := gwserver.NewRateLimiter(cfg.RateLimits)
		opts = append(opts,
			gwserver.WithUnary(gwserver.RateLimitUnary(limiter, catalog)),
			gwserver.WithStream(gwserver.RateLimitStream(limiter, catalog)),
		)
	}
	srv, err := gwserver.NewServer(opts...)
	if err != nil {
		log.Fatalf(ctx, err, "build server")
	}

	mux := &gwserver.Mux{Server: srv, Catalog: catalog}
	if key := cfg.CredentialFor("openai"); key != "" {
		embeddings, err := gwopenai.NewEmbeddingsAdapterFromAPIKey(key, cfg.EmbeddingsModel)
		if err != nil {
			log.Fatalf(ctx, err, "build embeddings adapter")
		}
		images, err := gwopenai.NewImagesAdapterFromAPIKey(key, cfg.ImagesModel)
		if err != nil {
			log.Fatalf(ctx, err, "build images adapter")
		}
		mux.Embeddings = embeddings
		mux.Images = images
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: gwserver.NewMux(mux)}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
	log.Printf(ctx, "exited")
}

// buildCatalog constructs one provider adapter per configured model and the
// matching completion price table.
func buildCatalog(ctx context.Context, cfg *gwconfig.Config) (*gwserver.Catalog, costcalc.PriceTable, error) {
	prices := costcalc.PriceTable{Completion: map[string]costcalc.CompletionRate{}}
	entries := make([]gwserver.CatalogEntry, 0, len(cfg.Models))

	for _, m := range cfg.Models {
		client, err := buildClient(ctx, cfg, m)
		if err != nil {
			return nil, prices, fmt.Errorf("model %s/%s: %w", m.Provider, m.Model, err)
		}
		entry := gwserver.CatalogEntry{
			Provider: m.Provider,
			Model:    m.Model,
			Client:   client,
		}
		if m.SystemPrompt != "" || m.HumanPrompt != "" {
			entry.Prompt = &gwmodel.PromptTemplate{System: m.SystemPrompt, Human: m.HumanPrompt}
		}
		entries = append(entries, entry)
		if m.InputPricePerMillion != 0 || m.OutputPricePerMillion != 0 {
			prices.Completion[m.Provider+"/"+m.Model] = costcalc.CompletionRate{
				InputPerMillion:  m.InputPricePerMillion,
				OutputPerMillion: m.OutputPricePerMillion,
			}
		}
	}
	return gwserver.NewCatalog(entries...), prices, nil
}

func buildClient(ctx context.Context, cfg *gwconfig.Config, m gwconfig.ModelConfig) (gwmodel.Client, error) {
	switch strings.ToLower(m.Provider) {
	case "openai":
		if m.Endpoint != "" {
			return proxylike.New(proxylike.EndpointConfig{
				Endpoint:     m.Endpoint,
				APIKey:       cfg.CredentialFor(m.Provider),
				DefaultModel: m.Model,
			})
		}
		return gwopenai.NewFromAPIKey(cfg.CredentialFor("openai"), m.Model)
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.CredentialFor("anthropic"), m.Model)
	case "gemini":
		return gemini.NewFromAPIKey(ctx, cfg.CredentialFor("gemini"), m.Model)
	case "bedrock":
		region := m.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		runtime := bedrockruntime.New(bedrockruntime.Options{
			Region:      region,
			Credentials: aws.CredentialsProviderFunc(envAWSCredentials),
		})
		return bedrock.New(bedrock.Options{
			Runtime:      runtime,
			DefaultModel: m.Model,
			MaxTokens:    m.MaxTokens,
		})
	default:
		endpoint := m.Endpoint
		if endpoint == "" {
			endpoint = cfg.ProxyURL
		}
		return proxylike.New(proxylike.EndpointConfig{
			Endpoint:     endpoint,
			APIKey:       cfg.CredentialFor(m.Provider),
			DefaultModel: m.Model,
		})
	}
}

func envAWSCredentials(context.Context) (aws.Credentials, error) {
	id := os.Getenv("AWS_ACCESS_KEY_ID")
	if id == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID is not set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}

// buildGuards converts configured guard definitions into runnable ones,
// wiring llm_judge guards to their judge model's catalog entry.
func buildGuards(cfg *gwconfig.Config, catalog *gwserver.Catalog) (map[string]guardrail.Definition, error) {
	out := make(map[string]guardrail.Definition, len(cfg.Guards))
	for _, g := range cfg.Guards {
		def := guardrail.Definition{
			ID:           g.ID,
			Name:         g.Name,
			TemplateID:   g.TemplateID,
			Stage:        guardrail.Stage(g.Stage),
			Action:       guardrail.Action(g.Action),
			Type:         guardrail.GuardType(g.Type),
			StaticParams: g.Params,
		}
		switch def.Type {
		case guardrail.TypeSchema:
			def.Schema.Schema = []byte(g.Schema)
		case guardrail.TypeWordCount:
			def.WordCount.Min = g.WordCount.Min
			def.WordCount.Max = g.WordCount.Max
		case guardrail.TypeRegex:
			def.Regex.Required = g.Regex.Required
			def.Regex.Forbidden = g.Regex.Forbidden
		case guardrail.TypeLLMJudge:
			entry, ok := catalog.Resolve(g.JudgeModel)
			if !ok {
				return nil, fmt.Errorf("guard %q: judge model %q not in catalog", g.ID, g.JudgeModel)
			}
			def.LLMJudge.Judge = modelJudge{client: entry.Client, model: g.JudgeModel}
			def.LLMJudge.SystemPrompt = g.SystemPrompt
			def.LLMJudge.UserPromptTemplate = g.UserPromptTemplate
		default:
			return nil, fmt.Errorf("guard %q: unsupported type %q in config", g.ID, g.Type)
		}
		out[g.ID] = def
	}
	return out, nil
}

// modelJudge adapts a catalog entry's gwmodel.Client to the guardrail Judge
// interface.
type modelJudge struct {
	client gwmodel.Client
	model  string
}

func (j modelJudge) Judge(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := make([]gwmodel.Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, gwmodel.Message{Role: gwmodel.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, gwmodel.Message{Role: gwmodel.RoleUser, Content: userPrompt})

	resp, err := j.client.Complete(ctx, &gwmodel.Request{Model: j.model, Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}
