package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/qdrant/go-client/qdrant"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/compaction"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/cost"
	"github.com/nextlevelbuilder/agentcore/internal/gateway"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/rag"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/store/dynamo"
	"github.com/nextlevelbuilder/agentcore/internal/store/file"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// backendBundle groups the storage pieces the gateway needs.
type backendBundle struct {
	sessions interface {
		store.Backend
		ListSessions(ctx context.Context, userID string) ([]store.Session, error)
	}
	costs store.CostBackend
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	backends, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}

	registry, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}

	prices := cost.NewPriceTable(nil)
	aggregator := cost.NewAggregator(backends.costs, prices, log)

	var compactor *compaction.Engine
	if cfg.Compaction.Enabled {
		compactor = compaction.New(compaction.Config{
			MaxToolContentLength: cfg.Compaction.MaxToolContentLength,
			ProtectedTurns:       cfg.Compaction.ProtectedTurns,
			TokenThreshold:       cfg.Compaction.TokenThreshold,
		}, backends.sessions, nil, log)
	}

	coordinator := agent.New(agent.Config{
		Backend:   backends.sessions,
		Providers: registry,
		Tools:     tools.NewRegistry(),
		Prices:    prices,
		Costs:     aggregator,
		Compactor: compactor,
		Log:       log,
	})

	ragSvc, err := buildRAG(ctx, cfg)
	if err != nil {
		return err
	}

	server := gateway.NewServer(gateway.Config{
		Coordinator: coordinator,
		Backend:     backends.sessions,
		Costs:       aggregator,
		RAG:         ragSvc,
		RateRPS:     cfg.Gateway.RateLimitRPS,
		Log:         log,
	})
	return server.ListenAndServe(ctx, cfg.Gateway.Host, cfg.Gateway.Port)
}

// loadAWS resolves AWS config through the default chain, honoring an
// explicit static credential pair when one is configured (dynamodb-local
// and other dev endpoints).
func loadAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.AccessKeyID != "" && cfg.AWS.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	return awsCfg, nil
}

func buildBackends(ctx context.Context, cfg *config.Config) (*backendBundle, error) {
	switch cfg.Memory.Type {
	case config.MemoryFile:
		sessions, err := file.New(cfg.Memory.SessionsDir, nil)
		if err != nil {
			return nil, fmt.Errorf("file backend: %w", err)
		}
		costs, err := file.NewCostBackend(cfg.Memory.SessionsDir)
		if err != nil {
			return nil, fmt.Errorf("file cost backend: %w", err)
		}
		return &backendBundle{sessions: sessions, costs: costs}, nil

	case config.MemoryDynamoDB:
		awsCfg, err := loadAWS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		db := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		return &backendBundle{
			sessions: dynamo.NewBackend(db, cfg.AWS.SessionsMetadataTable, nil),
			costs:    dynamo.NewCostBackend(db, cfg.AWS.CostSummaryTable, cfg.AWS.SystemRollupTable, nil),
		}, nil

	default:
		return nil, fmt.Errorf("unknown memory type %q", cfg.Memory.Type)
	}
}

func buildProviders(ctx context.Context, cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	// Bedrock registers first: it is the fallback for unknown model ids.
	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	registry.Register(providers.NewBedrock(bedrockruntime.NewFromConfig(awsCfg), cfg.Providers.DefaultModel, nil))

	if cfg.Providers.OpenAIAPIKey != "" {
		client := openai.NewClient(option.WithAPIKey(cfg.Providers.OpenAIAPIKey))
		registry.Register(providers.NewOpenAI(client, "", nil))
	}
	if cfg.Providers.GeminiAPIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.Providers.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		registry.Register(providers.NewGemini(client, "", nil))
	}
	return registry, nil
}

func buildRAG(ctx context.Context, cfg *config.Config) (*rag.Service, error) {
	if cfg.Assistants.VectorStoreIndexName == "" || cfg.Assistants.QdrantHost == "" {
		return nil, nil
	}
	points, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Assistants.QdrantHost,
		Port: cfg.Assistants.QdrantPort,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	embedder := rag.NewTitanEmbedder(bedrockruntime.NewFromConfig(awsCfg), "")

	var presign rag.PresignFunc
	if cfg.Assistants.DocumentsBucketName != "" {
		presign = rag.S3Presigner(s3.NewPresignClient(s3.NewFromConfig(awsCfg)))
	}
	return rag.NewService(points, embedder, presign,
		cfg.Assistants.VectorStoreIndexName, cfg.Assistants.DocumentsBucketName, nil), nil
}
