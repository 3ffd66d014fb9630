package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	smithyoteltracing "github.com/aws/smithy-go/tracing/smithy-otel-tracing"
	"go.opentelemetry.io/otel"

	"chat-relay/handler"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/repository"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	chatTable := mustEnv("CHAT_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	langwatchAPIKey := mustEnv("LANGWATCH_API_KEY")
	langwatchEndpoint := envString("LANGWATCH_ENDPOINT", telemetry.DefaultEndpoint)
	serviceName := envString("OTEL_SERVICE_NAME", "chat-relay")
	consoleExporter := envBool("OTEL_CONSOLE_EXPORTER", false)
	chatModel := envString("CHAT_MODEL", "")
	maxContentLen := envInt("MAX_CONTENT_LENGTH", 2000)
	maxChatTurns := envInt("MAX_CHAT_TURNS", 50)
	moderation := envBool("MODERATION_ENABLED", false)

	// ---- Telemetry ----
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: os.Getenv("AWS_LAMBDA_FUNCTION_VERSION"),
		Endpoint:       langwatchEndpoint,
		APIKey:         langwatchAPIKey,
		Console:        consoleExporter,
	})
	if err != nil {
		slog.Error("failed to set up tracing", "err", err)
		os.Exit(1)
	}
	otel.SetTracerProvider(tp)
	awsTracer := smithyoteltracing.Adapt(tp)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg, func(o *awsssm.Options) {
		o.TracerProvider = awsTracer
	}))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg, func(o *awsdynamodb.Options) {
		o.TracerProvider = awsTracer
	})
	chatStore, err := repository.New(dynamoClient, chatTable)
	if err != nil {
		slog.Error("failed to create chat store", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openai.WithTracerProvider(tp))
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(openaiClient, chatStore, usecase.Config{
		Model:          chatModel,
		MaxContentLen:  maxContentLen,
		MaxTurns:       maxChatTurns,
		Moderation:     moderation,
		TracerProvider: tp,
	})
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down tracer provider", "err", err)
		}
	}))
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
