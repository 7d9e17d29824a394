// Command recallctl is the operational CLI for the recall research engine.
//
// Subcommands:
//
//	migrate    apply embedded schema migrations and exit
//	sweep      delete expired research cache entries
//	research   run one research pass for a message and print the result
//	listen     print research completion events as they arrive
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/strandhq/recall"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RECALL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func usage() error {
	fmt.Fprintln(os.Stderr, "usage: recallctl <migrate|sweep|research|listen> [flags]")
	return fmt.Errorf("missing or unknown subcommand")
}

func run(ctx context.Context, logger *slog.Logger) error {
	if len(os.Args) < 2 {
		return usage()
	}

	switch os.Args[1] {
	case "migrate":
		return runMigrate(ctx, logger)
	case "sweep":
		return runSweep(ctx, logger)
	case "research":
		return runResearch(ctx, logger, os.Args[2:])
	case "listen":
		return runListen(ctx, logger)
	default:
		return usage()
	}
}

func runMigrate(ctx context.Context, logger *slog.Logger) error {
	// New() runs embedded migrations as part of startup.
	engine, err := recall.New(ctx, recall.WithLogger(logger), recall.WithVersion(version))
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close(context.Background()) }()

	logger.Info("migrations applied")
	return nil
}

func runSweep(ctx context.Context, logger *slog.Logger) error {
	engine, err := recall.New(ctx,
		recall.WithLogger(logger),
		recall.WithVersion(version),
		recall.WithoutMigrations(),
	)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close(context.Background()) }()

	count, err := engine.SweepExpired(ctx)
	if err != nil {
		return err
	}
	logger.Info("expired cache entries removed", "count", count)
	return nil
}

func runResearch(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("research", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace UUID (required)")
	conversation := fs.String("conversation", "", "invocation conversation UUID (required)")
	message := fs.String("message", "", "triggering message UUID (required)")
	content := fs.String("content", "", "triggering message content (required)")
	user := fs.String("user", "", "invoking user UUID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	workspaceID, err := uuid.Parse(*workspace)
	if err != nil {
		return fmt.Errorf("parse -workspace: %w", err)
	}
	conversationID, err := uuid.Parse(*conversation)
	if err != nil {
		return fmt.Errorf("parse -conversation: %w", err)
	}
	messageID, err := uuid.Parse(*message)
	if err != nil {
		return fmt.Errorf("parse -message: %w", err)
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("parse -user: %w", err)
	}
	if *content == "" {
		return fmt.Errorf("-content is required")
	}

	engine, err := recall.New(ctx,
		recall.WithLogger(logger),
		recall.WithVersion(version),
		recall.WithoutMigrations(),
	)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close(context.Background()) }()

	result, err := engine.Research(ctx, recall.ResearchRequest{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Message: recall.Message{
			ID:         messageID,
			AuthorID:   userID,
			AuthorKind: "user",
			Content:    *content,
		},
		InvokingUserID: userID,
	})
	if err != nil {
		return err
	}

	out := map[string]any{
		"searched": result.Searched,
		"sources":  result.Sources,
	}
	if result.ContextText != nil {
		out["context_text"] = *result.ContextText
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runListen(ctx context.Context, logger *slog.Logger) error {
	listener, err := recall.NewEventListener(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close(context.Background()) }()

	logger.Info("listening for research completion events")
	for {
		payload, err := listener.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(payload)
	}
}
