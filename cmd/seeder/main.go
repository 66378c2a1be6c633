package main

import (
	"context"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"

	"github.com/minakawa-daiki/quizduel/pkg/question"
)

// Seeds a YAML question catalog into Firestore. Re-running overwrites
// documents in place, so the catalog file stays the source of truth.
func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if len(os.Args) < 2 {
		logger.Fatal().Msg("usage: seeder <catalog.yaml>")
	}

	ctx := context.Background()
	projectID := "quizduel"
	if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
		projectID = p
	}
	fc, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to new firestore client")
	}

	qs, err := question.LoadCatalog(os.Args[1])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load catalog")
	}
	for _, q := range qs {
		if _, err := fc.Collection(question.FirestoreCollection).Doc(q.ID).Set(ctx, q); err != nil {
			logger.Fatal().Err(err).Str("id", q.ID).Msg("failed to seed question")
		}
		logger.Info().Str("id", q.ID).Str("poolId", q.PoolID).Msg("seeded")
	}
}
