package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi"
	"github.com/jonboulle/clockwork"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/minakawa-daiki/quizduel/pkg/api"
	"github.com/minakawa-daiki/quizduel/pkg/auth"
	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/bot"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
	"github.com/minakawa-daiki/quizduel/pkg/metrics"
	"github.com/minakawa-daiki/quizduel/pkg/presence"
	"github.com/minakawa-daiki/quizduel/pkg/question"
	"github.com/minakawa-daiki/quizduel/pkg/realtime"
	"github.com/minakawa-daiki/quizduel/pkg/reward"
)

type config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	PrettyLog    bool   `envconfig:"PRETTY_LOG" default:"false"`
	UseFirestore bool   `envconfig:"USE_FIRESTORE" default:"false"`
	CatalogPath  string `envconfig:"QUESTION_CATALOG" default:"questions.yaml"`

	// AuthTokens holds "token:uid" pairs separated by commas. When empty and
	// InsecureAuth is set, the token itself is taken as the uid.
	AuthTokens   string `envconfig:"AUTH_TOKENS"`
	InsecureAuth bool   `envconfig:"INSECURE_AUTH" default:"true"`

	TotalRounds   int           `envconfig:"TOTAL_ROUNDS" default:"5"`
	RoundTimeout  time.Duration `envconfig:"ROUND_TIMEOUT" default:"20s"`
	MashDuration  time.Duration `envconfig:"MASH_DURATION" default:"5s"`
	MatchDuration time.Duration `envconfig:"MATCH_DURATION" default:"10m"`
	ForfeitAfter  time.Duration `envconfig:"FORFEIT_AFTER" default:"30s"`
	PresenceTTL   time.Duration `envconfig:"PRESENCE_TTL" default:"10s"`
}

func main() {
	var conf config
	if err := envconfig.Process("", &conf); err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to process config")
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "quizduel").Logger()
	if conf.PrettyLog {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()
	clock := clockwork.NewRealClock()

	battleStore, ticketStore, questions, err := newStores(ctx, &conf)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up stores")
	}

	rules := battle.DefaultRules()
	rules.TotalRounds = conf.TotalRounds
	rules.RoundTimeout = conf.RoundTimeout
	rules.MashDuration = conf.MashDuration
	rules.MatchDuration = conf.MatchDuration
	rules.ForfeitAfter = conf.ForfeitAfter

	mets := metrics.New(prometheus.DefaultRegisterer)
	engine := battle.NewEngine(battleStore, questions, nil, rules, clock, logger)
	queue := matchmaking.NewQueue(ticketStore, engine, clock, logger)
	tracker := presence.NewTracker(engine, clock, conf.PresenceTTL, logger)
	verifier := newVerifier(&conf, logger)

	feed := realtime.NewServer(engine, queue, tracker, verifier, mets, logger)
	engine.AddNotifier(feed)
	queue.AddNotifier(feed)
	engine.AddNotifier(metrics.NewBattleObserver(mets))
	queue.AddNotifier(metrics.NewTicketObserver(mets))
	engine.AddNotifier(bot.NewDriver(engine, bot.DefaultProfile(), clock, logger))
	engine.AddFinishHook(reward.FinishHook(reward.NewLogGranter(logger), logger))

	watchdog := battle.NewWatchdog(engine, logger)
	commands := api.NewServer(engine, queue, tracker, verifier, mets, logger)

	r := chi.NewRouter()
	r.Mount("/api", commands.Handler())
	r.Handle("/ws", feed.Handler())
	r.Handle("/metrics", promhttp.Handler())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return watchdog.Run(ctx) })
	eg.Go(func() error { return tracker.Run(ctx) })
	eg.Go(func() error { return queue.Run(ctx) })
	eg.Go(func() error {
		addr := ":" + conf.Port
		logger.Info().Str("addr", addr).Msg("quizduel is listening")
		return http.ListenAndServe(addr, r)
	})
	if err := eg.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newStores(ctx context.Context, conf *config) (battle.Store, matchmaking.Store, question.Store, error) {
	if conf.UseFirestore {
		projectID := "quizduel"
		if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
			projectID = p
		}
		fc, err := firestore.NewClient(ctx, projectID)
		if err != nil {
			return nil, nil, nil, err
		}
		return battle.NewFirestoreStore(fc), matchmaking.NewFirestoreStore(fc), question.NewFirestoreStore(fc), nil
	}
	questions, err := question.NewStoreFromCatalog(conf.CatalogPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return battle.NewInMemoryStore(), matchmaking.NewInMemoryStore(), questions, nil
}

func newVerifier(conf *config, logger zerolog.Logger) auth.Verifier {
	if conf.AuthTokens != "" {
		v := auth.StaticVerifier{}
		for _, pair := range strings.Split(conf.AuthTokens, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(kv) == 2 {
				v[kv[0]] = kv[1]
			}
		}
		return v
	}
	if conf.InsecureAuth {
		logger.Warn().Msg("running with insecure auth; tokens are taken as uids")
		return auth.InsecureVerifier{}
	}
	logger.Fatal().Msg("no auth configured: set AUTH_TOKENS or INSECURE_AUTH=true")
	return nil
}
