package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/config"
	"github.com/acme/outbound-followup-engine/internal/infra/db"
	"github.com/acme/outbound-followup-engine/internal/infra/redis"
	"github.com/acme/outbound-followup-engine/internal/provider"
	"github.com/acme/outbound-followup-engine/internal/provider/cloudapi"
	providermock "github.com/acme/outbound-followup-engine/internal/provider/mock"
	"github.com/acme/outbound-followup-engine/internal/queue"
	"github.com/acme/outbound-followup-engine/internal/repository"
	pgrepo "github.com/acme/outbound-followup-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-followup-engine/internal/repository/scylla"
	campaignsvc "github.com/acme/outbound-followup-engine/internal/service/campaign"
	"github.com/acme/outbound-followup-engine/internal/service/concurrency"
	"github.com/acme/outbound-followup-engine/internal/service/dispatch"
	"github.com/acme/outbound-followup-engine/internal/service/followup"
	"github.com/acme/outbound-followup-engine/internal/service/recipient"
	"github.com/acme/outbound-followup-engine/internal/service/sender"
	sequencesvc "github.com/acme/outbound-followup-engine/internal/service/sequence"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Clock  clock.Clock

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		leaser       *concurrency.Leaser
	}
}

type repositories struct {
	Campaigns   repository.CampaignRepository
	Stats       repository.CampaignStatisticsRepository
	Recipients  repository.RecipientRepository
	Contacts    repository.ContactDirectory
	Templates   repository.TemplateRepository
	Sequences   repository.SequenceRepository
	Activations repository.ActivationStore
	Dispatches  repository.DispatchStore
}

type services struct {
	Campaign   *campaignsvc.Service
	Sequence   *sequencesvc.Service
	Engine     *followup.Engine
	Dispatcher *dispatch.Dispatcher
	Sender     sender.Sender
}

type publishers struct {
	Campaigns   *queue.CampaignPublisher
	Events      *queue.EventPublisher
	DeadLetters *queue.DeadLetterPublisher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Clock:    clock.New(),
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		repos := &repositories{
			Campaigns:   pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Stats:       pgrepo.NewCampaignStatisticsRepository(c.Postgres.DB()),
			Recipients:  pgrepo.NewRecipientRepository(c.Postgres.DB()),
			Contacts:    pgrepo.NewContactRepository(c.Postgres.DB()),
			Templates:   pgrepo.NewTemplateRepository(c.Postgres.DB()),
			Sequences:   pgrepo.NewSequenceRepository(c.Postgres.DB()),
			Activations: pgrepo.NewActivationStore(c.Postgres.DB(), cfg.Scheduler.ClaimTTL),
			Dispatches:  scyllarepo.NewDispatchStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Campaigns:   queue.NewCampaignPublisher(c.Kafka, cfg.Kafka.CampaignTopic),
			Events:      queue.NewEventPublisher(c.Kafka, cfg.Kafka.EventTopic),
			DeadLetters: queue.NewDeadLetterPublisher(c.Kafka, cfg.Kafka.DeadLetterTopic),
		}

		// one throttle for the whole process: campaigns and follow-ups share it
		throttle := concurrency.NewThrottle(cfg.Throttle.MinInterval, c.Clock)
		rateLimited := sender.New(c.newProvider(), throttle, c.Clock, sender.RetryPolicy{
			BaseDelay: cfg.Sender.RetryBaseDelay,
			MaxDelay:  cfg.Sender.RetryMaxDelay,
		}, c.Logger.Named("sender"))

		svcs := &services{Sender: rateLimited}
		svcs.Campaign = campaignsvc.NewService(campaignsvc.Deps{
			Campaigns:    repos.Campaigns,
			Stats:        repos.Stats,
			Recipients:   repos.Recipients,
			Templates:    repos.Templates,
			Dispatches:   repos.Dispatches,
			Resolver:     recipient.NewResolver(repos.Contacts),
			Publisher:    pubs.Campaigns,
			Clock:        c.Clock,
			DefaultDelay: cfg.Campaign.DefaultMessageDelay,
		})
		svcs.Dispatcher = dispatch.NewDispatcher(dispatch.Deps{
			Campaigns:  repos.Campaigns,
			Stats:      repos.Stats,
			Recipients: repos.Recipients,
			Templates:  repos.Templates,
			Dispatches: repos.Dispatches,
			Sender:     rateLimited,
			Clock:      c.Clock,
			Logger:     c.Logger.Named("dispatch"),
		})
		svcs.Sequence = sequencesvc.NewService(repos.Sequences, repos.Activations, c.Clock)
		svcs.Engine = followup.NewEngine(followup.Deps{
			Sequences:   repos.Sequences,
			Activations: repos.Activations,
			Contacts:    repos.Contacts,
			Dispatches:  repos.Dispatches,
			Sender:      rateLimited,
			Clock:       c.Clock,
			ClaimTTL:    cfg.Scheduler.ClaimTTL,
			Logger:      c.Logger.Named("followup"),
		})

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.leaser = concurrency.NewLeaser(c.Redis.Inner(), cfg.Campaign.LeaseKeyPrefix, cfg.Campaign.LeaseTTL)
	})
}

func (c *Container) newProvider() provider.Provider {
	cfg := c.Config.Provider
	switch cfg.Name {
	case "cloudapi", "whatsapp":
		return cloudapi.New(cfg, c.Config.Sender.RequestTimeout)
	default:
		c.Logger.Warn("using mock messaging provider")
		return providermock.NewProvider(cfg.MockAcceptRate, 50*time.Millisecond)
	}
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Leaser exposes the campaign lease manager.
func (c *Container) Leaser() *concurrency.Leaser {
	c.initComponents()
	return c.components.leaser
}

// Check pings every backing store. The map holds one entry per dependency,
// nil when healthy.
func (c *Container) Check(ctx context.Context) map[string]error {
	return map[string]error{
		"postgres": c.Postgres.Ping(ctx),
		"scylla":   c.Scylla.Ping(ctx),
		"redis":    c.Redis.Ping(ctx),
	}
}

// Migrate applies the Postgres migrations and the Scylla schema.
func (c *Container) Migrate(ctx context.Context) error {
	applied, err := c.Postgres.Migrate(ctx, c.Config.Postgres.MigrationsDir)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		c.Logger.Info("postgres migrations applied", zap.Int64s("versions", applied))
	}
	return c.Scylla.EnsureSchema(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Campaigns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("campaign publisher close: %w", err))
		}
		if err := p.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
		if err := p.DeadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	k := c.Config.Kafka
	return c.Kafka.EnsureTopics(ctx, k.CampaignTopic, k.EventTopic, k.DeadLetterTopic)
}
