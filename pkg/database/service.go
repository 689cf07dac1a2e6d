package database

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"validator_fleet/pkg/config"
	"validator_fleet/pkg/data"
	"validator_fleet/pkg/utils"
)

// Service manages the store backing the fleet state and hands out its repository
type Service struct {
	pool     *pgxpool.Pool
	embedded *postgres.EmbeddedPostgres
	logger   *zap.Logger
	config   *config.DatabaseConfig
	repo     data.Repository
	schema   *data.SchemaManager

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg *config.DatabaseConfig, logger *zap.Logger) *Service {
	return &Service{
		config: cfg,
		logger: logger,
	}
}

// Start connects to the store and applies the schema
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	if s.config.Driver == config.DriverMemory {
		s.repo = data.NewMemoryRepository()
		s.isRunning = true
		s.logger.Warn("Using in-memory store; fleet state is lost on restart")
		return nil
	}

	connStr := s.config.URL
	if s.config.Embedded {
		var err error
		if connStr, err = s.startEmbedded(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	pool, err := s.createPool(ctx, connStr)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	s.schema = data.NewSchemaManager(pool)
	if err := s.schema.InitializeSchema(ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.repo = data.NewPostgresRepository(pool, s.logger)
	s.isRunning = true
	s.logger.Info("Database service started successfully",
		zap.Bool("embedded", s.config.Embedded),
		zap.Int("maxConns", s.config.MaxConns))
	return nil
}

// Stop closes database connections
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	err := s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return err
}

// Repository returns the data repository
func (s *Service) Repository() data.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

// IsHealthy checks database health
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}
	if s.pool == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.pool.Ping(ctx) == nil
}

// Internal methods

func (s *Service) startEmbedded() (string, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}
	password, _ := u.User.Password()
	dbName := u.Path
	if len(dbName) > 1 {
		dbName = dbName[1:]
	}

	pg := postgres.NewDatabase(
		postgres.DefaultConfig().
			Username(u.User.Username()).
			Password(password).
			Database(dbName).
			Port(uint32(s.config.EmbeddedPort)).
			DataPath(s.config.DataDir).
			StartTimeout(s.config.Timeout).
			Logger(zap.NewStdLog(s.logger.Named("postgres")).Writer()))

	if err := pg.Start(); err != nil {
		return "", fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg

	u.Host = "localhost:" + strconv.Itoa(s.config.EmbeddedPort)
	s.logger.Info("Embedded postgres started",
		zap.Int("port", s.config.EmbeddedPort),
		zap.String("dataDir", s.config.DataDir))
	return u.String(), nil
}

func (s *Service) createPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	poolConfig.MaxConns = int32(s.config.MaxConns)
	poolConfig.MinConns = int32(s.config.MinConns)
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = s.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	err = utils.RetryWithBackoff(ctx, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("creating connection pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			s.logger.Warn("Database not reachable yet", zap.Error(err))
			return fmt.Errorf("pinging connection pool: %w", err)
		}
		pool = p
		return nil
	}, &utils.RetryConfig{
		MaxAttempts:      5,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BackoffFactor:    2.0,
		MaxJitterPercent: 0.2,
	})
	if err != nil {
		return nil, err
	}

	return pool, nil
}

func (s *Service) cleanup() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.embedded != nil {
		err := s.embedded.Stop()
		s.embedded = nil
		if err != nil {
			return fmt.Errorf("stopping embedded postgres: %w", err)
		}
	}
	return nil
}

// Config represents database configuration
func (s *Service) Config() *config.DatabaseConfig {
	return s.config
}
