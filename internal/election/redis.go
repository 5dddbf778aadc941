package election

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds the coordination settings for the redis elector.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"` // election mutex name
	TTL      time.Duration `yaml:"ttl"` // leadership lease duration
}

// RedisElector campaigns for a redsync mutex held with a TTL. The winner
// publishes its address under <key>:leader so standbys can resolve the
// current leader. Failing to extend the lease loses the leadership session
// only; the elector returns to standby and keeps campaigning.
type RedisElector struct {
	cfg    *RedisConfig
	self   string
	client *goredislib.Client
	rs     *redsync.Redsync
	log    *zap.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	leading  atomic.Bool
	listener LeadershipListener
}

// NewRedisElector creates a redis-backed elector for the given self address.
func NewRedisElector(cfg *RedisConfig, self string, log *zap.Logger) (*RedisElector, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis elector: addr cannot be empty")
	}
	if cfg.Key == "" {
		cfg.Key = "overlord:election"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := goredislib.NewClient(&goredislib.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisElector{
		cfg:    cfg,
		self:   self,
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		log:    log,
	}, nil
}

// Start launches the campaign goroutine.
func (e *RedisElector) Start(ctx context.Context, listener LeadershipListener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("redis elector already started")
	}
	if _, err := e.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis elector: ping: %w", err)
	}

	campaignCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.listener = listener
	e.started = true

	go e.campaign(campaignCtx)
	return nil
}

func (e *RedisElector) campaign(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mutex := e.rs.NewMutex(e.cfg.Key,
			redsync.WithExpiry(e.cfg.TTL),
			redsync.WithTries(1))

		if err := mutex.TryLockContext(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.TTL / 3):
			}
			continue
		}

		e.publishLeader(ctx)
		if err := e.listener.BecomeLeader(ctx); err != nil {
			// A partially initialized coordinator must not serve traffic.
			e.log.Error("become-leader sequence failed, relinquishing", zap.Error(err))
			e.release(ctx, mutex)
			continue
		}
		e.leading.Store(true)
		e.log.Info("acquired leadership", zap.String("self", e.self))

		e.hold(ctx, mutex)

		e.leading.Store(false)
		e.listener.LoseLeadership()
		e.release(ctx, mutex)

		if ctx.Err() != nil {
			return
		}
		e.log.Warn("lost leadership, returning to standby")
	}
}

// hold extends the lease until it fails or the campaign is stopped.
func (e *RedisElector) hold(ctx context.Context, mutex *redsync.Mutex) {
	ticker := time.NewTicker(e.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := mutex.ExtendContext(ctx)
			if err != nil || !ok {
				e.log.Warn("leadership lease extension failed", zap.Error(err))
				return
			}
			e.publishLeader(ctx)
		}
	}
}

func (e *RedisElector) publishLeader(ctx context.Context) {
	if err := e.client.Set(ctx, e.leaderKey(), e.self, e.cfg.TTL).Err(); err != nil {
		e.log.Warn("failed to publish leader address", zap.Error(err))
	}
}

func (e *RedisElector) release(ctx context.Context, mutex *redsync.Mutex) {
	e.client.Del(context.WithoutCancel(ctx), e.leaderKey())
	if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
		e.log.Warn("failed to unlock election mutex", zap.Error(err))
	}
}

func (e *RedisElector) leaderKey() string {
	return e.cfg.Key + ":leader"
}

// Stop leaves the election, relinquishing leadership if held.
func (e *RedisElector) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.cancel()
	<-e.done
	e.started = false
	return e.client.Close()
}

// IsLeader reports whether this process currently leads.
func (e *RedisElector) IsLeader() bool {
	return e.leading.Load()
}

// Leader resolves the published leader address.
func (e *RedisElector) Leader(ctx context.Context) (string, error) {
	addr, err := e.client.Get(ctx, e.leaderKey()).Result()
	if err == goredislib.Nil {
		return "", fmt.Errorf("no leader elected")
	}
	if err != nil {
		return "", fmt.Errorf("resolve leader: %w", err)
	}
	return addr, nil
}
