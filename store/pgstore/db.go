package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
)

// hostAddr returns host with a port, preferring a port embedded in the
// host, then the endpoint port, then 5432.
func hostAddr(endpoint *config.DatabaseEndpointConfig, host string) (string, error) {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	port, err := endpoint.GetPort()
	if err != nil {
		return "", err
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid database port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ConnString builds the connection URL for one host of an endpoint.
func ConnString(endpoint *config.DatabaseEndpointConfig, host string) (string, error) {
	addr, err := hostAddr(endpoint, host)
	if err != nil {
		return "", err
	}
	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, addr, endpoint.Name, sslMode), nil
}

// hostOrder returns the endpoint hosts starting from a random one.
func hostOrder(hosts []string) []string {
	if len(hosts) == 0 {
		return nil
	}
	start := rand.Intn(len(hosts))
	out := make([]string, 0, len(hosts))
	out = append(out, hosts[start:]...)
	return append(out, hosts[:start]...)
}

// createPoolFromEndpoint connects to the first reachable host of an
// endpoint.
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, role string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, errors.New("at least one host must be specified")
	}

	var errs []error
	for _, host := range hostOrder(endpoint.Hosts) {
		pool, err := connectHost(ctx, endpoint, host, logQueries, role)
		if err == nil {
			return pool, nil
		}
		logger.Warn("Database: host unreachable", "role", role, "host", host, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", host, err))
	}
	return nil, errors.Join(errs...)
}

func connectHost(ctx context.Context, endpoint *config.DatabaseEndpointConfig, host string, logQueries bool, role string) (*pgxpool.Pool, error) {
	connString, err := ConnString(endpoint, host)
	if err != nil {
		return nil, err
	}
	logger.Info("Database: connecting", "role", role, "user", endpoint.User, "host", host, "database", endpoint.Name, "tls", endpoint.TLSMode)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if logQueries {
		cfg.ConnConfig.Tracer = &queryTracer{role: role}
	}
	if endpoint.MaxConns > 0 {
		cfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		cfg.MinConns = int32(endpoint.MinConns)
	}
	if cfg.MaxConnLifetime, err = endpoint.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if cfg.MaxConnIdleTime, err = endpoint.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "role", role,
		"max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)
	return pool, nil
}

// queryTracer logs every statement at debug level.
type queryTracer struct {
	role string
}

type traceKey struct{}

type traceData struct {
	sql   string
	start time.Time
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceData{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	td, _ := ctx.Value(traceKey{}).(traceData)
	args := []any{"role", t.role, "sql", strings.Join(strings.Fields(td.sql), " "), "duration", time.Since(td.start)}
	if data.Err != nil {
		args = append(args, "error", data.Err)
	}
	logger.Debug("Database: query", args...)
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

func (s *Store) beginTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions) (*measuredTx, error) {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, err)
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	mtx.done = true
	if err != nil {
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, err)
	}
	metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return nil
}

// Rollback is safe to defer after Commit.
func (mtx *measuredTx) Rollback(ctx context.Context) error {
	if mtx.done {
		return nil
	}
	mtx.done = true
	err := mtx.Tx.Rollback(ctx)
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// observe records the outcome of one statement.
func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}
