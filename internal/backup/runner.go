package backup

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

// NewRunner returns the export runner for the cluster's backend.
func NewRunner(spec cluster.Spec, cfg config.ProbeConfig, logger *zap.Logger) (Runner, error) {
	switch spec.Backend {
	case cluster.BackendQuorumMultimaster:
		return &MySQLDumpRunner{cfg: cfg.MySQL, logger: logger}, nil
	case cluster.BackendSentinel:
		return &RedisRunner{cfg: cfg.Redis, logger: logger}, nil
	case cluster.BackendConsensus:
		return &PGDumpRunner{cfg: cfg.Patroni.Postgres, logger: logger}, nil
	}
	return nil, fmt.Errorf("no backup runner for backend %q", spec.Backend)
}

// MySQLDumpRunner exports the multimaster backend with mysqldump and
// loads through the mysql client, both reading the node's management
// credentials from the environment.
type MySQLDumpRunner struct {
	cfg    config.MySQLConfig
	logger *zap.Logger
}

func (r *MySQLDumpRunner) Dump(ctx context.Context, node cluster.NodeSpec, w io.Writer) error {
	cmd := exec.CommandContext(ctx, "mysqldump",
		"--all-databases", "--single-transaction", "--triggers", "--routines",
		"-h", node.Host, "-P", fmt.Sprint(r.cfg.Port), "-u", r.cfg.User)
	cmd.Env = append(cmd.Environ(), "MYSQL_PWD="+r.cfg.Password)
	cmd.Stdout = w
	return runLogged(cmd, r.logger, "mysqldump", node.Name)
}

func (r *MySQLDumpRunner) Load(ctx context.Context, node cluster.NodeSpec, in io.Reader) error {
	cmd := exec.CommandContext(ctx, "mysql",
		"-h", node.Host, "-P", fmt.Sprint(r.cfg.Port), "-u", r.cfg.User)
	cmd.Env = append(cmd.Environ(), "MYSQL_PWD="+r.cfg.Password)
	cmd.Stdin = in
	return runLogged(cmd, r.logger, "mysql load", node.Name)
}

// PGDumpRunner exports the consensus backend with pg_dumpall and loads
// through psql.
type PGDumpRunner struct {
	cfg    config.PostgresConfig
	logger *zap.Logger
}

func (r *PGDumpRunner) Dump(ctx context.Context, node cluster.NodeSpec, w io.Writer) error {
	cmd := exec.CommandContext(ctx, "pg_dumpall",
		"-h", node.Host, "-p", fmt.Sprint(r.cfg.Port), "-U", r.cfg.User, "--clean")
	cmd.Env = append(cmd.Environ(), "PGPASSWORD="+r.cfg.Password)
	cmd.Stdout = w
	return runLogged(cmd, r.logger, "pg_dumpall", node.Name)
}

func (r *PGDumpRunner) Load(ctx context.Context, node cluster.NodeSpec, in io.Reader) error {
	cmd := exec.CommandContext(ctx, "psql",
		"-h", node.Host, "-p", fmt.Sprint(r.cfg.Port), "-U", r.cfg.User,
		"-d", r.cfg.Database, "-v", "ON_ERROR_STOP=1")
	cmd.Env = append(cmd.Environ(), "PGPASSWORD="+r.cfg.Password)
	cmd.Stdin = in
	return runLogged(cmd, r.logger, "psql load", node.Name)
}

func runLogged(cmd *exec.Cmd, logger *zap.Logger, what, node string) error {
	logger.Debug("running export tool", zap.String("tool", what), zap.String("node", node))
	var stderr captureWriter
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s on %s: %w (%s)", what, node, err, string(stderr.buf))
	}
	return nil
}

type captureWriter struct{ buf []byte }

func (c *captureWriter) Write(p []byte) (int, error) {
	// Keep the tail; tool errors show up at the end of stderr.
	c.buf = append(c.buf, p...)
	if len(c.buf) > 4096 {
		c.buf = c.buf[len(c.buf)-4096:]
	}
	return len(p), nil
}

// RedisRunner exports the cache backend over its own protocol: every key
// is serialized with DUMP and written as a length-prefixed record, and
// Load replays the records with RESTORE REPLACE. The scan runs against a
// live node, so the export is consistent per key, not across keys — the
// same guarantee the engine's own replication offers a resyncing replica.
type RedisRunner struct {
	cfg    config.RedisConfig
	logger *zap.Logger
}

func (r *RedisRunner) Dump(ctx context.Context, node cluster.NodeSpec, w io.Writer) error {
	cl := r.client(node)
	defer func() { _ = cl.Close() }()

	bw := bufio.NewWriter(w)
	var cursor uint64
	keys := 0
	for {
		batch, next, err := cl.Scan(ctx, cursor, "*", 512).Result()
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for _, key := range batch {
			payload, err := cl.Dump(ctx, key).Result()
			if err == redis.Nil {
				continue // expired mid-scan
			}
			if err != nil {
				return fmt.Errorf("dump %q: %w", key, err)
			}
			ttl, err := cl.PTTL(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("pttl %q: %w", key, err)
			}
			if err := writeRecord(bw, key, payload, ttl); err != nil {
				return err
			}
			keys++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.logger.Info("redis export complete", zap.String("node", node.Name), zap.Int("keys", keys))
	return bw.Flush()
}

func (r *RedisRunner) Load(ctx context.Context, node cluster.NodeSpec, in io.Reader) error {
	cl := r.client(node)
	defer func() { _ = cl.Close() }()

	br := bufio.NewReader(in)
	keys := 0
	for {
		key, payload, ttl, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if ttl < 0 {
			ttl = 0 // no expiry
		}
		if err := cl.RestoreReplace(ctx, key, ttl, payload).Err(); err != nil {
			return fmt.Errorf("restore %q: %w", key, err)
		}
		keys++
	}
	r.logger.Info("redis import complete", zap.String("node", node.Name), zap.Int("keys", keys))
	return nil
}

func (r *RedisRunner) client(node cluster.NodeSpec) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", node.Host, r.cfg.Port),
		Password: r.cfg.Password,
	})
}

func writeRecord(w io.Writer, key, payload string, ttl time.Duration) error {
	for _, s := range []string{key, payload} {
		if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.BigEndian, ttl.Milliseconds())
}

func readRecord(r io.Reader) (key, payload string, ttl time.Duration, err error) {
	read := func() (string, error) {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}
	if key, err = read(); err != nil {
		return "", "", 0, err
	}
	if payload, err = read(); err != nil {
		return "", "", 0, fmt.Errorf("truncated record: %w", err)
	}
	var ms int64
	if err = binary.Read(r, binary.BigEndian, &ms); err != nil {
		return "", "", 0, fmt.Errorf("truncated record: %w", err)
	}
	return key, payload, time.Duration(ms) * time.Millisecond, nil
}
