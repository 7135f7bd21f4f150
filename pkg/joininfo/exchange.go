package joininfo

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/retry"
)

const fileSuffix = ".joininfo"

// ExchangeConfig locates the shared directory and describes the shard set.
type ExchangeConfig struct {
	Dir     string
	ShardID int
	Shards  int
	Poll    retry.PollConfig
}

// Exchange publishes this shard's PK groups and collects every peer's.
type Exchange struct {
	cfg    ExchangeConfig
	logger *zap.Logger
}

type shardFile struct {
	Table  string
	Shard  int
	Groups Groups
}

// NewExchange validates cfg and creates the exchange directory.
func NewExchange(cfg ExchangeConfig, logger *zap.Logger) (*Exchange, error) {
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", cfg.Shards)
	}
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.Shards {
		return nil, fmt.Errorf("shard id %d outside [0,%d)", cfg.ShardID, cfg.Shards)
	}
	if cfg.Dir == "" {
		return nil, errors.New("join info directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create join info directory: %w", err)
	}
	return &Exchange{
		cfg:    cfg,
		logger: logger.Named("joininfo").With(zap.Int("shard", cfg.ShardID)),
	}, nil
}

// Path returns the file a shard publishes a table's groups to.
func (e *Exchange) Path(table string, shard int) string {
	return filepath.Join(e.cfg.Dir, fmt.Sprintf("%s.%d%s", table, shard, fileSuffix))
}

// Publish writes this shard's groups of table. Readers never observe a
// partial file.
func (e *Exchange) Publish(table string, groups Groups) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(shardFile{Table: table, Shard: e.cfg.ShardID, Groups: groups}); err != nil {
		return fmt.Errorf("encode join info of %s: %w", table, err)
	}
	path := e.Path(table, e.cfg.ShardID)
	if err := WriteFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	e.logger.Debug("Published join info",
		zap.String("table", table),
		zap.String("path", path),
		zap.Int("groups", len(groups)))
	return nil
}

// PublishTable waits until every row of t carries its join tags, then
// publishes the grouped rows.
func (e *Exchange) PublishTable(ctx context.Context, t *Table) error {
	groups, err := t.Groups(ctx)
	if err != nil {
		return err
	}
	return e.Publish(t.Name(), groups)
}

// Collect waits for every shard's file of table and merges them. It polls
// at the configured interval; with a bounded attempt count, shards still
// missing at the end yield ErrPeerMissing.
func (e *Exchange) Collect(ctx context.Context, table string) (Groups, error) {
	var missing []int
	logged := false
	err := retry.Poll(ctx, e.cfg.Poll, func() (bool, error) {
		missing = missing[:0]
		for s := 0; s < e.cfg.Shards; s++ {
			_, err := os.Stat(e.Path(table, s))
			switch {
			case errors.Is(err, os.ErrNotExist):
				missing = append(missing, s)
			case err != nil:
				return false, fmt.Errorf("stat join info of %s shard %d: %w", table, s, err)
			}
		}
		if len(missing) > 0 && !logged {
			e.logger.Info("Waiting for peer join info",
				zap.String("table", table),
				zap.Ints("missing_shards", missing))
			logged = true
		}
		return len(missing) == 0, nil
	})
	if errors.Is(err, retry.ErrPollExhausted) {
		return nil, fmt.Errorf("%w: table %s shards %v", apperrors.ErrPeerMissing, table, missing)
	}
	if err != nil {
		return nil, err
	}

	merged := make(Groups)
	for s := 0; s < e.cfg.Shards; s++ {
		f, err := e.read(table, s)
		if err != nil {
			return nil, err
		}
		merged.Merge(f.Groups)
	}
	return merged, nil
}

func (e *Exchange) read(table string, shard int) (*shardFile, error) {
	path := e.Path(table, shard)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read join info: %w", err)
	}
	var f shardFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if f.Table != table || f.Shard != shard {
		return nil, fmt.Errorf("%s holds table %s shard %d", path, f.Table, f.Shard)
	}
	return &f, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}
