package app

import (
	"bufio"
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/cfg"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/storage/disk"
	"github.com/Blackdeer1524/RelDB/src/storage/index"
	"github.com/Blackdeer1524/RelDB/src/txns"
)

// indexTableID is the lock-manager resource standing for the index file:
// commands lock it like executors lock a table.
const indexTableID common.TableID = 0

type stack struct {
	conf cfg.Config

	log    *zap.SugaredLogger
	dm     *disk.Manager
	pool   *bufferpool.Manager
	tree   *index.BPlusTree[int64]
	lm     *txns.LockManager
	txnMgr *txns.TxnManager
}

func buildStack() (*stack, error) {
	conf := cfg.MustLoad()

	var logger *zap.Logger
	var err error
	if conf.Environment == cfg.EnvProd {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to build the logger")
	}
	log := logger.Sugar()

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(conf.DataDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create data dir %s", conf.DataDir)
	}

	dbPath := flagDB
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(conf.DataDir, dbPath)
	}

	dm, err := disk.New(fs, dbPath)
	if err != nil {
		return nil, err
	}

	pool := bufferpool.New(conf.PoolSize, conf.ReplacerK, dm, log)

	pages, err := dm.PageCount()
	if err != nil {
		return nil, err
	}
	if pages == 0 {
		if _, err := index.CreateHeaderPage(pool); err != nil {
			return nil, err
		}
	} else {
		pool.AdvancePageCounter(common.PageID(pages))
	}

	tree, err := index.NewBPlusTree(
		flagIndex,
		pool,
		common.HeaderPageID,
		index.Int64Compare,
		index.Int64Codec{},
		0, 0,
		log,
	)
	if err != nil {
		return nil, err
	}

	lm := txns.NewLockManager(log)

	return &stack{
		conf:   conf,
		log:    log,
		dm:     dm,
		pool:   pool,
		tree:   tree,
		lm:     lm,
		txnMgr: txns.NewTxnManager(lm, log),
	}, nil
}

func (s *stack) close() error {
	if err := s.pool.FlushAllPages(); err != nil {
		return err
	}
	return s.dm.Close()
}

// withTxn runs fn inside a transaction holding the given lock on the
// index resource, committing on success and aborting on failure.
func (s *stack) withTxn(mode txns.LockMode, fn func(txn *txns.Transaction) error) error {
	txn := s.txnMgr.Begin(txns.RepeatableRead)

	if err := s.lm.LockTable(txn, mode, indexTableID); err != nil {
		return err
	}

	if err := fn(txn); err != nil {
		s.txnMgr.Abort(txn)
		return err
	}

	s.txnMgr.Commit(txn)
	return nil
}

// run executes fn under a signal-aware group with the deadlock detector
// ticking in the background, and flushes the pool on the way out,
// successful or not.
func run(fn func(ctx context.Context, s *stack) error) error {
	s, err := buildStack()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go s.lm.RunDeadlockDetection(ctx, s.conf.DeadlockDetectionInterval())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return fn(ctx, s)
	})
	eg.Go(func() error {
		<-ctx.Done()
		return s.close()
	})

	if err := eg.Wait(); err != nil {
		s.log.Errorw("command failed", "error", err)
		return err
	}

	return nil
}

func runLoad(path string) error {
	return run(func(ctx context.Context, s *stack) error {
		return s.withTxn(txns.LockExclusive, func(*txns.Transaction) error {
			if flagWorkers <= 1 {
				return index.InsertFromFile(s.tree, afero.NewOsFs(), path)
			}

			keys, err := readKeys(path)
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			pool, err := ants.NewPoolWithFunc(flagWorkers, func(i interface{}) {
				defer wg.Done()

				key := i.(int64)
				if _, err := s.tree.Insert(key, index.RIDForKey(key)); err != nil {
					s.log.Errorw("insert failed", "key", key, "error", err)
				}
			})
			if err != nil {
				return errors.Wrap(err, "failed to build the worker pool")
			}
			defer pool.Release()

			for _, key := range keys {
				wg.Add(1)
				if err := pool.Serve(key); err != nil {
					wg.Done()
					return errors.Wrap(err, "failed to submit a key")
				}
			}
			wg.Wait()

			s.log.Infow("load finished", "keys", len(keys))
			return nil
		})
	})
}

func runRemove(path string) error {
	return run(func(ctx context.Context, s *stack) error {
		return s.withTxn(txns.LockExclusive, func(*txns.Transaction) error {
			return index.RemoveFromFile(s.tree, afero.NewOsFs(), path)
		})
	})
}

func runScan() error {
	return run(func(ctx context.Context, s *stack) error {
		return s.withTxn(txns.LockShared, func(*txns.Transaction) error {
			it, err := s.tree.Begin()
			if err != nil {
				return err
			}
			defer it.Close()

			for !it.IsEnd() {
				fmt.Println(it.Key())
				if err := it.Next(); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func readKeys(path string) ([]int64, error) {
	f, err := afero.NewOsFs().Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open key file %s", path)
	}
	defer f.Close()

	var keys []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad key %q", line)
		}
		keys = append(keys, key)
	}

	return keys, scanner.Err()
}
