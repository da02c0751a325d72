// Package store persists tick results, liquidation executions and keeper
// snapshots. BadgerDB is the on-disk backend, with an in-memory fallback for
// development and tests.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/predict/pkg/keeper"
	"github.com/luxfi/predict/pkg/risk"
)

const (
	tickPrefix   = "tick/"
	execPrefix   = "exec/"
	keeperPrefix = "keeper/"
	lastPrefix   = "last/"
)

// Store wraps the database with the engine's persistence schema.
type Store struct {
	db     database.Database
	logger log.Logger
}

// Open creates a BadgerDB-backed store under dataDir, falling back to an
// in-memory database when the disk backend cannot be opened.
func Open(dataDir string, logger log.Logger) (*Store, error) {
	dbManager := manager.NewManager(dataDir, nil)

	cfg := manager.DefaultBadgerDBConfig("badgerdb")
	cfg.Namespace = "riskd"

	db, err := dbManager.New(cfg)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memCfg := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memCfg)
		if err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", dataDir)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenMemory creates a purely in-memory store.
func OpenMemory(logger log.Logger) (*Store, error) {
	dbManager := manager.NewManager("", nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("create memory database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// PutTickResult stores a tick's verdict and advances the market's last-tick
// marker in the same batch.
func (s *Store) PutTickResult(res *risk.TickResult) error {
	value, err := json.Marshal(res)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(tickKey(res.Market, res.Tick), value); err != nil {
		return err
	}
	var tickBytes [8]byte
	binary.BigEndian.PutUint64(tickBytes[:], res.Tick)
	if err := batch.Put([]byte(lastPrefix+res.Market), tickBytes[:]); err != nil {
		return err
	}
	return batch.Write()
}

// TickResult loads a stored tick verdict.
func (s *Store) TickResult(market string, tick uint64) (*risk.TickResult, error) {
	value, err := s.db.Get(tickKey(market, tick))
	if err != nil {
		return nil, err
	}
	var res risk.TickResult
	if err := json.Unmarshal(value, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LastTick returns the highest tick persisted for a market, zero if none.
func (s *Store) LastTick(market string) (uint64, error) {
	value, err := s.db.Get([]byte(lastPrefix + market))
	if err == database.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(value), nil
}

// PutExecution stores a liquidation execution record.
func (s *Store) PutExecution(rec *risk.ExecutionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(execPrefix+rec.ID), value)
}

// Execution loads an execution record by id.
func (s *Store) Execution(id string) (*risk.ExecutionRecord, error) {
	value, err := s.db.Get([]byte(execPrefix + id))
	if err != nil {
		return nil, err
	}
	var rec risk.ExecutionRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutKeeperSnapshot stores a keeper's registry record for restart recovery
// and offline slashing review.
func (s *Store) PutKeeperSnapshot(k keeper.Keeper) error {
	value, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(keeperPrefix+k.ID), value)
}

// KeeperSnapshot loads a keeper snapshot by id.
func (s *Store) KeeperSnapshot(id string) (keeper.Keeper, error) {
	value, err := s.db.Get([]byte(keeperPrefix + id))
	if err != nil {
		return keeper.Keeper{}, err
	}
	var k keeper.Keeper
	if err := json.Unmarshal(value, &k); err != nil {
		return keeper.Keeper{}, err
	}
	return k, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tickKey(market string, tick uint64) []byte {
	key := make([]byte, 0, len(tickPrefix)+len(market)+1+8)
	key = append(key, tickPrefix...)
	key = append(key, market...)
	key = append(key, '/')
	var tickBytes [8]byte
	binary.BigEndian.PutUint64(tickBytes[:], tick)
	return append(key, tickBytes[:]...)
}
