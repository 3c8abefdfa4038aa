package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "ChainSim/internal/errors"
)

// SQLConfig 描述 SQL 采集器的连接参数。Driver 取值 mysql 或 sqlite。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLCollector 把运行数据写入 MySQL 或 SQLite。
type SQLCollector struct {
	db      *sql.DB
	dialect string
	now     func() time.Time

	mu    sync.RWMutex
	runID int64
}

// OpenSQL 打开数据库、执行迁移并返回采集器。
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLCollector, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := NewSQL(db, cfg.Driver)
	if err := c.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return c, nil
}

// NewSQL 使用已打开的连接创建采集器，不执行迁移。
func NewSQL(db *sql.DB, dialect string) *SQLCollector {
	return &SQLCollector{db: db, dialect: dialect, now: time.Now}
}

func openDatabase(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	switch cfg.Driver {
	case "mysql":
	case "sqlite":
		if !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的数据库类型: %s", cfg.Driver))
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}

	if cfg.Driver == "sqlite" {
		// SQLite 只允许单写连接。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 10))
		db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	if cfg.Driver == "sqlite" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA busy_timeout=5000;",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置 SQLite 参数失败")
			}
		}
	}
	return db, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (c *SQLCollector) StartRun(ctx context.Context, description string, params map[string]any) (int64, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化运行参数失败")
	}
	res, err := c.db.ExecContext(ctx, `INSERT INTO simulation_runs (description, parameters, status, started_at)
    VALUES (?, ?, ?, ?)`, description, string(encoded), StatusRunning, c.now().UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(CodeCollectorFailure, err, "创建 run 记录失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Wrap(CodeCollectorFailure, err, "获取 run ID 失败")
	}
	c.mu.Lock()
	c.runID = id
	c.mu.Unlock()
	return id, nil
}

func (c *SQLCollector) EndRun(ctx context.Context, status string) error {
	runID, err := c.requireRun()
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE simulation_runs SET status = ?, ended_at = ? WHERE id = ?`,
		status, c.now().UnixMilli(), runID); err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "结束 run 失败")
	}
	c.mu.Lock()
	c.runID = 0
	c.mu.Unlock()
	return nil
}

func (c *SQLCollector) CurrentRunID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

func (c *SQLCollector) RecordAgent(ctx context.Context, agentID, profile string) error {
	runID, err := c.requireRun()
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO run_agents (run_id, agent_id, profile, created_at) VALUES (?, ?, ?, ?)`,
		runID, agentID, profile, c.now().UnixMilli())
	if err != nil && !isDuplicate(err) {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录智能体失败")
	}
	return nil
}

func (c *SQLCollector) RecordAgentAddress(ctx context.Context, agentID string, addr common.Address, primary bool) error {
	runID, err := c.requireRun()
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO agent_addresses (run_id, address, agent_id, is_primary, created_at)
    VALUES (?, ?, ?, ?, ?)`, runID, addr.Hex(), agentID, primary, c.now().UnixMilli())
	if err != nil && !isDuplicate(err) {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录智能体地址失败")
	}
	return nil
}

func (c *SQLCollector) RecordIteration(ctx context.Context, rec IterationRecord) error {
	runID, err := c.requireRun()
	if err != nil {
		return err
	}
	counts, err := json.Marshal(rec.ActionCounts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化动作统计失败")
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = c.now()
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO iteration_stats
    (run_id, iteration, block_number, total_actions, successful_actions, failed_actions, skipped_agents, action_counts, duration_ms, recorded_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Iteration, int64(rec.Block), rec.TotalActions, rec.SuccessfulActions, rec.FailedActions,
		rec.SkippedAgents, string(counts), rec.Duration.Milliseconds(), recordedAt.UnixMilli())
	if err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录迭代统计失败")
	}
	return nil
}

func (c *SQLCollector) RecordBalanceChange(ctx context.Context, rec BalanceChange) error {
	runID, err := c.requireRun()
	if err != nil {
		return err
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO balance_changes
    (run_id, agent_id, account, contract, previous_balance, new_balance, block_number, recorded_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.AgentID, rec.Account.Hex(), rec.Contract.Hex(), bigString(rec.Previous), bigString(rec.Current),
		int64(rec.Block), ts.UnixMilli())
	if err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录余额变化失败")
	}
	return nil
}

func (c *SQLCollector) Close() error {
	return c.db.Close()
}

func (c *SQLCollector) requireRun() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runID == 0 {
		return 0, errNoRun()
	}
	return c.runID, nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
