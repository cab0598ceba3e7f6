package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/gofrs/flock"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "VaultPilot/internal/errors"
)

// Dialect 标识底层数据库方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// DB 在 *sql.DB 之上记录方言，并为 SQLite 持有单写者文件锁。
type DB struct {
	*sql.DB
	dialect Dialect
	lock    *flock.Flock
}

// Open 按配置建立连接；SQLite 文件库会加锁，保证同一时间只有一个进程写入。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}
	var (
		db  *DB
		err error
	)
	switch cfg.Driver {
	case DialectMySQL:
		db, err = openMySQL(ctx, cfg)
	case DialectSQLite:
		db, err = openSQLite(ctx, cfg)
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的数据库驱动: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Wrap 使用已有连接构造 DB，主要用于测试。
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect}
}

func openMySQL(ctx context.Context, cfg Config) (*DB, error) {
	sqlDB, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		sqlDB.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		sqlDB.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return &DB{DB: sqlDB, dialect: DialectMySQL}, nil
}

func openSQLite(ctx context.Context, cfg Config) (*DB, error) {
	var lock *flock.Flock
	if !isMemoryDSN(cfg.DSN) {
		path := sqlitePath(cfg.DSN)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 数据目录失败")
		}
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLockContext(ctx, 200*time.Millisecond)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 SQLite 文件锁失败")
		}
		if !locked {
			return nil, xerrors.New(xerrors.CodeConflict, "SQLite 数据库已被其他进程占用")
		}
	}

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		unlock(lock)
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 只允许单写者，同一连接上的 PRAGMA 才会持续生效。
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	if lock != nil {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;")
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			unlock(lock)
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 SQLite 失败")
		}
	}
	return &DB{DB: sqlDB, dialect: DialectSQLite, lock: lock}, nil
}

// Dialect 返回数据库方言。
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close 关闭连接并释放文件锁。
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	err := db.DB.Close()
	unlock(db.lock)
	return err
}

// IsDuplicate 判断错误是否为主键或唯一索引冲突。
func (db *DB) IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// ForUpdate 返回行锁子句；SQLite 只有单连接，无需行锁。
func (db *DB) ForUpdate() string {
	if db.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// WithTx 在事务中执行 fn，fn 返回错误时回滚。
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Ping 用于健康检查。
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("数据库不可用: %w", err)
	}
	return nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}
