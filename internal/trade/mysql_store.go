package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "solscope/internal/errors"
)

// MySQLStore 使用 MySQL 记录交易状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS trade_states (
        id VARCHAR(64) PRIMARY KEY,
        owner VARCHAR(64) NOT NULL,
        bot_id_hash VARCHAR(64) NOT NULL,
        side VARCHAR(8) NOT NULL,
        market VARCHAR(64) NOT NULL,
        amount_in BIGINT UNSIGNED NOT NULL,
        min_out BIGINT UNSIGNED NOT NULL DEFAULT 0,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_received BIGINT UNSIGNED NOT NULL DEFAULT 0,
        result_wrap_account VARCHAR(64) DEFAULT '',
        result_vault_balance BIGINT UNSIGNED NOT NULL DEFAULT 0,
        result_executed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_trade_status (status),
        INDEX idx_trade_owner (owner),
        INDEX idx_trade_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 trade_states 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE trade_states ADD COLUMN metadata TEXT AFTER min_out`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 trade_states.metadata 失败")
		}
	}
	return nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, trade *Trade) error {
	if trade == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if strings.TrimSpace(trade.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	trade.CreatedAt = now
	trade.UpdatedAt = now

	metadataValue, err := marshalMetadata(trade.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易 metadata 失败")
	}

	const stmt = `INSERT INTO trade_states
        (id, owner, bot_id_hash, side, market, amount_in, min_out, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		trade.ID,
		trade.Owner,
		trade.BotIDHash,
		trade.Side,
		trade.Market,
		trade.AmountIn,
		trade.MinOut,
		metadataValue,
		trade.Status,
		trade.Attempts,
		trade.MaxRetries,
		trade.CreatedAt,
		trade.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTradeConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

const selectColumns = `id, owner, bot_id_hash, side, market, amount_in, min_out, metadata, status, attempts, max_retries, last_error, error_code,
        result_received, result_wrap_account, result_vault_balance, result_executed_at, created_at, updated_at`

// Get 查询指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM trade_states WHERE id = ?`, id)
	trade, err := scanTrade(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return trade, nil
}

// Claim 将交易标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Trade, error) {
	const updateStmt = `UPDATE trade_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		trade, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch trade.Status {
		case StatusFilled:
			return trade, ErrTradeCompleted
		case StatusRunning:
			return trade, ErrTradeConflict
		default:
			if trade.Attempts >= trade.MaxRetries {
				return trade, ErrTradeExhausted
			}
			return trade, ErrTradeConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkFilled 将交易标记为成交。
func (s *MySQLStore) MarkFilled(ctx context.Context, id string, result ExecutionResult) error {
	const stmt = `UPDATE trade_states SET status = ?, result_received = ?, result_wrap_account = ?,
        result_vault_balance = ?, result_executed_at = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFilled,
		result.Received,
		result.WrapAccount,
		result.VaultBalance,
		result.ExecutedAt,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易成交失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// MarkFailed 将交易标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE trade_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// List 返回符合过滤条件的交易。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Trade, error) {
	opts.applyDefaults()

	query := `SELECT ` + selectColumns + ` FROM trade_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	trades := make([]*Trade, 0, opts.Limit)
	for rows.Next() {
		trade, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return trades, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TradeStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS filled,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM trade_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusFilled), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TradeStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Filled,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TradeStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTrade(scan func(dest ...any) error) (*Trade, error) {
	var trade Trade
	var result ExecutionResult
	var metadata sql.NullString

	if err := scan(
		&trade.ID,
		&trade.Owner,
		&trade.BotIDHash,
		&trade.Side,
		&trade.Market,
		&trade.AmountIn,
		&trade.MinOut,
		&metadata,
		&trade.Status,
		&trade.Attempts,
		&trade.MaxRetries,
		&trade.LastError,
		&trade.ErrorCode,
		&result.Received,
		&result.WrapAccount,
		&result.VaultBalance,
		&result.ExecutedAt,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}

	decodedMetadata, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易 metadata 失败")
	}
	trade.Metadata = cloneMetadata(decodedMetadata)

	if result.Received > 0 || result.WrapAccount != "" || result.ExecutedAt != 0 {
		trade.Result = &result
	}
	return &trade, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_received > 0 OR result_wrap_account <> '' OR result_executed_at <> 0)")
		} else {
			conditions = append(conditions, "(result_received = 0 AND result_wrap_account = '' AND result_executed_at = 0)")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR owner LIKE ? OR bot_id_hash LIKE ? OR side LIKE ? OR market LIKE ? OR last_error LIKE ? OR error_code LIKE ? OR result_wrap_account LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
