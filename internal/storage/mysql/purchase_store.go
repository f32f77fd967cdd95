package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"selfclaw/internal/commerce"
)

const mysqlDuplicateEntry = 1062

// SQLPurchaseStore 基于 MySQL 持久化托管购买记录。
// Transition 通过以旧状态为条件的单次 UPDATE 保证并发的
// Confirm 与 Refund 只能有一个成功。
type SQLPurchaseStore struct {
	db *sql.DB
}

// NewSQLPurchaseStore 建立连接并应用内嵌迁移。
func NewSQLPurchaseStore(ctx context.Context, cfg Config) (*SQLPurchaseStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLPurchaseStore{db: db}, nil
}

// NewSQLPurchaseStoreWithDB 复用已有连接池，主要给注册表与购买表共库时使用。
func NewSQLPurchaseStoreWithDB(db *sql.DB) *SQLPurchaseStore {
	return &SQLPurchaseStore{db: db}
}

// Close implements commerce.Store.
func (s *SQLPurchaseStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create implements commerce.Store.
func (s *SQLPurchaseStore) Create(ctx context.Context, purchase *commerce.EscrowedPurchase) error {
	purchase.NormalizePrice()
	now := time.Now().Unix()
	if purchase.CreatedAt == 0 {
		purchase.CreatedAt = now
	}
	purchase.UpdatedAt = now
	const insert = `INSERT INTO purchases
(id, skill_id, buyer_public_key, seller_public_key, price, price_token, tx_hash, release_tx_hash, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, insert,
		purchase.ID,
		purchase.SkillID,
		purchase.BuyerPublicKey,
		purchase.SellerPublicKey,
		purchase.PriceRaw,
		purchase.PriceToken,
		nullable(purchase.TxHash),
		purchase.ReleaseTxHash,
		string(purchase.Status),
		purchase.CreatedAt,
		purchase.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return commerce.ErrTxHashUsed
		}
		return fmt.Errorf("写入购买记录失败: %w", err)
	}
	return nil
}

// Get implements commerce.Store.
func (s *SQLPurchaseStore) Get(ctx context.Context, id string) (*commerce.EscrowedPurchase, error) {
	const query = `SELECT id, skill_id, buyer_public_key, seller_public_key, price, price_token, tx_hash, release_tx_hash, status, created_at, updated_at
FROM purchases WHERE id = ?`
	return scanPurchase(s.db.QueryRowContext(ctx, query, strings.TrimSpace(id)))
}

// Transition implements commerce.Store. 更新以旧状态为条件，
// RowsAffected 为零时回查记录以区分不存在与状态冲突。
func (s *SQLPurchaseStore) Transition(ctx context.Context, id string, from, to commerce.Status, releaseTxHash string) error {
	const update = `UPDATE purchases SET status = ?, release_tx_hash = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, update, string(to), releaseTxHash, time.Now().Unix(), id, string(from))
	if err != nil {
		return fmt.Errorf("更新购买状态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return commerce.ErrWrongState
	}
	return nil
}

// ListByAgent implements commerce.Store.
func (s *SQLPurchaseStore) ListByAgent(ctx context.Context, agentPublicKey string, limit int) ([]*commerce.EscrowedPurchase, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, skill_id, buyer_public_key, seller_public_key, price, price_token, tx_hash, release_tx_hash, status, created_at, updated_at
FROM purchases WHERE buyer_public_key = ? OR seller_public_key = ?
ORDER BY created_at DESC LIMIT ?`
	key := strings.TrimSpace(agentPublicKey)
	rows, err := s.db.QueryContext(ctx, query, key, key, limit)
	if err != nil {
		return nil, fmt.Errorf("查询购买记录失败: %w", err)
	}
	defer rows.Close()

	var purchases []*commerce.EscrowedPurchase
	for rows.Next() {
		purchase, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历购买记录失败: %w", err)
	}
	return purchases, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row *sql.Row) (*commerce.EscrowedPurchase, error) {
	purchase, err := scanPurchaseRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, commerce.ErrPurchaseNotFound
		}
		return nil, err
	}
	return purchase, nil
}

func scanPurchaseRow(row rowScanner) (*commerce.EscrowedPurchase, error) {
	var purchase commerce.EscrowedPurchase
	var txHash, releaseTxHash sql.NullString
	var status string
	if err := row.Scan(
		&purchase.ID,
		&purchase.SkillID,
		&purchase.BuyerPublicKey,
		&purchase.SellerPublicKey,
		&purchase.PriceRaw,
		&purchase.PriceToken,
		&txHash,
		&releaseTxHash,
		&status,
		&purchase.CreatedAt,
		&purchase.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("解析购买记录失败: %w", err)
	}
	purchase.TxHash = txHash.String
	purchase.ReleaseTxHash = releaseTxHash.String
	purchase.Status = commerce.Status(status)
	purchase.NormalizePrice()
	return &purchase, nil
}
