package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"selfclaw/internal/agentauth"
)

// SQLAgentRegistry persists agent identities in MySQL.
type SQLAgentRegistry struct {
	db *sql.DB
}

// NewSQLAgentRegistry creates the registry using the provided connection settings.
func NewSQLAgentRegistry(ctx context.Context, cfg Config) (*SQLAgentRegistry, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAgentRegistry{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLAgentRegistry) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindByPublicKey implements agentauth.Registry.
func (s *SQLAgentRegistry) FindByPublicKey(ctx context.Context, publicKey string) (*agentauth.AgentIdentity, error) {
	const query = `SELECT public_key, human_id, api_key, wallet_address FROM agents WHERE public_key = ?`
	return s.scanIdentity(s.db.QueryRowContext(ctx, query, strings.TrimSpace(publicKey)))
}

// FindByAPIKey implements agentauth.Registry.
func (s *SQLAgentRegistry) FindByAPIKey(ctx context.Context, apiKey string) (*agentauth.AgentIdentity, error) {
	const query = `SELECT public_key, human_id, api_key, wallet_address FROM agents WHERE api_key = ?`
	return s.scanIdentity(s.db.QueryRowContext(ctx, query, strings.TrimSpace(apiKey)))
}

func (s *SQLAgentRegistry) scanIdentity(row *sql.Row) (*agentauth.AgentIdentity, error) {
	var identity agentauth.AgentIdentity
	var humanID, apiKey, wallet sql.NullString
	if err := row.Scan(&identity.PublicKey, &humanID, &apiKey, &wallet); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, agentauth.ErrUnknownAgent
		}
		return nil, fmt.Errorf("查询智能体身份失败: %w", err)
	}
	identity.HumanID = humanID.String
	identity.APIKey = apiKey.String
	identity.WalletAddress = wallet.String
	return &identity, nil
}

// ApplySeed upserts an agent identity, used to preload configured agents.
func (s *SQLAgentRegistry) ApplySeed(ctx context.Context, seed agentauth.AgentIdentity) error {
	publicKey := strings.TrimSpace(seed.PublicKey)
	if publicKey == "" {
		return errors.New("seed public key cannot be empty")
	}
	now := time.Now().Unix()
	const upsert = `INSERT INTO agents (public_key, human_id, api_key, wallet_address, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE human_id = VALUES(human_id), api_key = VALUES(api_key), wallet_address = VALUES(wallet_address), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, upsert, publicKey, strings.TrimSpace(seed.HumanID), nullable(seed.APIKey), strings.TrimSpace(seed.WalletAddress), now, now); err != nil {
		return fmt.Errorf("保存智能体身份失败: %w", err)
	}
	return nil
}

func nullable(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}
