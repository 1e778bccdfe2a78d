package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/lib/pq" // Import the PostgreSQL driver AND helpers like pq.Array
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = logging.For("storage")
}

// ErrNotFound is returned by deletes of records that do not exist.
var ErrNotFound = errors.New("storage: record not found")

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage methods to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage defines the interface for the email challenge registry.
type Storage interface {
	// Challenge Methods
	SaveChallenge(ctx context.Context, chal *model.EmailChallenge) error // UPSERT
	GetChallenge(ctx context.Context, id string) (*model.EmailChallenge, error)
	GetPendingChallengeByRecipient(ctx context.Context, recipient string) (*model.EmailChallenge, error)
	ListChallenges(ctx context.Context, status string) ([]*model.EmailChallenge, error) // "" lists all
	DeleteChallenge(ctx context.Context, id string) error

	// Replay guard. Returns false when the message id was already recorded.
	MarkMessageProcessed(ctx context.Context, msg *model.ProcessedMessage) (bool, error)

	// API Key Methods
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error // UPSERT
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	// Transaction Management
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// PostgreSQLStorage holds the database connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second) // Longer timeout for DDL
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err // Error already logged in ensureSchema
	}

	logger.Info("PostgreSQLStorage initialized")
	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS email_challenges ( id TEXT PRIMARY KEY, identifier_value TEXT NOT NULL, identifier_json JSONB NOT NULL, token1 TEXT, token2 TEXT NOT NULL, expected_sender TEXT, account_key_jwk TEXT NOT NULL, status TEXT NOT NULL, error_json JSONB, responded_at TIMESTAMP WITH TIME ZONE, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_email_challenges_identifier_status ON email_challenges (identifier_value, status);`,
		`CREATE TABLE IF NOT EXISTS processed_messages ( message_id TEXT PRIMARY KEY, challenge_id TEXT NOT NULL REFERENCES email_challenges(id) ON DELETE CASCADE, processed_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				logger.Error("Failed to execute schema statement", zap.Error(err),
					zap.Int("statement_index", i),
					zap.String("code", string(pqErr.Code)),
					zap.String("detail", pqErr.Detail),
				)
			} else {
				logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			}
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}
	logger.Info("Database schema initialization check complete.")
	return nil
}

// =============================================
// PostgreSQLStorage Method Implementations
// =============================================

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	err = fn(ctx, txStore)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.EmailChallenge) error {
	return saveChallenge(ctx, s.db, chal)
}
func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.EmailChallenge, error) {
	return getChallenge(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetPendingChallengeByRecipient(ctx context.Context, recipient string) (*model.EmailChallenge, error) {
	return getPendingChallengeByRecipient(ctx, s.db, recipient)
}
func (s *PostgreSQLStorage) ListChallenges(ctx context.Context, status string) ([]*model.EmailChallenge, error) {
	return listChallenges(ctx, s.db, status)
}
func (s *PostgreSQLStorage) DeleteChallenge(ctx context.Context, id string) error {
	return deleteChallenge(ctx, s.db, id)
}
func (s *PostgreSQLStorage) MarkMessageProcessed(ctx context.Context, msg *model.ProcessedMessage) (bool, error) {
	return markMessageProcessed(ctx, s.db, msg)
}
func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.db, apiKey, roles)
}
func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.db, apiKey)
}

// =============================================
// postgresTxStore Method Implementations
// =============================================

// Close is a no-op for a transaction store.
func (s *postgresTxStore) Close() error { return nil }

// WithinTransaction reuses the current transaction.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, s)
}

func (s *postgresTxStore) SaveChallenge(ctx context.Context, chal *model.EmailChallenge) error {
	return saveChallenge(ctx, s.tx, chal)
}
func (s *postgresTxStore) GetChallenge(ctx context.Context, id string) (*model.EmailChallenge, error) {
	return getChallenge(ctx, s.tx, id)
}
func (s *postgresTxStore) GetPendingChallengeByRecipient(ctx context.Context, recipient string) (*model.EmailChallenge, error) {
	return getPendingChallengeByRecipient(ctx, s.tx, recipient)
}
func (s *postgresTxStore) ListChallenges(ctx context.Context, status string) ([]*model.EmailChallenge, error) {
	return listChallenges(ctx, s.tx, status)
}
func (s *postgresTxStore) DeleteChallenge(ctx context.Context, id string) error {
	return deleteChallenge(ctx, s.tx, id)
}
func (s *postgresTxStore) MarkMessageProcessed(ctx context.Context, msg *model.ProcessedMessage) (bool, error) {
	return markMessageProcessed(ctx, s.tx, msg)
}
func (s *postgresTxStore) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.tx, apiKey, roles)
}
func (s *postgresTxStore) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.tx, apiKey)
}

// =============================================
// Shared Helper Functions (using Querier)
// =============================================

// --- Challenge Helpers ---

const challengeColumns = `id, identifier_json, token1, token2, expected_sender, account_key_jwk, status, error_json, responded_at, created_at, last_modified_at`

func saveChallenge(ctx context.Context, q Querier, chal *model.EmailChallenge) error {
	now := time.Now()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = now
	}
	chal.LastModifiedAt = now

	identifierBytes, err := json.Marshal(chal.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal identifier for challenge '%s': %w", chal.ID, err)
	}
	chal.IdentifierJSON = string(identifierBytes)

	var errorJSON sql.NullString
	if chal.Error != nil {
		errorBytes, err := json.Marshal(chal.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal error for challenge '%s': %w", chal.ID, err)
		}
		chal.ErrorJSON = string(errorBytes)
		errorJSON = sql.NullString{String: chal.ErrorJSON, Valid: true}
	} else {
		chal.ErrorJSON = ""
	}

	var respondedAt sql.NullTime
	if !chal.RespondedAt.IsZero() {
		respondedAt = sql.NullTime{Time: chal.RespondedAt, Valid: true}
	}

	query := `
        INSERT INTO email_challenges (id, identifier_value, identifier_json, token1, token2, expected_sender, account_key_jwk, status, error_json, responded_at, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET identifier_value = EXCLUDED.identifier_value, identifier_json = EXCLUDED.identifier_json,
            token1 = EXCLUDED.token1, token2 = EXCLUDED.token2, expected_sender = EXCLUDED.expected_sender, account_key_jwk = EXCLUDED.account_key_jwk,
            status = EXCLUDED.status, error_json = EXCLUDED.error_json, responded_at = EXCLUDED.responded_at, last_modified_at = EXCLUDED.last_modified_at`
	_, err = q.ExecContext(ctx, query, chal.ID, chal.Identifier.Value, chal.IdentifierJSON, chal.Token1, chal.Token2, chal.ExpectedSender,
		chal.AccountKeyJWK, chal.Status, errorJSON, respondedAt, chal.CreatedAt, chal.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.ID, err)
	}
	logger.Debug("Challenge saved", zap.String("challengeID", chal.ID), zap.String("status", chal.Status))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*model.EmailChallenge, error) {
	var chal model.EmailChallenge
	var identifierJSONBytes, errorJSONBytes []byte
	var token1, sender sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&chal.ID, &identifierJSONBytes, &token1, &chal.Token2, &sender, &chal.AccountKeyJWK, &chal.Status,
		&errorJSONBytes, &respondedAt, &chal.CreatedAt, &chal.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	chal.Token1 = token1.String
	chal.ExpectedSender = sender.String
	if respondedAt.Valid {
		chal.RespondedAt = respondedAt.Time
	}
	if len(identifierJSONBytes) == 0 {
		return nil, fmt.Errorf("storage: inconsistent data - identifier JSON is null/empty for challenge '%s'", chal.ID)
	}
	if err := json.Unmarshal(identifierJSONBytes, &chal.Identifier); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal identifier for challenge '%s': %w", chal.ID, err)
	}
	chal.IdentifierJSON = string(identifierJSONBytes)
	if len(errorJSONBytes) > 0 {
		var problem model.ProblemDetails
		if err := json.Unmarshal(errorJSONBytes, &problem); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal error for challenge '%s': %w", chal.ID, err)
		}
		chal.Error = &problem
		chal.ErrorJSON = string(errorJSONBytes)
	}
	return &chal, nil
}

func getChallenge(ctx context.Context, q Querier, id string) (*model.EmailChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM email_challenges WHERE id = $1`
	chal, err := scanChallenge(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge '%s': %w", id, err)
	}
	return chal, nil
}

// getPendingChallengeByRecipient returns the most recently registered pending challenge for
// the normalized recipient address.
func getPendingChallengeByRecipient(ctx context.Context, q Querier, recipient string) (*model.EmailChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM email_challenges WHERE identifier_value = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	chal, err := scanChallenge(q.QueryRowContext(ctx, query, recipient, model.StatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get pending challenge for '%s': %w", recipient, err)
	}
	return chal, nil
}

func listChallenges(ctx context.Context, q Querier, status string) ([]*model.EmailChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM email_challenges`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list challenges: %w", err)
	}
	defer rows.Close()
	challenges := make([]*model.EmailChallenge, 0)
	for rows.Next() {
		chal, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row during list: %w", err)
		}
		challenges = append(challenges, chal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	logger.Debug("Challenges listed", zap.Int("count", len(challenges)), zap.String("status", status))
	return challenges, nil
}

func deleteChallenge(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM email_challenges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: failed to delete challenge '%s': %w", id, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("%w: challenge '%s'", ErrNotFound, id)
	}
	logger.Info("Challenge deleted", zap.String("challengeID", id))
	return nil
}

// --- Replay Guard Helpers ---

func markMessageProcessed(ctx context.Context, q Querier, msg *model.ProcessedMessage) (bool, error) {
	if msg.ProcessedAt.IsZero() {
		msg.ProcessedAt = time.Now()
	}
	query := `INSERT INTO processed_messages (message_id, challenge_id, processed_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`
	result, err := q.ExecContext(ctx, query, msg.MessageID, msg.ChallengeID, msg.ProcessedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return false, fmt.Errorf("%w: challenge '%s'", ErrNotFound, msg.ChallengeID)
		}
		return false, fmt.Errorf("storage: failed to record processed message '%s': %w", msg.MessageID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		logger.Warn("Message was already processed", zap.String("messageID", msg.MessageID))
		return false, nil
	}
	return true, nil
}

// --- API Key Helpers ---

func saveAPIKey(ctx context.Context, q Querier, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	_, err := q.ExecContext(ctx, query, apiKey, pq.Array(roles))
	if err != nil {
		return fmt.Errorf("storage: failed to save API key '%s': %w", keyPrefix(apiKey), err)
	}
	logger.Debug("API key saved/updated")
	return nil
}

func getAPIKey(ctx context.Context, q Querier, apiKey string) ([]string, error) {
	query := `SELECT roles FROM api_keys WHERE api_key = $1`
	var roles pq.StringArray
	err := q.QueryRowContext(ctx, query, apiKey).Scan(&roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get API key '%s': %w", keyPrefix(apiKey), err)
	}
	return []string(roles), nil
}

func keyPrefix(apiKey string) string {
	return apiKey[:min(8, len(apiKey))] + "..."
}
