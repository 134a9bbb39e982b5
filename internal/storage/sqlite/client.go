package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// amountColumn maps a fiscal-year label to its column, e.g. 2024-25 -> amount_2024_25.
func amountColumn(fiscalYear string) string {
	return "amount_" + strings.ReplaceAll(fiscalYear, "-", "_")
}

func (c *Client) InitSchema() error {
	var amountCols strings.Builder
	for _, fy := range models.FiscalYears {
		fmt.Fprintf(&amountCols, "\t\t%s TEXT,\n", amountColumn(fy))
	}

	schema := `
	CREATE TABLE IF NOT EXISTS budget_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		portfolio TEXT NOT NULL,
		department TEXT NOT NULL,
		program TEXT NOT NULL,
		expense_type TEXT NOT NULL,
` + amountCols.String() + `		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_budget_portfolio ON budget_records(portfolio);
	CREATE INDEX IF NOT EXISTS idx_budget_department ON budget_records(department);

	CREATE TABLE IF NOT EXISTS business_records (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		record_type TEXT NOT NULL,
		department TEXT,
		title TEXT NOT NULL,
		description TEXT,
		fields TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_business_source ON business_records(source);

	CREATE TABLE IF NOT EXISTS document_vectors (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		fields TEXT,
		embedding TEXT NOT NULL,
		content_hash TEXT UNIQUE NOT NULL,
		embedder_version TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_source ON document_vectors(source);

	CREATE TABLE IF NOT EXISTS evidence_log (
		audit_id TEXT PRIMARY KEY,
		session_id TEXT,
		query_text TEXT NOT NULL,
		method TEXT NOT NULL,
		executed_query TEXT,
		data_sources TEXT NOT NULL,
		document_ids TEXT,
		record_count INTEGER NOT NULL,
		confidence REAL NOT NULL,
		answer_text TEXT,
		degraded INTEGER DEFAULT 0,
		elapsed_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_created ON evidence_log(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertBudgetRecord(ctx context.Context, record *models.BudgetRecord) error {
	cols := []string{"id", "portfolio", "department", "program", "expense_type", "created_at"}
	args := []any{record.ID, record.Portfolio, record.Department, record.Program, string(record.ExpenseType), time.Now().Unix()}

	for _, fy := range models.FiscalYears {
		cols = append(cols, amountColumn(fy))
		if amount, ok := record.Amount(fy); ok {
			args = append(args, amount.String())
		} else {
			args = append(args, nil)
		}
	}

	query := fmt.Sprintf("INSERT OR IGNORE INTO budget_records (%s) VALUES (?%s)",
		strings.Join(cols, ", "), strings.Repeat(", ?", len(cols)-1))

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert budget record: %w", err)
	}
	return nil
}

// LoadBudgetRecords returns every budget record in import order.
func (c *Client) LoadBudgetRecords(ctx context.Context) ([]models.BudgetRecord, error) {
	cols := []string{"seq", "id", "portfolio", "department", "program", "expense_type"}
	for _, fy := range models.FiscalYears {
		cols = append(cols, amountColumn(fy))
	}
	query := fmt.Sprintf("SELECT %s FROM budget_records ORDER BY seq", strings.Join(cols, ", "))

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget records: %w", err)
	}
	defer rows.Close()

	var records []models.BudgetRecord
	for rows.Next() {
		var r models.BudgetRecord
		var expenseType string
		amounts := make([]sql.NullString, len(models.FiscalYears))

		dest := []any{&r.Seq, &r.ID, &r.Portfolio, &r.Department, &r.Program, &expenseType}
		for i := range amounts {
			dest = append(dest, &amounts[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.ExpenseType = models.ParseExpenseType(expenseType)
		r.Amounts = make(map[string]decimal.Decimal, len(amounts))
		for i, fy := range models.FiscalYears {
			if !amounts[i].Valid {
				continue
			}
			amount, err := decimal.NewFromString(amounts[i].String)
			if err != nil {
				return nil, fmt.Errorf("invalid amount for %s in record %s: %w", fy, r.ID, err)
			}
			r.Amounts[fy] = amount
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) InsertBusinessRecord(ctx context.Context, record *models.BusinessRecord) error {
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	query := `
		INSERT INTO business_records (id, source, record_type, department, title, description, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			fields = excluded.fields
	`

	_, err = c.db.ExecContext(ctx, query,
		record.ID,
		string(record.Source),
		record.RecordType,
		record.Department,
		record.Title,
		record.Description,
		string(fieldsJSON),
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert business record: %w", err)
	}

	logger.Debug("Business record inserted", zap.String("id", record.ID), zap.String("source", string(record.Source)))
	return nil
}

// ListBusinessRecords returns records of one source, or all sources when source is empty.
func (c *Client) ListBusinessRecords(ctx context.Context, source models.RecordSource) ([]models.BusinessRecord, error) {
	query := `SELECT id, source, record_type, department, title, description, fields, created_at FROM business_records`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(source))
	}
	query += ` ORDER BY id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list business records: %w", err)
	}
	defer rows.Close()

	var records []models.BusinessRecord
	for rows.Next() {
		var r models.BusinessRecord
		var src string
		var department, description, fieldsJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&r.ID, &src, &r.RecordType, &department, &r.Title, &description, &fieldsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Source = models.RecordSource(src)
		r.Department = department.String
		r.Description = description.String
		r.CreatedAt = time.Unix(createdAt, 0)
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &r.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode fields of %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// HasContentHash reports whether a vector with this content hash was already stored.
func (c *Client) HasContentHash(ctx context.Context, hash string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM document_vectors WHERE content_hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check content hash: %w", err)
	}
	return n > 0, nil
}

func (c *Client) UpsertDocumentVector(ctx context.Context, doc *models.Document) error {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	embeddingJSON, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	query := `
		INSERT INTO document_vectors (id, source, title, body, fields, embedding, content_hash, embedder_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			fields = excluded.fields,
			embedding = excluded.embedding,
			content_hash = excluded.content_hash,
			embedder_version = excluded.embedder_version
	`

	_, err = c.db.ExecContext(ctx, query,
		doc.ID,
		string(doc.Source),
		doc.Title,
		doc.Body,
		string(fieldsJSON),
		string(embeddingJSON),
		doc.ContentHash,
		doc.EmbedderVersion,
		doc.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document vector: %w", err)
	}
	return nil
}

func (c *Client) DeleteDocumentVectors(ctx context.Context, source models.RecordSource) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM document_vectors WHERE source = ?`, string(source))
	if err != nil {
		return 0, fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return res.RowsAffected()
}

const documentColumns = `id, source, title, body, fields, embedding, content_hash, embedder_version, created_at`

// LoadDocuments returns every vectorised document ordered by id.
func (c *Client) LoadDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM document_vectors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM document_vectors WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var doc models.Document
	var src string
	var fieldsJSON sql.NullString
	var embeddingJSON string
	var createdAt int64

	err := s.Scan(&doc.ID, &src, &doc.Title, &doc.Body, &fieldsJSON, &embeddingJSON,
		&doc.ContentHash, &doc.EmbedderVersion, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.Source = models.RecordSource(src)
	doc.CreatedAt = time.Unix(createdAt, 0)
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &doc.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", doc.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(embeddingJSON), &doc.Embedding); err != nil {
		return nil, fmt.Errorf("failed to decode embedding of %s: %w", doc.ID, err)
	}
	return &doc, nil
}

func (c *Client) InsertEvidence(ctx context.Context, record *models.EvidenceRecord) error {
	sourcesJSON, _ := json.Marshal(record.DataSources)
	docIDsJSON, _ := json.Marshal(record.DocumentIDs)

	degraded := 0
	if record.Degraded {
		degraded = 1
	}

	query := `
		INSERT INTO evidence_log (audit_id, session_id, query_text, method, executed_query, data_sources,
			document_ids, record_count, confidence, answer_text, degraded, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		record.AuditID,
		record.SessionID,
		record.Query,
		record.Method,
		record.ExecutedQuery,
		string(sourcesJSON),
		string(docIDsJSON),
		record.RecordCount,
		record.ConfidenceScore,
		record.AnswerText,
		degraded,
		record.ElapsedMS,
		record.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evidence: %w", err)
	}

	logger.Debug("Evidence recorded",
		zap.String("audit_id", record.AuditID),
		zap.String("method", record.Method),
		zap.Float64("confidence", record.ConfidenceScore),
	)
	return nil
}

const evidenceColumns = `audit_id, session_id, query_text, method, executed_query, data_sources,
	document_ids, record_count, confidence, answer_text, degraded, elapsed_ms, created_at`

func (c *Client) GetEvidence(ctx context.Context, auditID string) (*models.EvidenceRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_log WHERE audit_id = ?`, auditID)
	record, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return record, err
}

// ListEvidence returns the newest evidence entries first. An empty sessionID lists all sessions.
func (c *Client) ListEvidence(ctx context.Context, sessionID string, limit int) ([]models.EvidenceRecord, error) {
	query := `SELECT ` + evidenceColumns + ` FROM evidence_log`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, audit_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	var records []models.EvidenceRecord
	for rows.Next() {
		record, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func scanEvidence(s scanner) (*models.EvidenceRecord, error) {
	var r models.EvidenceRecord
	var sessionID, executedQuery, docIDsJSON, answerText sql.NullString
	var sourcesJSON string
	var degraded int
	var elapsed sql.NullInt64
	var createdAt int64

	err := s.Scan(&r.AuditID, &sessionID, &r.Query, &r.Method, &executedQuery, &sourcesJSON,
		&docIDsJSON, &r.RecordCount, &r.ConfidenceScore, &answerText, &degraded, &elapsed, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan evidence: %w", err)
	}

	r.SessionID = sessionID.String
	r.ExecutedQuery = executedQuery.String
	r.AnswerText = answerText.String
	r.Degraded = degraded == 1
	r.ElapsedMS = elapsed.Int64
	r.Timestamp = time.UnixMilli(createdAt).UTC()
	json.Unmarshal([]byte(sourcesJSON), &r.DataSources)
	if docIDsJSON.Valid {
		json.Unmarshal([]byte(docIDsJSON.String), &r.DocumentIDs)
	}
	return &r, nil
}
