package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents, chunks,
// ingestion jobs, and conversations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "secondbrain.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for components that issue their own
// queries (vector and lexical scans in the retrieval package).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, ns.String)
}

// --- Documents & jobs ---

// CreateDocumentWithJob inserts a document together with its ingestion job
// in one transaction. The job starts queued at the extract stage. The
// UNIQUE constraint on ingestion_jobs.document_id guarantees at most one
// job per document.
func (s *Store) CreateDocumentWithJob(doc Document, jobID string) (IngestionJob, error) {
	if doc.Status == "" {
		doc.Status = DocProcessing
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return IngestionJob{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO documents (id, title, source_kind, source_uri, mime_type, size_bytes, status, error, created_at, ingested_at, source_published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, nullStr(doc.Title), string(doc.SourceKind), nullStr(doc.SourceURI), nullStr(doc.MimeType),
		doc.SizeBytes, string(doc.Status), nullStr(doc.Error), fmtTime(doc.CreatedAt), nil, nullTime(doc.SourcePublishedAt),
	); err != nil {
		return IngestionJob{}, fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	job := IngestionJob{
		ID:         jobID,
		DocumentID: doc.ID,
		Status:     JobQueued,
		Stage:      StageExtract,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := tx.Exec(`
		INSERT INTO ingestion_jobs (id, document_id, status, stage, is_active, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, NULL, ?, ?)`,
		job.ID, job.DocumentID, string(job.Status), string(job.Stage), fmtTime(now), fmtTime(now),
	); err != nil {
		return IngestionJob{}, fmt.Errorf("inserting job for document %s: %w", doc.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return IngestionJob{}, fmt.Errorf("committing document %s: %w", doc.ID, err)
	}
	return job, nil
}

const documentColumns = "id, title, source_kind, source_uri, mime_type, size_bytes, status, error, created_at, ingested_at, source_published_at"

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var title, sourceURI, mimeType, errMsg, ingestedAt, publishedAt sql.NullString
	var sizeBytes sql.NullInt64
	var createdAt string
	err := row.Scan(&d.ID, &title, (*string)(&d.SourceKind), &sourceURI, &mimeType, &sizeBytes,
		(*string)(&d.Status), &errMsg, &createdAt, &ingestedAt, &publishedAt)
	if err != nil {
		return Document{}, err
	}
	d.Title = title.String
	d.SourceURI = sourceURI.String
	d.MimeType = mimeType.String
	d.SizeBytes = sizeBytes.Int64
	d.Error = errMsg.String
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.IngestedAt, err = parseNullTime(ingestedAt); err != nil {
		return Document{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	if d.SourcePublishedAt, err = parseNullTime(publishedAt); err != nil {
		return Document{}, fmt.Errorf("parsing source_published_at: %w", err)
	}
	return d, nil
}

func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDocuments(limit int) ([]Document, error) {
	rows, err := s.db.Query(`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; chunks, embeddings, and the job follow
// via ON DELETE CASCADE.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetDocumentTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE documents SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetJobByDocument(documentID string) (IngestionJob, error) {
	var j IngestionJob
	var errMsg sql.NullString
	var isActive int
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, document_id, status, stage, is_active, error, created_at, updated_at
		FROM ingestion_jobs WHERE document_id = ?`, documentID,
	).Scan(&j.ID, &j.DocumentID, (*string)(&j.Status), (*string)(&j.Stage), &isActive, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return IngestionJob{}, ErrNotFound
	}
	if err != nil {
		return IngestionJob{}, err
	}
	j.IsActive = isActive != 0
	j.Error = errMsg.String
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return IngestionJob{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return IngestionJob{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

// AdvanceJob moves a document's job to the given status and stage. It is the
// only stage mutator besides the terminal RecordFailure/RecordCompletion,
// and it rejects backward stage transitions and updates to finished jobs.
func (s *Store) AdvanceJob(documentID string, status JobStatus, stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var curStatus, curStage string
	err = tx.QueryRow(`SELECT status, stage FROM ingestion_jobs WHERE document_id = ?`, documentID).
		Scan(&curStatus, &curStage)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if JobStatus(curStatus) == JobDone || JobStatus(curStatus) == JobFailed {
		return fmt.Errorf("job for document %s: %w", documentID, ErrJobTerminal)
	}
	if !canAdvance(Stage(curStage), stage) {
		return fmt.Errorf("illegal stage transition %s -> %s for document %s", curStage, stage, documentID)
	}

	if _, err := tx.Exec(`UPDATE ingestion_jobs SET status = ?, stage = ?, updated_at = ? WHERE document_id = ?`,
		string(status), string(stage), fmtTime(time.Now()), documentID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordFailure marks the job failed and the document errored in a single
// commit. The error message lands on both rows.
func (s *Store) RecordFailure(documentID, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var curStatus string
	err = tx.QueryRow(`SELECT status FROM ingestion_jobs WHERE document_id = ?`, documentID).Scan(&curStatus)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if JobStatus(curStatus) == JobDone || JobStatus(curStatus) == JobFailed {
		return fmt.Errorf("job for document %s: %w", documentID, ErrJobTerminal)
	}

	now := fmtTime(time.Now())
	if _, err := tx.Exec(`
		UPDATE ingestion_jobs SET status = ?, stage = ?, is_active = 0, error = ?, updated_at = ?
		WHERE document_id = ?`,
		string(JobFailed), string(StageComplete), errMsg, now, documentID); err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE documents SET status = ?, error = ? WHERE id = ?`,
		string(DocError), errMsg, documentID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordCompletion marks the job done and the document ready in a single
// commit, clears any stale error, stamps ingested_at, and bumps the store
// generation so query caches invalidate.
func (s *Store) RecordCompletion(documentID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	res, err := tx.Exec(`
		UPDATE ingestion_jobs SET status = ?, stage = ?, is_active = 0, error = NULL, updated_at = ?
		WHERE document_id = ?`,
		string(JobDone), string(StageComplete), now, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`UPDATE documents SET status = ?, error = NULL, ingested_at = ? WHERE id = ?`,
		string(DocReady), now, documentID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE store_state SET generation = generation + 1 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextJob atomically claims the oldest queued ingestion job, flipping
// it to processing. Returns nil when no job is pending.
func (s *Store) ClaimNextJob() (*IngestionJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j IngestionJob
	var errMsg sql.NullString
	var isActive int
	var createdAt, updatedAt string
	err = tx.QueryRow(`
		SELECT id, document_id, status, stage, is_active, error, created_at, updated_at
		FROM ingestion_jobs
		WHERE status = ? AND is_active = 1
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, string(JobQueued),
	).Scan(&j.ID, &j.DocumentID, (*string)(&j.Status), (*string)(&j.Stage), &isActive, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := fmtTime(time.Now())
	res, err := tx.Exec(`UPDATE ingestion_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(JobProcessing), now, j.ID, string(JobQueued))
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	j.IsActive = isActive != 0
	j.Error = errMsg.String
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	j.UpdatedAt = time.Now().UTC()
	return &j, nil
}

// --- Chunks ---

// InsertChunkWithEmbedding persists one chunk, its embedding, and its
// lexical projection in a single transaction, in that order. A chunk never
// becomes visible without its embedding.
func (s *Store) InsertChunkWithEmbedding(c Chunk, embedding []float32) error {
	if len(embedding) != EmbeddingDim {
		return fmt.Errorf("embedding for chunk %s has dimension %d, want %d", c.ID, len(embedding), EmbeddingDim)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var tokenCount any
	if c.TokenCount > 0 {
		tokenCount = c.TokenCount
	}
	if _, err := tx.Exec(`
		INSERT INTO chunks (id, document_id, chunk_index, text, token_count, search_text, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		c.ID, c.DocumentID, c.Index, c.Text, tokenCount, fmtTime(c.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
	}

	if _, err := tx.Exec(`INSERT INTO chunk_embeddings (chunk_id, embedding) VALUES (?, ?)`,
		c.ID, EncodeVector(embedding)); err != nil {
		return fmt.Errorf("inserting embedding for chunk %s: %w", c.ID, err)
	}

	searchText := c.SearchText
	if searchText == "" {
		searchText = c.Text
	}
	if _, err := tx.Exec(`UPDATE chunks SET search_text = ? WHERE id = ?`, searchText, c.ID); err != nil {
		return fmt.Errorf("writing search text for chunk %s: %w", c.ID, err)
	}

	return tx.Commit()
}

// DeleteChunksForDocument removes all chunks (and their embeddings, via
// cascade) belonging to a document. Used to clean up after a mid-store
// failure so a failed document holds no partial chunk set.
func (s *Store) DeleteChunksForDocument(documentID string) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID)
	return err
}

// ListChunks returns a document's chunks ordered by chunk index.
func (s *Store) ListChunks(documentID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, chunk_index, text, token_count, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var tokenCount sql.NullInt64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &tokenCount, &createdAt); err != nil {
			return nil, err
		}
		c.TokenCount = int(tokenCount.Int64)
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) CountChunks(documentID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&count)
	return count, err
}

// Generation returns the store generation counter used for query-cache
// invalidation.
func (s *Store) Generation() (int64, error) {
	var gen int64
	err := s.db.QueryRow(`SELECT generation FROM store_state WHERE id = 1`).Scan(&gen)
	return gen, err
}

// --- Conversations ---

func (s *Store) CreateConversation(c Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		c.ID, nullStr(c.Title), fmtTime(c.CreatedAt))
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var title sql.NullString
	var createdAt string
	err := s.db.QueryRow(`SELECT id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &title, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Title = title.String
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(limit int) ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT id, title, created_at FROM conversations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var title sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &title, &createdAt); err != nil {
			return nil, err
		}
		c.Title = title.String
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) AddMessage(m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, citations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, nullStr(m.CitationsJSON), fmtTime(m.CreatedAt))
	return err
}

func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, citations_json, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var citations sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &citations, &createdAt); err != nil {
			return nil, err
		}
		m.CitationsJSON = citations.String
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
