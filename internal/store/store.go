// Package store provides durable conversation and message storage.
//
// The store owns the full text history for every conversation. The
// remote completion engine only ever sees a replayed projection of it,
// so this package is the source of truth: a crash or disconnect must
// never lose anything past the last snapshot write.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ErrStreamingConflict is returned when appending a streaming message to
// a conversation that already has one in flight.
var ErrStreamingConflict = errors.New("conversation already has a streaming message")

// Message lifecycle statuses.
const (
	// StatusStreaming marks an assistant message whose generation is in
	// flight. Content grows via snapshot writes until finalized.
	StatusStreaming = "streaming"
	// StatusComplete marks a finalized message. User messages are
	// created complete; assistant messages transition here exactly once.
	StatusComplete = "complete"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a persisted conversation row.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AgentID   string    `json:"agent_id"`
	ThreadID  string    `json:"thread_id,omitempty"` // empty = no remote thread yet
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a persisted message row. Seq orders messages within a
// conversation and is assigned on insert.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Seq            int       `json:"seq"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is a SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath using the sqlite3 driver
// with WAL journaling and a busy timeout.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and applies the schema.
// Tests use this with an in-memory driver.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		thread_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'complete',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(conversation_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation creates a new empty conversation with no remote
// thread handle.
func (s *Store) CreateConversation(agentID string) (*Conversation, error) {
	now := time.Now().UTC()
	id, _ := uuid.NewV7()

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), agentID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &Conversation{
		ID:        id.String(),
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, title, agent_id, thread_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)

	var conv Conversation
	var threadID sql.NullString
	err := row.Scan(&conv.ID, &conv.Title, &conv.AgentID, &threadID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if threadID.Valid {
		conv.ThreadID = threadID.String
	}
	return &conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, agent_id, thread_id, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var threadID sql.NullString
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.AgentID, &threadID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if threadID.Valid {
			conv.ThreadID = threadID.String
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and all its messages.
// Remote thread teardown is the caller's responsibility.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// SetTitle updates a conversation's display title.
func (s *Store) SetTitle(id, title string) error {
	return s.updateConversation(id, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title)
}

// SetAgent updates a conversation's selected agent/model identifier.
func (s *Store) SetAgent(id, agentID string) error {
	return s.updateConversation(id, `UPDATE conversations SET agent_id = ?, updated_at = ? WHERE id = ?`, agentID)
}

// SetThread replaces a conversation's remote thread handle. An empty
// threadID clears the handle (stored as NULL).
func (s *Store) SetThread(id, threadID string) error {
	var v any
	if threadID != "" {
		v = threadID
	}
	return s.updateConversation(id, `UPDATE conversations SET thread_id = ?, updated_at = ? WHERE id = ?`, v)
}

func (s *Store) updateConversation(id, query string, value any) error {
	res, err := s.db.Exec(query, value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message at the end of a conversation and
// returns it with its assigned sequence number. Appending a streaming
// message fails with ErrStreamingConflict if the conversation already
// has one in flight: a conversation holds at most one active generation.
func (s *Store) AppendMessage(conversationID, role, content, status string) (*Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if status == StatusStreaming {
		var n int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = ? AND status = ?
		`, conversationID, StatusStreaming).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("check streaming: %w", err)
		}
		if n > 0 {
			return nil, ErrStreamingConflict
		}
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	id, _ := uuid.NewV7()

	var seq int
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, seq, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), conversationID, role, content, seq, status, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Seq:            seq,
		Status:         status,
		CreatedAt:      now,
	}, nil
}

// GetMessage retrieves a single message by ID.
func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, seq, status, created_at
		FROM messages WHERE id = ?
	`, id)

	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.Status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// Messages returns a conversation's messages in sequence order.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, seq, status, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateContent overwrites a message's text. Used for periodic snapshot
// writes while a generation is streaming, and for message edits.
func (s *Store) UpdateContent(id, content string) error {
	res, err := s.db.Exec(`UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeMessage writes a message's final content and marks it
// complete. This is the terminal write of a generation attempt; it is
// idempotent on status (finalizing an already-complete message just
// overwrites content).
func (s *Store) FinalizeMessage(id, content string) error {
	res, err := s.db.Exec(`
		UPDATE messages SET content = ?, status = ? WHERE id = ?
	`, content, StatusComplete, id)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a single message.
func (s *Store) DeleteMessage(id string) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFromSeq removes every message in a conversation with sequence
// number >= seq. Used to truncate history at a mutation point before a
// thread rebase.
func (s *Store) DeleteFromSeq(conversationID string, seq int) error {
	_, err := s.db.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND seq >= ?
	`, conversationID, seq)
	if err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}
	return nil
}

// ForkConversation copies every message with seq <= uptoSeq into a
// brand-new conversation carrying the same agent selection and no
// remote thread handle. The source conversation is left untouched.
func (s *Store) ForkConversation(srcID string, uptoSeq int) (*Conversation, error) {
	src, err := s.GetConversation(srcID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	id, _ := uuid.NewV7()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), src.Title, src.AgentID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create fork: %w", err)
	}

	rows, err := tx.Query(`
		SELECT role, content, seq, status FROM messages
		WHERE conversation_id = ? AND seq <= ? ORDER BY seq ASC
	`, srcID, uptoSeq)
	if err != nil {
		return nil, fmt.Errorf("read fork source: %w", err)
	}

	type copied struct {
		role, content, status string
		seq                   int
	}
	var toCopy []copied
	for rows.Next() {
		var c copied
		if err := rows.Scan(&c.role, &c.content, &c.seq, &c.status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan fork source: %w", err)
		}
		toCopy = append(toCopy, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range toCopy {
		mid, _ := uuid.NewV7()
		_, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, role, content, seq, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, mid.String(), id.String(), c.role, c.content, c.seq, c.status, now)
		if err != nil {
			return nil, fmt.Errorf("copy message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Conversation{
		ID:        id.String(),
		Title:     src.Title,
		AgentID:   src.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// RecoverStreaming commits every message stranded in streaming status
// by a process that died without its terminal write. Rows holding
// snapshot text are finalized as complete; empty ones are dropped.
// Runs once on startup, before any new generation can start, so a
// crash never leaves a conversation permanently refusing appends.
// Returns the number of rows recovered.
func (s *Store) RecoverStreaming() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	dropped, err := tx.Exec(`
		DELETE FROM messages WHERE status = ? AND content = ''
	`, StatusStreaming)
	if err != nil {
		return 0, fmt.Errorf("drop empty streaming messages: %w", err)
	}

	finalized, err := tx.Exec(`
		UPDATE messages SET status = ? WHERE status = ?
	`, StatusComplete, StatusStreaming)
	if err != nil {
		return 0, fmt.Errorf("finalize streaming messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	nd, _ := dropped.RowsAffected()
	nf, _ := finalized.RowsAffected()
	return int(nd + nf), nil
}

// StreamingMessage returns the in-flight streaming message for a
// conversation, or ErrNotFound if none exists.
func (s *Store) StreamingMessage(conversationID string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, seq, status, created_at
		FROM messages WHERE conversation_id = ? AND status = ?
	`, conversationID, StatusStreaming)

	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.Status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get streaming message: %w", err)
	}
	return &m, nil
}
