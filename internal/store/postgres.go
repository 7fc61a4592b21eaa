package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawsitter/chatcore/internal/chat"
)

const uniqueViolation = "23505"

// Postgres is the durable Store implementation.
type Postgres struct {
	fanout
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, pub Publisher) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Postgres{fanout: fanout{pub: pub}, pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist. The unique index on the
// unordered participant pair is what turns a first-contact race into a
// 23505 that GetOrCreateConversation treats as success.
func (s *Postgres) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		counterparty_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_message_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT conversations_distinct_pair CHECK (owner_id <> counterparty_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_idx
		ON conversations (LEAST(owner_id, counterparty_id), GREATEST(owner_id, counterparty_id));
	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		edited_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS messages_conversation_idx
		ON messages (conversation_id, created_at, id);
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Postgres) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]chat.Message, error) {
	if err := chat.ValidateID("conversation_id", conversationID); err != nil {
		return nil, err
	}

	query := `
	SELECT id, conversation_id, sender_id, content, kind, created_at, edited_at, read_at
	FROM messages
	WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
	ORDER BY created_at DESC, id DESC
	LIMIT $3
	`
	// LIMIT NULL is "no limit", matching the memory store's contract.
	var rowCap any
	if limit > 0 {
		rowCap = limit
	}
	rows, err := s.pool.Query(ctx, query, conversationID, before, rowCap)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, max(limit, 0))
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind,
			&m.CreatedAt, &m.EditedAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertMessage(ctx context.Context, conversationID, senderID, content string, kind chat.MessageKind) (*chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}
	if err := chat.ValidateID("conversation_id", conversationID); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, `
		SELECT id, owner_id, counterparty_id, status, last_message_at, created_at
		FROM conversations WHERE id = $1 FOR UPDATE`, conversationID))
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, &chat.AuthorizationError{UserID: senderID, Op: "send in conversation " + conversationID}
	}
	if conv.Status == chat.ConversationClosed {
		return nil, &chat.ValidationError{Field: "conversation", Reason: "conversation is closed"}
	}

	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, kind)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Kind,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_at = $1 WHERE id = $2`,
		msg.CreatedAt, conversationID); err != nil {
		return nil, fmt.Errorf("failed to bump conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	conv.LastMessageAt = msg.CreatedAt
	s.messageInserted(ctx, conv, msg)
	return msg, nil
}

func (s *Postgres) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if err := chat.ValidateID("conversation_id", conversationID); err != nil {
		return err
	}

	conv, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, counterparty_id, status, last_message_at, created_at
		FROM conversations WHERE id = $1`, conversationID))
	if err != nil {
		return err
	}
	if !conv.HasParticipant(readerID) {
		return &chat.AuthorizationError{UserID: readerID, Op: "mark conversation " + conversationID + " read"}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET read_at = now()
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL`,
		conversationID, readerID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.messagesRead(ctx, conv)
	}
	return nil
}

func (s *Postgres) GetOrCreateConversation(ctx context.Context, ownerID, caretakerID string) (*chat.Conversation, error) {
	if ownerID == "" || caretakerID == "" || ownerID == caretakerID {
		return nil, &chat.ValidationError{Field: "participants", Reason: "a conversation needs two distinct participants"}
	}

	lookup := `
	SELECT id, owner_id, counterparty_id, status, last_message_at, created_at
	FROM conversations
	WHERE LEAST(owner_id, counterparty_id) = LEAST($1, $2)
	  AND GREATEST(owner_id, counterparty_id) = GREATEST($1, $2)
	`
	conv, err := scanConversation(s.pool.QueryRow(ctx, lookup, ownerID, caretakerID))
	if err == nil {
		return s.annotate(ctx, conv, ownerID)
	}
	if !chat.IsNotFound(err) {
		return nil, err
	}

	created := &chat.Conversation{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		CounterpartyID: caretakerID,
		Status:         chat.ConversationActive,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, owner_id, counterparty_id, status, last_message_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING last_message_at, created_at`,
		created.ID, created.OwnerID, created.CounterpartyID, created.Status,
	).Scan(&created.LastMessageAt, &created.CreatedAt)

	if err != nil {
		// Two simultaneous first contacts: the unique pair index makes the
		// loser's insert a 23505, which resolves to the winner's row.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			conv, lookupErr := scanConversation(s.pool.QueryRow(ctx, lookup, ownerID, caretakerID))
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to resolve conversation race: %w", lookupErr)
			}
			return s.annotate(ctx, conv, ownerID)
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.conversationCreated(ctx, created)
	return created, nil
}

func (s *Postgres) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	if err := chat.ValidateID("conversation_id", conversationID); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, `
		SELECT id, owner_id, counterparty_id, status, last_message_at, created_at
		FROM conversations WHERE id = $1 FOR UPDATE`, conversationID))
	if err != nil {
		return err
	}
	if !conv.HasParticipant(requesterID) {
		return &chat.AuthorizationError{UserID: requesterID, Op: "delete conversation " + conversationID}
	}

	// Messages first: the FK would otherwise reject deleting the row.
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.conversationDeleted(ctx, conv)
	return nil
}

const annotatedQuery = `
SELECT c.id, c.owner_id, c.counterparty_id, c.status, c.last_message_at, c.created_at,
       m.content, m.sender_id, m.created_at,
       COALESCE(u.cnt, 0)
FROM conversations c
LEFT JOIN LATERAL (
	SELECT content, sender_id, created_at FROM messages
	WHERE conversation_id = c.id
	ORDER BY created_at DESC, id DESC LIMIT 1
) m ON true
LEFT JOIN LATERAL (
	SELECT COUNT(*) AS cnt FROM messages
	WHERE conversation_id = c.id AND sender_id <> $1 AND read_at IS NULL
) u ON true
`

func (s *Postgres) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	query := annotatedQuery + `
	WHERE c.owner_id = $1 OR c.counterparty_id = $1
	ORDER BY c.last_message_at DESC, c.created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		conv, err := scanAnnotated(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (s *Postgres) GetConversation(ctx context.Context, conversationID, viewerID string) (*chat.Conversation, error) {
	if err := chat.ValidateID("conversation_id", conversationID); err != nil {
		return nil, err
	}

	query := annotatedQuery + `WHERE c.id = $2`
	conv, err := scanAnnotated(s.pool.QueryRow(ctx, query, viewerID, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &chat.NotFoundError{Kind: "conversation", ID: conversationID}
		}
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, &chat.AuthorizationError{UserID: viewerID, Op: "view conversation " + conversationID}
	}
	return conv, nil
}

// annotate re-reads the annotated view for viewerID after a bare row was
// fetched, so computed fields are never guessed.
func (s *Postgres) annotate(ctx context.Context, conv *chat.Conversation, viewerID string) (*chat.Conversation, error) {
	return s.GetConversation(ctx, conv.ID, viewerID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*chat.Conversation, error) {
	var c chat.Conversation
	err := row.Scan(&c.ID, &c.OwnerID, &c.CounterpartyID, &c.Status, &c.LastMessageAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &chat.NotFoundError{Kind: "conversation", ID: ""}
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &c, nil
}

func scanAnnotated(row rowScanner) (*chat.Conversation, error) {
	var (
		c           chat.Conversation
		lastContent *string
		lastSender  *string
		lastAt      *time.Time
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.CounterpartyID, &c.Status, &c.LastMessageAt, &c.CreatedAt,
		&lastContent, &lastSender, &lastAt, &c.UnreadCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan conversation view: %w", err)
	}
	if lastContent != nil && lastSender != nil && lastAt != nil {
		c.LastMessage = &chat.MessageSummary{Content: *lastContent, SenderID: *lastSender, CreatedAt: *lastAt}
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return &c, nil
}

var _ Store = (*Postgres)(nil)
