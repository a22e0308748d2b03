package db

import (
	"context"
	"errors"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/services"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL implementation of services.Repository.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const conversationColumns = `id, user_a, user_b, listing_id, created_at, last_message_at`

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var (
		conv       models.Conversation
		userA      string
		userB      string
		lastActive *time.Time
	)
	if err := row.Scan(&conv.ID, &userA, &userB, &conv.ListingID, &conv.CreatedAt, &lastActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Conversation{}, services.ErrConversationNotFound
		}
		return models.Conversation{}, err
	}
	conv.Participants = []string{userA, userB}
	if lastActive != nil {
		conv.LastMessageAt = *lastActive
	}
	return conv, nil
}

func (r *Repository) GetOrCreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_a, user_b, listing_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_a, user_b, listing_id) DO NOTHING`,
		conv.ID, conv.Participants[0], conv.Participants[1], conv.ListingID, conv.CreatedAt)
	if err != nil {
		return models.Conversation{}, false, err
	}

	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_a = $1 AND user_b = $2 AND listing_id = $3`,
		conv.Participants[0], conv.Participants[1], conv.ListingID)
	existing, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return existing, tag.RowsAffected() == 1, nil
}

func (r *Repository) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (r *Repository) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_a = $1 OR user_b = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *Repository) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}

	_, err = tx.Exec(ctx, `UPDATE conversations SET last_message_at = $2
		WHERE id = $1 AND (last_message_at IS NULL OR last_message_at < $2)`,
		msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

const messageColumns = `id, conversation_id, sender_id, text, created_at, read`

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt, &m.Read)
	return m, err
}

func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND id = $2`, conversationID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, services.ErrMessageNotFound
	}
	return m, err
}

func (r *Repository) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read
		RETURNING id`, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.user_a = $1 OR c.user_b = $1) AND m.sender_id <> $1 AND NOT m.read
		GROUP BY m.conversation_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

var _ services.Repository = (*Repository)(nil)
