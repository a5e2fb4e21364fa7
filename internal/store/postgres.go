package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for constraint-backed conflicts. The schema is the last
// line of defense against concurrent writers; these let the service map a
// unique violation to the right user-visible failure.
var (
	ErrDuplicatePendingOffer = errors.New("sender already has a pending offer in this chat")
	ErrReviewExists          = errors.New("offer already reviewed")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, NULLIF($6, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- refresh sessions / token revocation ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- products ---

func (s *PostgresStore) InsertProduct(ctx context.Context, item Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, title, description, price, image_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.SellerID, item.Title, item.Description, item.Price, item.ImageURL, item.Status)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID string) (Product, error) {
	var item Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, description, price::float8, COALESCE(image_url, ''), status, created_at, updated_at
		FROM products
		WHERE id=$1
	`, productID).Scan(&item.ID, &item.SellerID, &item.Title, &item.Description, &item.Price, &item.ImageURL, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seller_id, title, description, price::float8, COALESCE(image_url, ''), status, created_at, updated_at
		FROM products
		WHERE status='ACTIVE'
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	items := make([]Product, 0)
	for rows.Next() {
		var item Product
		if err := rows.Scan(&item.ID, &item.SellerID, &item.Title, &item.Description, &item.Price, &item.ImageURL, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return items, nil
}

// DeactivateProduct takes a listing off the market. Status-guarded so a
// repeat call reports no change.
func (s *PostgresStore) DeactivateProduct(ctx context.Context, productID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE products SET status='INACTIVE', updated_at=NOW() WHERE id=$1 AND status='ACTIVE'
	`, productID)
	if err != nil {
		return false, fmt.Errorf("deactivate product: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate product rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetProductImageURL(ctx context.Context, productID, imageURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE products SET image_url=$2, updated_at=NOW() WHERE id=$1
	`, productID, imageURL)
	if err != nil {
		return fmt.Errorf("set product image: %w", err)
	}
	return nil
}

// --- chats ---

func (s *PostgresStore) GetChatByProductBuyer(ctx context.Context, productID, buyerID string) (*Chat, error) {
	var item Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, buyer_id, seller_id, created_at, updated_at
		FROM chats
		WHERE product_id=$1 AND buyer_id=$2
	`, productID, buyerID).Scan(&item.ID, &item.ProductID, &item.BuyerID, &item.SellerID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat by product and buyer: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) InsertChat(ctx context.Context, chat Chat) (Chat, error) {
	// The unique (product_id, buyer_id) key makes creation idempotent under
	// concurrent first-contact requests: the loser of the race reads the
	// winner's row.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, product_id, buyer_id, seller_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, buyer_id) DO NOTHING
	`, chat.ID, chat.ProductID, chat.BuyerID, chat.SellerID)
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	existing, err := s.GetChatByProductBuyer(ctx, chat.ProductID, chat.BuyerID)
	if err != nil {
		return Chat{}, err
	}
	if existing == nil {
		return Chat{}, sql.ErrNoRows
	}
	return *existing, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var item Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, buyer_id, seller_id, created_at, updated_at
		FROM chats
		WHERE id=$1
	`, chatID).Scan(&item.ID, &item.ProductID, &item.BuyerID, &item.SellerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Chat{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.product_id, c.buyer_id, c.seller_id, c.created_at, c.updated_at, p.title,
			m.id, m.sender_id, m.receiver_id, m.content, m.is_read, m.created_at,
			(SELECT COUNT(*) FROM messages um WHERE um.chat_id=c.id AND um.receiver_id=$1 AND NOT um.is_read)
		FROM chats c
		JOIN products p ON p.id = c.product_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, receiver_id, content, is_read, created_at
			FROM messages
			WHERE chat_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) m ON TRUE
		WHERE c.buyer_id=$1 OR c.seller_id=$1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]ChatSummary, 0)
	for rows.Next() {
		var item ChatSummary
		var msgID, msgSender, msgReceiver, msgContent sql.NullString
		var msgRead sql.NullBool
		var msgCreatedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.ProductID,
			&item.BuyerID,
			&item.SellerID,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.ProductTitle,
			&msgID,
			&msgSender,
			&msgReceiver,
			&msgContent,
			&msgRead,
			&msgCreatedAt,
			&item.UnreadMessages,
		); err != nil {
			return nil, fmt.Errorf("scan chat summary: %w", err)
		}
		if msgID.Valid {
			item.LastMessage = &Message{
				ID:         msgID.String,
				ChatID:     item.ID,
				SenderID:   msgSender.String,
				ReceiverID: msgReceiver.String,
				Content:    msgContent.String,
				IsRead:     msgRead.Bool,
				CreatedAt:  msgCreatedAt.Time,
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

// --- messages ---

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, receiver_id, content)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.ChatID, message.SenderID, message.ReceiverID, message.Content); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, message.ChatID); err != nil {
		return fmt.Errorf("bump chat for message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert message: %w", err)
	}
	return nil
}

// ListMessagesMarkingRead returns a chat's messages oldest first and, in the
// same transaction, flips every unread message addressed to readerID to read.
// The read acknowledgment is part of the read path on purpose: opening the
// conversation is what marks it seen.
func (s *PostgresStore) ListMessagesMarkingRead(ctx context.Context, chatID, readerID string) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin list messages: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET is_read=TRUE
		WHERE chat_id=$1 AND receiver_id=$2 AND NOT is_read
	`, chatID, readerID); err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, receiver_id, content, is_read, created_at
		FROM messages
		WHERE chat_id=$1
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ChatID, &item.SenderID, &item.ReceiverID, &item.Content, &item.IsRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit list messages: %w", err)
	}
	return items, nil
}

// --- offers ---

func (s *PostgresStore) HasPendingOffer(ctx context.Context, chatID, senderID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM offers WHERE chat_id=$1 AND sender_id=$2 AND status='PENDING')
	`, chatID, senderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending offer: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertOffer(ctx context.Context, offer Offer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert offer: %w", err)
	}
	defer tx.Rollback()

	// The partial unique index on (chat_id, sender_id) WHERE status='PENDING'
	// closes the race two concurrent creates would otherwise slip through.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO offers (id, chat_id, sender_id, receiver_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
	`, offer.ID, offer.ChatID, offer.SenderID, offer.ReceiverID, offer.Amount); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePendingOffer
		}
		return fmt.Errorf("insert offer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, offer.ChatID); err != nil {
		return fmt.Errorf("bump chat for offer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert offer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, offerID string) (Offer, error) {
	var item Offer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, receiver_id, amount::float8, status, created_at, updated_at
		FROM offers
		WHERE id=$1
	`, offerID).Scan(&item.ID, &item.ChatID, &item.SenderID, &item.ReceiverID, &item.Amount, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Offer{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListOffers(ctx context.Context, chatID string) ([]Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, receiver_id, amount::float8, status, created_at, updated_at
		FROM offers
		WHERE chat_id=$1
		ORDER BY created_at DESC, id DESC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	items := make([]Offer, 0)
	for rows.Next() {
		var item Offer
		if err := rows.Scan(&item.ID, &item.ChatID, &item.SenderID, &item.ReceiverID, &item.Amount, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return items, nil
}

// AcceptOfferCascade accepts one offer and cancels every other pending offer
// in the same chat as one atomic unit. Both updates are status-guarded, so of
// two concurrent accepts in one chat exactly one passes the guard; the other
// finds its offer already CANCELLED and reports no change.
func (s *PostgresStore) AcceptOfferCascade(ctx context.Context, offerID, chatID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin accept offer: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET status='ACCEPTED', updated_at=NOW()
		WHERE id=$1 AND status='PENDING'
	`, offerID)
	if err != nil {
		return false, fmt.Errorf("accept offer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accept offer rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET status='CANCELLED', updated_at=NOW()
		WHERE chat_id=$1 AND id<>$2 AND status='PENDING'
	`, chatID, offerID); err != nil {
		return false, fmt.Errorf("cancel competing offers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, chatID); err != nil {
		return false, fmt.Errorf("bump chat for accept: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit accept offer: %w", err)
	}
	return true, nil
}

// FinalizeOffer moves a pending offer to REJECTED or CANCELLED. No cascade.
func (s *PostgresStore) FinalizeOffer(ctx context.Context, offerID, chatID, status string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finalize offer: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status='PENDING'
	`, offerID, status)
	if err != nil {
		return false, fmt.Errorf("finalize offer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize offer rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, chatID); err != nil {
		return false, fmt.Errorf("bump chat for finalize: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize offer: %w", err)
	}
	return true, nil
}

// --- reviews ---

func (s *PostgresStore) InsertReview(ctx context.Context, review Review) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, offer_id, chat_id, author_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, review.ID, review.OfferID, review.ChatID, review.AuthorID, review.Rating, review.Comment)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReviewExists
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewsForSeller(ctx context.Context, sellerID string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.offer_id, r.chat_id, r.author_id, r.rating, COALESCE(r.comment, ''), r.created_at
		FROM reviews r
		JOIN chats c ON c.id = r.chat_id
		WHERE c.seller_id=$1
		ORDER BY r.created_at DESC
	`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list seller reviews: %w", err)
	}
	defer rows.Close()

	items := make([]Review, 0)
	for rows.Next() {
		var item Review
		if err := rows.Scan(&item.ID, &item.OfferID, &item.ChatID, &item.AuthorID, &item.Rating, &item.Comment, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
