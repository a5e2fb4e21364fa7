package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"tradepost/api/internal/auth"
	"tradepost/api/internal/authpw"
	"tradepost/api/internal/config"
	"tradepost/api/internal/search"
	"tradepost/api/internal/store"
	"tradepost/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

var allowedOfferTargets = map[string]struct{}{
	store.OfferAccepted:  {},
	store.OfferRejected:  {},
	store.OfferCancelled: {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	UpdateUserVerificationToken(context.Context, string, string, time.Time) error
	VerifyUserEmail(context.Context, string) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProduct(context.Context, store.Product) error
	GetProduct(context.Context, string) (store.Product, error)
	ListProducts(context.Context) ([]store.Product, error)
	SetProductImageURL(context.Context, string, string) error
	DeactivateProduct(context.Context, string) (bool, error)

	GetChatByProductBuyer(context.Context, string, string) (*store.Chat, error)
	InsertChat(context.Context, store.Chat) (store.Chat, error)
	GetChat(context.Context, string) (store.Chat, error)
	ListChatsForUser(context.Context, string) ([]store.ChatSummary, error)

	InsertMessage(context.Context, store.Message) error
	ListMessagesMarkingRead(context.Context, string, string) ([]store.Message, error)

	HasPendingOffer(context.Context, string, string) (bool, error)
	InsertOffer(context.Context, store.Offer) error
	GetOffer(context.Context, string) (store.Offer, error)
	ListOffers(context.Context, string) ([]store.Offer, error)
	AcceptOfferCascade(context.Context, string, string) (bool, error)
	FinalizeOffer(context.Context, string, string, string) (bool, error)

	InsertReview(context.Context, store.Review) error
	ListReviewsForSeller(context.Context, string) ([]store.Review, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. The Postgres store implements it; a
// Redis store can be swapped in via NewWithSessionStore.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// mailer sends account and negotiation notifications. May be nil
// (notifications off).
type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendOfferReceivedEmail(to, userName, productTitle string, amount float64) error
	SendOfferAcceptedEmail(to, userName, productTitle string, amount float64) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   *search.Service
	mail     mailer
	authPW   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, mail mailer) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searchService,
		mail:     mail,
		authPW:   authpw.NewService(dataStore),
	}
}

// NewWithSessionStore keeps refresh tokens in a dedicated store (Redis)
// instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service, mail mailer) *Service {
	service := New(cfg, dataStore, searchService, mail)
	service.sessions = sessions
	return service
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// NotifySignupVerification emails the verification link after signup.
// Best-effort: failures are logged, signup itself already succeeded.
func (s *Service) NotifySignupVerification(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verifyURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/verify-email?token=" + token
	if err := s.mail.SendVerificationEmail(to, userName, verifyURL); err != nil {
		log.Printf("verification email to %s: %v", to, err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PollInterval() time.Duration {
	return s.cfg.PollInterval
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	holder, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session store only tracks the user ID; the profile may have
	// changed since the token was issued, so read it fresh.
	user, err := s.store.GetUserByID(ctx, holder.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- products ---

func (s *Service) CreateProduct(ctx context.Context, sellerID, title, description string, price float64) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errValidation("title is required")
	}
	if price <= 0 {
		return nil, errValidation("price must be greater than zero")
	}

	product := store.Product{
		ID:          util.NewID("prd"),
		SellerID:    sellerID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Price:       roundToCents(price),
		Status:      store.ProductActive,
	}
	if err := s.store.InsertProduct(ctx, product); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexListing(search.ListingRecord{
			ID:          product.ID,
			Title:       product.Title,
			Description: product.Description,
			SellerID:    product.SellerID,
			Price:       product.Price,
			Status:      product.Status,
		})
	}
	return productPayload(product), nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (map[string]any, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	return productPayload(product), nil
}

func (s *Service) ListProducts(ctx context.Context) ([]map[string]any, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(products))
	for _, product := range products {
		items = append(items, productPayload(product))
	}
	return items, nil
}

func (s *Service) SetProductImage(ctx context.Context, productID, actorID, imageURL string) (map[string]any, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.SellerID != actorID {
		return nil, errForbidden("only the listing owner may change its image")
	}
	if err := s.store.SetProductImageURL(ctx, productID, imageURL); err != nil {
		return nil, err
	}
	product.ImageURL = imageURL
	return productPayload(product), nil
}

// DeactivateProduct takes a listing off the market. Existing chats keep
// working; only new first contacts are blocked.
func (s *Service) DeactivateProduct(ctx context.Context, productID, actorID string) error {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if product.SellerID != actorID {
		return errForbidden("only the listing owner may remove it")
	}
	changed, err := s.store.DeactivateProduct(ctx, productID)
	if err != nil {
		return err
	}
	if changed && s.search != nil {
		s.search.DeleteListing(productID)
	}
	return nil
}

func (s *Service) SearchListings(ctx context.Context, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, Limit: limit, Offset: offset})
}

// --- chats ---

// StartChat is the idempotent first-contact path: one chat per
// (product, buyer) pair, with the listing's seller as counterpart.
func (s *Service) StartChat(ctx context.Context, productID, buyerID string) (map[string]any, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("product not found")
	}
	if err != nil {
		return nil, err
	}
	if product.Status != store.ProductActive {
		return nil, errNotFound("product not found")
	}
	if product.SellerID == buyerID {
		return nil, errValidation("cannot open a chat on your own listing")
	}

	existing, err := s.store.GetChatByProductBuyer(ctx, productID, buyerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return chatPayload(*existing), nil
	}

	chat, err := s.store.InsertChat(ctx, store.Chat{
		ID:        util.NewID("cht"),
		ProductID: productID,
		BuyerID:   buyerID,
		SellerID:  product.SellerID,
	})
	if err != nil {
		return nil, err
	}
	return chatPayload(chat), nil
}

func (s *Service) GetChat(ctx context.Context, chatID, requesterID string) (map[string]any, error) {
	chat, err := s.chatForParticipant(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	return chatPayload(chat), nil
}

func (s *Service) ListChats(ctx context.Context, userID string) ([]map[string]any, error) {
	summaries, err := s.store.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		item := chatPayload(summary.Chat)
		item["productTitle"] = summary.ProductTitle
		item["unreadMessages"] = summary.UnreadMessages
		if summary.LastMessage != nil {
			item["lastMessage"] = messagePayload(*summary.LastMessage)
		} else {
			item["lastMessage"] = nil
		}
		items = append(items, item)
	}
	return items, nil
}

func isParticipant(chat store.Chat, actorID string) bool {
	return actorID == chat.BuyerID || actorID == chat.SellerID
}

func otherParticipant(chat store.Chat, actorID string) string {
	if actorID == chat.BuyerID {
		return chat.SellerID
	}
	return chat.BuyerID
}

// chatForParticipant loads a chat and applies the participant guard. A
// missing chat and a chat the actor is not party to are indistinguishable
// to the caller, so existence never leaks.
func (s *Service) chatForParticipant(ctx context.Context, chatID, actorID string) (store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chat{}, errNotFound("chat not found")
	}
	if err != nil {
		return store.Chat{}, err
	}
	if !isParticipant(chat, actorID) {
		return store.Chat{}, errNotFound("chat not found")
	}
	return chat, nil
}

// --- messages ---

func (s *Service) SendMessage(ctx context.Context, chatID, senderID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errValidation("content is required")
	}
	chat, err := s.chatForParticipant(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}

	message := store.Message{
		ID:         util.NewID("msg"),
		ChatID:     chat.ID,
		SenderID:   senderID,
		ReceiverID: otherParticipant(chat, senderID),
		Content:    content,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	return messagePayload(message), nil
}

// FetchAndAcknowledgeMessages returns the chat's messages oldest first and
// marks every unread message addressed to the requester as read in the same
// call. The name carries the side effect: opening the conversation is the
// read receipt.
func (s *Service) FetchAndAcknowledgeMessages(ctx context.Context, chatID, requesterID string) ([]map[string]any, error) {
	chat, err := s.chatForParticipant(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessagesMarkingRead(ctx, chat.ID, requesterID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	return items, nil
}

// --- offers ---

func (s *Service) CreateOffer(ctx context.Context, chatID, senderID string, amount float64) (map[string]any, error) {
	if amount <= 0 {
		return nil, errValidation("amount must be greater than zero")
	}
	chat, err := s.chatForParticipant(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.HasPendingOffer(ctx, chat.ID, senderID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, errConflict("a pending offer from you is already open in this chat")
	}

	offer := store.Offer{
		ID:         util.NewID("ofr"),
		ChatID:     chat.ID,
		SenderID:   senderID,
		ReceiverID: otherParticipant(chat, senderID),
		Amount:     roundToCents(amount),
		Status:     store.OfferPending,
	}
	if err := s.store.InsertOffer(ctx, offer); err != nil {
		// The partial unique index catches the create/create race the
		// pre-check cannot see.
		if errors.Is(err, store.ErrDuplicatePendingOffer) {
			return nil, errConflict("a pending offer from you is already open in this chat")
		}
		return nil, err
	}

	// Email delivery must not hold up the response; the detached context
	// keeps the send alive after the request returns.
	go s.notifyOffer(context.WithoutCancel(ctx), chat, offer.ReceiverID, offer.Amount, false)
	return offerPayload(offer), nil
}

// TransitionOffer moves a pending offer to a terminal state. Accepting
// cancels every other pending offer in the chat as one atomic unit.
func (s *Service) TransitionOffer(ctx context.Context, offerID, actorID, target string) (map[string]any, error) {
	target = strings.ToUpper(strings.TrimSpace(target))
	if _, ok := allowedOfferTargets[target]; !ok {
		return nil, errValidation("target status must be ACCEPTED, REJECTED or CANCELLED")
	}

	offer, err := s.store.GetOffer(ctx, offerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("offer not found")
	}
	if err != nil {
		return nil, err
	}
	chat, err := s.chatForParticipant(ctx, offer.ChatID, actorID)
	if err != nil {
		// Same NOT_FOUND for non-participants as for a missing offer;
		// store failures keep their identity.
		var de *DomainError
		if errors.As(err, &de) {
			return nil, errNotFound("offer not found")
		}
		return nil, err
	}

	if offer.Status != store.OfferPending {
		return nil, errInvalidState("offer no longer pending")
	}

	switch target {
	case store.OfferCancelled:
		if actorID != offer.SenderID {
			return nil, errForbidden("only the offer sender may cancel")
		}
	case store.OfferAccepted, store.OfferRejected:
		if actorID != offer.ReceiverID {
			return nil, errForbidden("only the offer receiver may accept or reject")
		}
	}

	var changed bool
	if target == store.OfferAccepted {
		changed, err = s.store.AcceptOfferCascade(ctx, offer.ID, offer.ChatID)
	} else {
		changed, err = s.store.FinalizeOffer(ctx, offer.ID, offer.ChatID, target)
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race: another transition landed between the read above and
		// the status-guarded update.
		return nil, errInvalidState("offer no longer pending")
	}

	if target == store.OfferAccepted {
		go s.notifyOffer(context.WithoutCancel(ctx), chat, offer.SenderID, offer.Amount, true)
	}

	updated, err := s.store.GetOffer(ctx, offer.ID)
	if err != nil {
		return nil, err
	}
	return offerPayload(updated), nil
}

func (s *Service) ListOffers(ctx context.Context, chatID, requesterID string) ([]map[string]any, error) {
	chat, err := s.chatForParticipant(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	offers, err := s.store.ListOffers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(offers))
	for _, offer := range offers {
		items = append(items, offerPayload(offer))
	}
	return items, nil
}

func (s *Service) notifyOffer(ctx context.Context, chat store.Chat, recipientID string, amount float64, accepted bool) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	recipient, err := s.store.GetUserByID(ctx, recipientID)
	if err != nil {
		log.Printf("offer notification: lookup recipient %s: %v", recipientID, err)
		return
	}
	product, err := s.store.GetProduct(ctx, chat.ProductID)
	if err != nil {
		log.Printf("offer notification: lookup product %s: %v", chat.ProductID, err)
		return
	}
	if accepted {
		err = s.mail.SendOfferAcceptedEmail(recipient.Email, recipient.DisplayName, product.Title, amount)
	} else {
		err = s.mail.SendOfferReceivedEmail(recipient.Email, recipient.DisplayName, product.Title, amount)
	}
	if err != nil {
		log.Printf("offer notification to %s: %v", recipient.Email, err)
	}
}

// --- reviews ---

func (s *Service) CreateReview(ctx context.Context, offerID, authorID string, rating int, comment string) (map[string]any, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("offer not found")
	}
	if err != nil {
		return nil, err
	}
	chat, err := s.chatForParticipant(ctx, offer.ChatID, authorID)
	if err != nil {
		var de *DomainError
		if errors.As(err, &de) {
			return nil, errNotFound("offer not found")
		}
		return nil, err
	}
	if authorID != chat.BuyerID {
		return nil, errForbidden("only the buyer may review an offer")
	}
	if offer.Status != store.OfferAccepted {
		return nil, errInvalidState("only an accepted offer can be reviewed")
	}
	if rating < 1 || rating > 5 {
		return nil, errValidation("rating must be between 1 and 5")
	}

	review := store.Review{
		ID:       util.NewID("rev"),
		OfferID:  offer.ID,
		ChatID:   chat.ID,
		AuthorID: authorID,
		Rating:   rating,
		Comment:  strings.TrimSpace(comment),
	}
	if err := s.store.InsertReview(ctx, review); err != nil {
		if errors.Is(err, store.ErrReviewExists) {
			return nil, errConflict("offer already reviewed")
		}
		return nil, err
	}
	return reviewPayload(review), nil
}

func (s *Service) ListSellerReviews(ctx context.Context, sellerID string) ([]map[string]any, error) {
	reviews, err := s.store.ListReviewsForSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		items = append(items, reviewPayload(review))
	}
	return items, nil
}

// --- payloads ---

func roundToCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

func productPayload(product store.Product) map[string]any {
	return map[string]any{
		"id":          product.ID,
		"sellerId":    product.SellerID,
		"title":       product.Title,
		"description": product.Description,
		"price":       product.Price,
		"imageUrl":    product.ImageURL,
		"status":      product.Status,
		"createdAt":   product.CreatedAt.Format(time.RFC3339),
	}
}

func chatPayload(chat store.Chat) map[string]any {
	return map[string]any{
		"id":        chat.ID,
		"productId": chat.ProductID,
		"buyerId":   chat.BuyerID,
		"sellerId":  chat.SellerID,
		"createdAt": chat.CreatedAt.Format(time.RFC3339),
		"updatedAt": chat.UpdatedAt.Format(time.RFC3339),
	}
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":         message.ID,
		"chatId":     message.ChatID,
		"senderId":   message.SenderID,
		"receiverId": message.ReceiverID,
		"content":    message.Content,
		"isRead":     message.IsRead,
		"createdAt":  message.CreatedAt.Format(time.RFC3339),
	}
}

func offerPayload(offer store.Offer) map[string]any {
	return map[string]any{
		"id":         offer.ID,
		"chatId":     offer.ChatID,
		"senderId":   offer.SenderID,
		"receiverId": offer.ReceiverID,
		"amount":     offer.Amount,
		"status":     offer.Status,
		"createdAt":  offer.CreatedAt.Format(time.RFC3339),
		"updatedAt":  offer.UpdatedAt.Format(time.RFC3339),
	}
}

func reviewPayload(review store.Review) map[string]any {
	return map[string]any{
		"id":        review.ID,
		"offerId":   review.OfferID,
		"chatId":    review.ChatID,
		"authorId":  review.AuthorID,
		"rating":    review.Rating,
		"comment":   review.Comment,
		"createdAt": review.CreatedAt.Format(time.RFC3339),
	}
}
