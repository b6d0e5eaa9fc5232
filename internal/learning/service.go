package learning

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/repository"
)

// Result は学習率の照会結果。
type Result struct {
	Percentage int
	SavedCount int
	Tier       Tier
}

// TextSanitizer は保存前のテキストからマークアップを除去する。
// security.TextSanitizerが実装する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// Service は保存済みレスポンスの追加と学習率の照会を提供する。
type Service struct {
	users        repository.UserRepository
	subs         repository.SubscriptionRepository
	savedItems   repository.SavedItemRepository
	sanitizer    TextSanitizer
	rates        Rates
	storeTimeout time.Duration
	now          func() time.Time
}

// NewService はServiceを生成する。sanitizerがnilの場合はテキストをそのまま保存する。
func NewService(
	users repository.UserRepository,
	subs repository.SubscriptionRepository,
	savedItems repository.SavedItemRepository,
	sanitizer TextSanitizer,
	rates Rates,
	storeTimeout time.Duration,
) *Service {
	return &Service{
		users:        users,
		subs:         subs,
		savedItems:   savedItems,
		sanitizer:    sanitizer,
		rates:        rates,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// ForIdentity はアカウントの学習率を返す。
// 有効なサブスクリプションまたはトライアル中であればpremium階層で算出する。
// アカウントが存在しない場合も最小値を返す。
func (s *Service) ForIdentity(ctx context.Context, email string) (*Result, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	rec, err := s.subs.FindByEmail(ctx, email)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	if rec == nil {
		// 行が未作成のアカウントは保存0件のstandard階層として扱う
		return &Result{
			Percentage: s.rates.Percentage(0, TierStandard),
			SavedCount: 0,
			Tier:       TierStandard,
		}, nil
	}

	count, err := s.savedItems.CountByUserID(ctx, rec.UserID)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}

	tier := TierStandard
	if rec.HasPremiumAccess(s.now()) {
		tier = TierPremium
	}

	return &Result{
		Percentage: s.rates.Percentage(count, tier),
		SavedCount: count,
		Tier:       tier,
	}, nil
}

// SaveItem は保存済みレスポンスを追加する。アカウントが存在しなければ作成する。
func (s *Service) SaveItem(ctx context.Context, email, text, itemContext, lastMessage string) (*model.SavedItem, error) {
	if s.sanitizer != nil {
		text = s.sanitizer.Sanitize(text)
		itemContext = s.sanitizer.Sanitize(itemContext)
		lastMessage = s.sanitizer.Sanitize(lastMessage)
	}
	if strings.TrimSpace(text) == "" {
		return nil, model.NewValidationError("textは必須です")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.EnsureByEmail(ctx, email)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}

	item := &model.SavedItem{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Text:        text,
		Context:     itemContext,
		LastMessage: lastMessage,
		CreatedAt:   s.now(),
	}
	if err := s.savedItems.Create(ctx, item); err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return item, nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}
