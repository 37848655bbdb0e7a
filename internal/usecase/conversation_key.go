package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/primitive"
)

// PublicKeyFinder は主体の有効な鍵レコードを取得する。
type PublicKeyFinder interface {
	FindActive(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error)
}

// ConversationKeyDistributor は会話鍵を生成し、参加者ごとに公開鍵でラップして配布する。
type ConversationKeyDistributor struct {
	crypto  CryptoProvider
	keys    PublicKeyFinder
	workers int
}

// NewConversationKeyDistributor は新しいConversationKeyDistributorを生成する。
// workers はラップ処理の同時実行数の上限。
func NewConversationKeyDistributor(crypto CryptoProvider, keys PublicKeyFinder, workers int) *ConversationKeyDistributor {
	if workers < 1 {
		workers = 1
	}
	return &ConversationKeyDistributor{crypto: crypto, keys: keys, workers: workers}
}

func validateParticipants(participants []domain.Participant) error {
	if len(participants) == 0 {
		return fmt.Errorf("%w: at least one participant is required", domain.ErrValidation)
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.SubjectID == "" {
			return fmt.Errorf("%w: participant id is required", domain.ErrValidation)
		}
		if _, dup := seen[p.SubjectID]; dup {
			return fmt.Errorf("%w: duplicate participant %q", domain.ErrValidation, p.SubjectID)
		}
		seen[p.SubjectID] = struct{}{}
	}
	return nil
}

// DistributeKey は会話鍵を1つ生成し、参加者それぞれの公開鍵でラップした対応表を返す。
// どれか1人でもラップに失敗した場合は対応表を返さず、*domain.ParticipantKeyError を返す。
func (d *ConversationKeyDistributor) DistributeKey(ctx context.Context, participants []domain.Participant) (_ map[string][]byte, err error) {
	ctx, span := tracer.Start(ctx, "ConversationKeyDistributor.DistributeKey",
		trace.WithAttributes(attribute.Int("participants", len(participants))))
	defer func() { finishSpan(span, err) }()

	if err := validateParticipants(participants); err != nil {
		return nil, err
	}

	convKey, err := d.crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, cryptoError("generating conversation key", err)
	}
	defer memguard.WipeBytes(convKey)

	var mu sync.Mutex
	wrapped := make(map[string][]byte, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, p := range participants {
		p := p
		g.Go(func() error {
			ct, err := d.crypto.WrapKey(gctx, convKey, p.PublicKey)
			if err != nil {
				return &domain.ParticipantKeyError{SubjectID: p.SubjectID, Err: participantCause(err)}
			}
			mu.Lock()
			wrapped[p.SubjectID] = ct
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "failed to distribute conversation key",
			"operation", "distribute_key",
			"error", err,
		)
		return nil, err
	}

	return wrapped, nil
}

// participantCause は暗号プリミティブのエラーをドメインのエラーに置き換える。
func participantCause(err error) error {
	if errors.Is(err, primitive.ErrInvalidKey) {
		return fmt.Errorf("%w: unusable public key", domain.ErrValidation)
	}
	return cryptoError("wrapping conversation key", err)
}

// DistributeToSubjects は各主体の有効な公開鍵をストアから引いて会話鍵を配布する。
// 対応表のキーは "class:id" 形式。鍵が無い・漏洩済みの主体は ParticipantKeyError になる。
func (d *ConversationKeyDistributor) DistributeToSubjects(ctx context.Context, subjects []domain.Subject) (map[string][]byte, error) {
	if len(subjects) == 0 {
		return nil, fmt.Errorf("%w: at least one subject is required", domain.ErrValidation)
	}

	participants := make([]domain.Participant, 0, len(subjects))
	for _, s := range subjects {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		rec, err := d.keys.FindActive(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("finding active key record: %w", err)
		}
		if rec == nil {
			return nil, &domain.ParticipantKeyError{SubjectID: s.Key(), Err: domain.ErrNotFound}
		}
		participants = append(participants, domain.Participant{SubjectID: s.Key(), PublicKey: rec.PublicKey})
	}

	return d.DistributeKey(ctx, participants)
}
