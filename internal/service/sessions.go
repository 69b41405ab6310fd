package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/builder"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

func (s *Service) OpenSession(ctx context.Context, req domain.SessionCreateRequest) (domain.SessionView, error) {
	if err := s.check(req); err != nil {
		return domain.SessionView{}, err
	}
	session, err := builder.New(req.Kind, s.ledger)
	if err != nil {
		return domain.SessionView{}, err
	}
	s.track(session)
	s.log.Debug("session opened", zap.String("session", session.ID()), zap.String("kind", req.Kind), zap.String("actor", actorID(ctx)))
	return session.View(), nil
}

// EditTransaction opens a session seeded from a committed transaction.
// Submitting it replaces the record and applies only the stock difference.
func (s *Service) EditTransaction(ctx context.Context, transactionID string) (domain.SessionView, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SessionView{}, err
	}
	tx, err := s.repo.FindTransactionByID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return domain.SessionView{}, err
	}
	session, err := builder.FromTransaction(tx, s.ledger)
	if err != nil {
		return domain.SessionView{}, err
	}
	s.track(session)
	return session.View(), nil
}

func (s *Service) GetSession(_ context.Context, id string) (domain.SessionView, error) {
	session, err := s.session(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	return session.View(), nil
}

func (s *Service) DiscardSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if entry.session.State() == builder.StateSubmitting {
		return builder.ErrSessionBusy
	}
	delete(s.sessions, id)
	return nil
}

func (s *Service) AddSelection(ctx context.Context, id string, req domain.SelectionAddRequest) (domain.SessionView, error) {
	if err := s.check(req); err != nil {
		return domain.SessionView{}, err
	}
	session, err := s.session(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := session.AddSelection(*product); err != nil {
		return domain.SessionView{}, err
	}
	return session.View(), nil
}

func (s *Service) UpdateSelection(_ context.Context, id string, index int, req domain.SelectionUpdateRequest) (domain.SessionView, error) {
	if err := s.check(req); err != nil {
		return domain.SessionView{}, err
	}
	session, err := s.session(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	if req.Quantity != nil {
		if err := session.UpdateQuantity(index, *req.Quantity); err != nil {
			return domain.SessionView{}, err
		}
	}
	if req.UnitPrice != nil {
		if err := session.UpdatePrice(index, *req.UnitPrice); err != nil {
			return domain.SessionView{}, err
		}
	}
	return session.View(), nil
}

func (s *Service) RemoveSelection(_ context.Context, id string, index int) (domain.SessionView, error) {
	session, err := s.session(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := session.RemoveSelection(index); err != nil {
		return domain.SessionView{}, err
	}
	return session.View(), nil
}

// SelectCounterparty attaches a customer to a sale or a supplier to a purchase.
func (s *Service) SelectCounterparty(ctx context.Context, id string, req domain.CounterpartySelectRequest) (domain.SessionView, error) {
	if err := s.check(req); err != nil {
		return domain.SessionView{}, err
	}
	session, err := s.session(id)
	if err != nil {
		return domain.SessionView{}, err
	}

	var party *domain.Counterparty
	if session.Kind() == domain.KindPurchase {
		party, err = s.repo.GetSupplier(ctx, strings.TrimSpace(req.CounterpartyID))
	} else {
		party, err = s.repo.GetCustomer(ctx, strings.TrimSpace(req.CounterpartyID))
	}
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := session.SetCounterparty(party.ID, party.Name); err != nil {
		return domain.SessionView{}, err
	}
	return session.View(), nil
}

func (s *Service) SubmitSession(ctx context.Context, id string, req domain.SubmitRequest) (domain.CommitResponse, error) {
	if err := s.check(req); err != nil {
		return domain.CommitResponse{}, err
	}
	session, err := s.session(id)
	if err != nil {
		return domain.CommitResponse{}, err
	}

	in := builder.SubmitInput{
		TaxAmount:       req.TaxAmount,
		DiscountAmount:  req.DiscountAmount,
		TaxPercent:      req.TaxPercent,
		DiscountPercent: req.DiscountPercent,
		PaymentMethod:   req.PaymentMethod,
		AmountPaid:      req.AmountPaid,
		Notes:           req.Notes,
		IdempotencyKey:  req.IdempotencyKey,
	}
	if req.Date != nil {
		in.Date = *req.Date
	}

	res, err := session.Submit(ctx, actorID(ctx), in)
	if err != nil {
		if !IsValidation(err) && !IsConflict(err) && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("session submit failed", zap.String("session", id), zap.Error(err))
		}
		return domain.CommitResponse{}, err
	}

	resp := domain.CommitResponse{TransactionID: res.ID, Duplicate: res.Duplicate}
	if res.Transaction != nil {
		resp.TotalAmount = res.Transaction.TotalAmount
		resp.AmountDue = res.Transaction.AmountDue
		resp.Status = res.Transaction.Status
	}
	if !res.Duplicate {
		action := "transaction_commit"
		if session.View().EditingID != "" {
			action = "transaction_edit"
		}
		s.logAudit(ctx, action, "transaction", res.ID, fmt.Sprintf("kind=%s,total=%.2f,status=%s", session.Kind(), resp.TotalAmount, resp.Status))
	}
	return resp, nil
}

// SweepSessions drops sessions idle for longer than the idle TTL and returns
// how many were dropped. Sessions in the middle of a submit are kept.
func (s *Service) SweepSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// RunSessionJanitor sweeps idle sessions every interval until ctx is done.
func (s *Service) RunSessionJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepSessions(); n > 0 {
				s.log.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) track(session *builder.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	s.sessions[session.ID()] = &sessionEntry{session: session, touched: now}
}

func (s *Service) session(id string) (*builder.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	entry, ok := s.sessions[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	entry.touched = now
	return entry.session, nil
}

func (s *Service) sweepLocked(now time.Time) int {
	dropped := 0
	for id, entry := range s.sessions {
		if now.Sub(entry.touched) <= s.idleTTL || entry.session.State() == builder.StateSubmitting {
			continue
		}
		delete(s.sessions, id)
		dropped++
	}
	return dropped
}
