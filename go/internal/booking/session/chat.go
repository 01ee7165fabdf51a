package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/mcdev12/bookingsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

func (s *Session) handleChatPush(env events.Envelope, receivedAt time.Time) {
	p, err := events.ParsePayload(env.Event, env.Data)
	if err != nil {
		log.Warn().Err(err).Str("booking_id", s.id).Str("event", string(env.Event)).Msg("discarding chat event")
		return
	}

	switch p := p.(type) {
	case *events.NewMessagePayload:
		if p.ID == "" {
			return
		}
		sentAt := p.SentAt
		if sentAt.IsZero() {
			sentAt = receivedAt
		}
		s.mergeMessages([]models.Message{{
			ID:        p.ID,
			BookingID: s.id,
			SenderID:  p.SenderID,
			Body:      p.Body,
			SentAt:    sentAt,
		}})
		delete(s.typing, p.SenderID)

	case *events.MessageReadPayload:
		at := p.ReadAt
		if at.IsZero() {
			at = receivedAt
		}
		s.markRead(p.MessageIDs, at)

	case *events.TypingPayload:
		if p.UserID == "" {
			return
		}
		if p.IsTyping {
			s.typing[p.UserID] = receivedAt.Add(s.config.TypingTTL)
		} else {
			delete(s.typing, p.UserID)
		}
		s.dirty = true

	case *events.NotificationPayload:
		n := *p
		if n.CreatedAt.IsZero() {
			n.CreatedAt = receivedAt
		}
		s.notification = &n
		s.dirty = true
	}
}

// mergeMessages upserts by id. A read mark already known locally survives a pull that
// predates it.
func (s *Session) mergeMessages(msgs []models.Message) {
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if old, ok := s.messages[m.ID]; ok && m.ReadAt == nil {
			m.ReadAt = old.ReadAt
		}
		if m.BookingID == "" {
			m.BookingID = s.id
		}
		s.messages[m.ID] = m
	}
	s.dirty = true
}

func (s *Session) markRead(ids []string, at time.Time) {
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.ReadAt != nil {
			continue
		}
		readAt := at
		m.ReadAt = &readAt
		s.messages[id] = m
		s.dirty = true
	}
}

// expireTypers drops typing indicators past their TTL and reports whether any were
// dropped.
func (s *Session) expireTypers(now time.Time) bool {
	expired := false
	for user, until := range s.typing {
		if !now.Before(until) {
			delete(s.typing, user)
			expired = true
		}
	}
	return expired
}

func (s *Session) chatAllowed(action string) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	v := s.View()
	if !v.Guards.CanChat {
		return fmt.Errorf("%w: %s in status %q", ErrActionNotAllowed, action, v.Status())
	}
	return nil
}

// SendMessage emits a chat message and returns its client id. The stored message
// arrives back as a new-message push.
func (s *Session) SendMessage(ctx context.Context, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("send message: empty body")
	}
	if err := s.chatAllowed("send message"); err != nil {
		return "", err
	}

	clientID := uuid.New().String()
	cmd := events.SendMessageCommand{ClientID: clientID, BookingID: s.id, Body: body}
	if err := s.svc.conn.Emit(ctx, events.SendMessage, s.id, cmd); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return clientID, nil
}

// SetTyping emits the local user's typing indicator.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	if err := s.chatAllowed("typing"); err != nil {
		return err
	}
	return s.svc.conn.Emit(ctx, events.Typing, s.id, events.TypingPayload{BookingID: s.id, IsTyping: typing})
}

// MarkRead emits a read receipt and marks the messages read locally.
func (s *Session) MarkRead(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := s.chatAllowed("mark read"); err != nil {
		return err
	}
	cmd := events.MarkReadCommand{BookingID: s.id, MessageIDs: messageIDs}
	if err := s.svc.conn.Emit(ctx, events.MarkRead, s.id, cmd); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	at := s.clock.Now()
	return s.do(func() { s.markRead(messageIDs, at) })
}
