// Package invite issues invite codes and redeems them into channel
// memberships under expiry and use-count limits.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-access/internal/apperr"
	"relay-access/internal/channel"
	"relay-access/internal/metrics"
	"relay-access/internal/role"
	"relay-access/internal/tokengate"
)

var tracer trace.Tracer = otel.Tracer("relay-access/invite")

const (
	defaultCodeBytes = 16
	codeAttempts     = 5
)

var (
	// errLostRace marks a conditional increment that matched no row.
	errLostRace = errors.New("conditional increment matched no invite")
	// errAlreadyMember rolls back a use taken for someone who joined meanwhile.
	errAlreadyMember = errors.New("already a member")
)

// ChannelSummary is the part of a channel an invitee sees before joining.
type ChannelSummary struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	MemberCount  int64  `json:"member_count"`
	IsTokenGated bool   `json:"is_token_gated"`
}

// View is the read-only result of resolving a code.
type View struct {
	Code      string         `json:"code"`
	Channel   ChannelSummary `json:"channel"`
	CreatedBy string         `json:"created_by"`
	ExpiresAt *time.Time     `json:"expires_at"`
	MaxUses   *int           `json:"max_uses"`
	UseCount  int            `json:"use_count"`
}

type Ledger struct {
	db        *gorm.DB
	channels  *channel.Store
	gate      *tokengate.Gate
	codeBytes int
}

// NewLedger builds a ledger and registers invite cleanup with the channel
// store's deletion.
func NewLedger(db *gorm.DB, channels *channel.Store, gate *tokengate.Gate, codeBytes int) *Ledger {
	if codeBytes <= 0 {
		codeBytes = defaultCodeBytes
	}
	channels.OnChannelDelete(func(tx *gorm.DB, channelID uint) error {
		if err := tx.Where("channel_id = ?", channelID).Delete(&Invite{}).Error; err != nil {
			return fmt.Errorf("delete invites of channel %d: %w", channelID, err)
		}
		return nil
	})
	return &Ledger{db: db, channels: channels, gate: gate, codeBytes: codeBytes}
}

func (l *Ledger) generateCode() (string, error) {
	buf := make([]byte, l.codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// insert stores inv under a fresh code, drawing again on the rare collision.
func (l *Ledger) insert(ctx context.Context, inv Invite) (Invite, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := l.generateCode()
		if err != nil {
			return Invite{}, fmt.Errorf("generate invite code: %w", err)
		}
		inv.ID = 0
		inv.Code = code

		result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&inv)
		if result.Error != nil {
			return Invite{}, fmt.Errorf("create invite: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return inv, nil
		}
	}
	return Invite{}, fmt.Errorf("no unique invite code after %d attempts", codeAttempts)
}

// Create issues an invite for channelID. createdBy must hold invite_member.
// expiry and maxUses are raw client options, see ExpiryFromOption and
// MaxUsesFromOption.
func (l *Ledger) Create(ctx context.Context, channelID uint, createdBy string, expiry, maxUses interface{}) (Invite, error) {
	if _, err := l.channels.GetChannel(ctx, channelID); err != nil {
		return Invite{}, err
	}
	if err := l.channels.Resolver().Require(ctx, createdBy, channelID, role.PermissionInviteMember); err != nil {
		return Invite{}, err
	}

	now := time.Now().UTC()
	inv, err := l.insert(ctx, Invite{
		ChannelID: channelID,
		CreatedBy: createdBy,
		ExpiresAt: ExpiryFromOption(expiry, now),
		MaxUses:   MaxUsesFromOption(maxUses),
	})
	if err != nil {
		return Invite{}, err
	}

	logrus.WithFields(logrus.Fields{
		"channel_id": channelID, "created_by": createdBy, "expires_at": inv.ExpiresAt, "max_uses": inv.MaxUses,
	}).Info("Created invite")
	return inv, nil
}

// Bootstrap issues the single-use, day-long invite handed out on first run.
// It skips the permission check.
func (l *Ledger) Bootstrap(ctx context.Context, channelID uint, createdBy string) (Invite, error) {
	now := time.Now().UTC()
	return l.insert(ctx, Invite{
		ChannelID: channelID,
		CreatedBy: createdBy,
		ExpiresAt: ExpiryFromOption("24h", now),
		MaxUses:   MaxUsesFromOption("once"),
	})
}

func (l *Ledger) load(ctx context.Context, code string) (Invite, error) {
	var inv Invite
	err := l.db.WithContext(ctx).Where("code = ?", code).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inv, fmt.Errorf("invite %q: %w", code, apperr.ErrNotFound)
	}
	if err != nil {
		return inv, fmt.Errorf("load invite: %w", err)
	}
	return inv, nil
}

func (l *Ledger) remove(ctx context.Context, inv Invite, reason string) {
	if err := l.db.WithContext(ctx).Delete(&Invite{}, inv.ID).Error; err != nil {
		logrus.WithError(err).WithField("code", inv.Code).Warn("Failed to delete invite")
		return
	}
	logrus.WithFields(logrus.Fields{"code": inv.Code, "reason": reason}).Info("Deleted invite")
}

// validate applies the read-side state machine: expired and orphaned invites
// are deleted, exhausted ones are kept.
func (l *Ledger) validate(ctx context.Context, inv Invite) (channel.Channel, error) {
	if inv.Expired(time.Now()) {
		l.remove(ctx, inv, "expired")
		return channel.Channel{}, fmt.Errorf("invite %q: %w", inv.Code, apperr.ErrExpired)
	}
	if inv.Exhausted() {
		return channel.Channel{}, fmt.Errorf("invite %q used %d/%d: %w", inv.Code, inv.UseCount, *inv.MaxUses, apperr.ErrExhausted)
	}

	ch, err := l.channels.GetChannel(ctx, inv.ChannelID)
	if errors.Is(err, apperr.ErrNotFound) {
		l.remove(ctx, inv, "channel gone")
		return channel.Channel{}, fmt.Errorf("invite %q: %w", inv.Code, apperr.ErrChannelGone)
	}
	return ch, err
}

// Resolve describes a code without consuming it.
func (l *Ledger) Resolve(ctx context.Context, code string) (View, error) {
	inv, err := l.load(ctx, strings.TrimSpace(code))
	if err != nil {
		return View{}, err
	}
	ch, err := l.validate(ctx, inv)
	if err != nil {
		return View{}, err
	}

	members, err := l.channels.CountMembers(ctx, ch.ID)
	if err != nil {
		return View{}, err
	}

	return View{
		Code: inv.Code,
		Channel: ChannelSummary{
			ID:           ch.ID,
			Name:         ch.Name,
			Description:  ch.Description,
			MemberCount:  members,
			IsTokenGated: ch.IsTokenGated,
		},
		CreatedBy: inv.CreatedBy,
		ExpiresAt: inv.ExpiresAt,
		MaxUses:   inv.MaxUses,
		UseCount:  inv.UseCount,
	}, nil
}

// Redeem consumes one use of code and makes userID a member of its channel.
// The use is taken by a conditional increment in the same transaction as the
// membership, so concurrent callers can never exceed the cap. A user who is
// already a member gets the existing membership, consumes nothing and
// created is false.
func (l *Ledger) Redeem(ctx context.Context, code, userID, walletAddress string) (member channel.Membership, created bool, err error) {
	ctx, span := tracer.Start(ctx, "invite.Redeem")
	defer span.End()
	span.SetAttributes(attribute.String("invite.code", code))

	member, created, err = l.redeem(ctx, strings.TrimSpace(code), userID, walletAddress)
	metrics.ObserveRedemption(err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		entry := logrus.WithError(err).WithFields(logrus.Fields{"code": code, "user_id": userID})
		if apperr.IsRedemptionFailure(err) {
			entry.Info("Invite redemption refused")
		} else {
			entry.Warn("Invite redemption failed")
		}
		return channel.Membership{}, false, err
	}
	span.SetAttributes(attribute.Bool("invite.created", created))
	return member, created, nil
}

func (l *Ledger) redeem(ctx context.Context, code, userID, walletAddress string) (channel.Membership, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return channel.Membership{}, false, fmt.Errorf("user is required: %w", apperr.ErrInvalid)
	}

	inv, err := l.load(ctx, code)
	if err != nil {
		return channel.Membership{}, false, err
	}
	ch, err := l.validate(ctx, inv)
	if err != nil {
		return channel.Membership{}, false, err
	}

	if existing, err := l.channels.GetMembership(ctx, userID, ch.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return channel.Membership{}, false, err
	}

	if err := l.gate.Check(ctx, ch.GateConfig(), walletAddress); err != nil {
		return channel.Membership{}, false, err
	}

	var member channel.Membership
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Invite{}).
			Where("code = ? AND (max_uses IS NULL OR use_count < max_uses) AND (expires_at IS NULL OR expires_at > ?)",
				code, time.Now().UTC()).
			UpdateColumn("use_count", gorm.Expr("use_count + 1"))
		if result.Error != nil {
			return fmt.Errorf("consume invite use: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errLostRace
		}

		var (
			created bool
			err     error
		)
		member, created, err = l.channels.WithTx(tx).Join(ctx, userID, ch.ID)
		if err == nil && !created {
			return errAlreadyMember
		}
		return err
	})
	switch {
	case errors.Is(err, errAlreadyMember):
		existing, err := l.channels.GetMembership(ctx, userID, ch.ID)
		return existing, false, err
	case errors.Is(err, errLostRace):
		return channel.Membership{}, false, l.classify(ctx, code)
	case errors.Is(err, apperr.ErrNotFound):
		return channel.Membership{}, false, fmt.Errorf("invite %q: %w", code, apperr.ErrChannelGone)
	case err != nil:
		return channel.Membership{}, false, err
	}

	logrus.WithFields(logrus.Fields{"code": code, "user_id": userID, "channel_id": ch.ID}).Info("Redeemed invite")
	return member, true, nil
}

// classify explains a conditional increment that matched nothing.
func (l *Ledger) classify(ctx context.Context, code string) error {
	inv, err := l.load(ctx, code)
	if err != nil {
		return err
	}
	if inv.Expired(time.Now()) {
		l.remove(ctx, inv, "expired")
		return fmt.Errorf("invite %q: %w", code, apperr.ErrExpired)
	}
	if inv.Exhausted() {
		return fmt.Errorf("invite %q used %d/%d: %w", code, inv.UseCount, *inv.MaxUses, apperr.ErrExhausted)
	}
	return fmt.Errorf("invite %q: %w", code, apperr.ErrConflict)
}

// List returns the invites of a channel. actorID needs manage_invites.
func (l *Ledger) List(ctx context.Context, actorID string, channelID uint) ([]Invite, error) {
	if err := l.channels.Resolver().Require(ctx, actorID, channelID, role.PermissionManageInvites); err != nil {
		return nil, err
	}
	var invites []Invite
	if err := l.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("id ASC").Find(&invites).Error; err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return invites, nil
}

// Delete revokes a code. Its creator may always delete it, anyone else needs
// manage_invites in its channel.
func (l *Ledger) Delete(ctx context.Context, actorID, code string) (Invite, error) {
	inv, err := l.load(ctx, strings.TrimSpace(code))
	if err != nil {
		return Invite{}, err
	}
	if inv.CreatedBy != actorID {
		if err := l.channels.Resolver().Require(ctx, actorID, inv.ChannelID, role.PermissionManageInvites); err != nil {
			return Invite{}, err
		}
	}
	if err := l.db.WithContext(ctx).Delete(&Invite{}, inv.ID).Error; err != nil {
		return Invite{}, fmt.Errorf("delete invite: %w", err)
	}
	logrus.WithFields(logrus.Fields{"code": inv.Code, "actor": actorID}).Info("Deleted invite")
	return inv, nil
}

// PurgeExpired deletes every invite past its deadline and returns how many
// went. Exhausted invites are kept.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Delete(&Invite{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge expired invites: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		logrus.WithField("deleted", result.RowsAffected).Info("Purged expired invites")
	}
	return result.RowsAffected, nil
}
