package auth

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

type commandDeps struct {
	users    UserAdminRepository
	verifier PasswordVerifier
	guard    *AccountLockGuard
	tokens   *TokenStore
	policy   *AuthorizationPolicy
	activity ActivitySink
	logger   Logger
	clock    Clock
}

func (d commandDeps) recordActivity(ctx context.Context, actor *Identity, eventType ActivityEventType, userID uuid.UUID, metadata map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		UserID:     userID.String(),
		Metadata:   metadata,
		OccurredAt: d.clock(),
	}
	if actor != nil {
		event.ActorID = actor.ID.String()
	}
	if err := d.activity.Record(ctx, event); err != nil {
		d.logger.Warn("activity sink record error", "error", err)
	}
}

func (d commandDeps) revokeAll(ctx context.Context, userID uuid.UUID) error {
	count, err := d.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return err
	}
	d.logger.Debug("refresh tokens revoked", "user_id", userID, "count", count)
	return nil
}

func cancelled(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during "+op)
	default:
		return nil
	}
}

// UserCommands groups the user administration handlers.
type UserCommands struct {
	Register       *RegisterUserHandler
	ChangePassword *ChangePasswordHandler
	SetActive      *SetUserActiveHandler
	ChangeRole     *ChangeUserRoleHandler
	Delete         *DeleteUserHandler
}

// NewUserCommands builds the handlers on top of the components of auther.
func NewUserCommands(auther *Auther, users UserAdminRepository) *UserCommands {
	deps := commandDeps{
		users:    users,
		verifier: auther.verifier,
		guard:    auther.guard,
		tokens:   auther.store,
		policy:   auther.policy,
		activity: auther.activitySink,
		logger:   auther.loggerProvider.GetLogger("auth.commands"),
		clock:    auther.clock,
	}

	return &UserCommands{
		Register:       &RegisterUserHandler{commandDeps: deps},
		ChangePassword: &ChangePasswordHandler{commandDeps: deps},
		SetActive:      &SetUserActiveHandler{commandDeps: deps},
		ChangeRole:     &ChangeUserRoleHandler{commandDeps: deps},
		Delete:         &DeleteUserHandler{commandDeps: deps},
	}
}

type ChangePasswordMessage struct {
	Actor  Identity  `json:"-"`
	UserID uuid.UUID `json:"user_id"`
	// CurrentPassword is required when users change their own password.
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (e ChangePasswordMessage) Type() string { return "user.password.change" }

func (e ChangePasswordMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.NewPassword, validation.Required, validation.Length(6, 72)),
	)
}

// ChangePasswordHandler sets a new password and revokes every refresh token
// of the user. Owners must prove the current password; admins need not.
type ChangePasswordHandler struct {
	commandDeps
}

func (h *ChangePasswordHandler) Execute(ctx context.Context, event ChangePasswordMessage) error {
	if err := cancelled(ctx, "password change"); err != nil {
		return err
	}

	if err := h.policy.RequireOwnerOrAdmin(event.Actor, event.UserID); err != nil {
		return err
	}

	if err := goerrors.ValidateWithOzzo(event.Validate, "invalid password change"); err != nil {
		return err
	}

	user, err := h.users.FindUserByID(ctx, event.UserID)
	if err != nil {
		return err
	}

	if event.Actor.ID == event.UserID {
		// guessing here counts as a failed login
		if err := h.guard.Confirm(ctx, user, event.CurrentPassword); err != nil {
			return err
		}
	}

	hash, err := h.verifier.Hash(event.NewPassword)
	if err != nil {
		return err
	}

	if err := h.users.UpdatePasswordHash(ctx, event.UserID, hash); err != nil {
		return wrapStorage(err, "failed to update password")
	}

	if err := h.revokeAll(ctx, event.UserID); err != nil {
		return err
	}

	h.logger.Info("password changed", "user_id", event.UserID, "actor_id", event.Actor.ID)
	h.recordActivity(ctx, &event.Actor, ActivityEventPasswordChanged, event.UserID, nil)
	return nil
}

type SetUserActiveMessage struct {
	Actor  Identity  `json:"-"`
	UserID uuid.UUID `json:"user_id"`
	Active bool      `json:"active"`
}

func (e SetUserActiveMessage) Type() string { return "user.active.set" }

// SetUserActiveHandler activates or deactivates an account. Deactivation
// revokes every refresh token of the account.
type SetUserActiveHandler struct {
	commandDeps
}

func (h *SetUserActiveHandler) Execute(ctx context.Context, event SetUserActiveMessage) error {
	if err := cancelled(ctx, "user activation change"); err != nil {
		return err
	}

	if err := h.policy.RequireAdmin(event.Actor); err != nil {
		return err
	}

	if err := h.users.SetUserActive(ctx, event.UserID, event.Active); err != nil {
		if IsLastAdmin(err) || IsUserNotFound(err) {
			return err
		}
		return wrapStorage(err, "failed to update user activation")
	}

	eventType := ActivityEventUserActivated
	if !event.Active {
		eventType = ActivityEventUserDeactivated
		if err := h.revokeAll(ctx, event.UserID); err != nil {
			return err
		}
	}

	h.logger.Info("user activation changed", "user_id", event.UserID, "active", event.Active)
	h.recordActivity(ctx, &event.Actor, eventType, event.UserID, nil)
	return nil
}

type ChangeUserRoleMessage struct {
	Actor  Identity  `json:"-"`
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

func (e ChangeUserRoleMessage) Type() string { return "user.role.change" }

// ChangeUserRoleHandler moves a user to another role. The gate reads the
// role from the store, so the change applies to the next request.
type ChangeUserRoleHandler struct {
	commandDeps
}

func (h *ChangeUserRoleHandler) Execute(ctx context.Context, event ChangeUserRoleMessage) error {
	if err := cancelled(ctx, "role change"); err != nil {
		return err
	}

	if err := h.policy.RequireAdmin(event.Actor); err != nil {
		return err
	}

	role, err := ParseRole(event.Role)
	if err != nil {
		return err
	}

	if err := h.users.UpdateUserRole(ctx, event.UserID, role); err != nil {
		if IsLastAdmin(err) || IsUserNotFound(err) {
			return err
		}
		return wrapStorage(err, "failed to update user role")
	}

	h.logger.Info("user role changed", "user_id", event.UserID, "role", role)
	h.recordActivity(ctx, &event.Actor, ActivityEventRoleChanged, event.UserID, map[string]any{
		"role": string(role),
	})
	return nil
}

type DeleteUserMessage struct {
	Actor  Identity  `json:"-"`
	UserID uuid.UUID `json:"user_id"`
}

func (e DeleteUserMessage) Type() string { return "user.delete" }

// DeleteUserHandler hard deletes an account and its refresh tokens.
type DeleteUserHandler struct {
	commandDeps
}

func (h *DeleteUserHandler) Execute(ctx context.Context, event DeleteUserMessage) error {
	if err := cancelled(ctx, "user deletion"); err != nil {
		return err
	}

	if err := h.policy.RequireAdmin(event.Actor); err != nil {
		return err
	}

	if err := h.users.DeleteUser(ctx, event.UserID); err != nil {
		if IsLastAdmin(err) || IsUserNotFound(err) {
			return err
		}
		return wrapStorage(err, "failed to delete user")
	}

	h.logger.Info("user deleted", "user_id", event.UserID, "actor_id", event.Actor.ID)
	h.recordActivity(ctx, &event.Actor, ActivityEventUserDeleted, event.UserID, nil)
	return nil
}
