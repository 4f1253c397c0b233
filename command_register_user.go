package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// usernamePattern keeps usernames apart from emails; credential lookup
// treats any identifier containing "@" as an email.
var usernamePattern = regexp.MustCompile(`^[^@\s]+$`)

type RegisterUserMessage struct {
	// Actor is nil for system bootstrap, otherwise it must be an admin.
	Actor    *Identity `json:"-"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	Password string    `json:"password"`
	// Inactive creates the account deactivated.
	Inactive bool `json:"inactive"`
	// UseHashid derives a stable id from the email.
	UseHashid bool `json:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Validate will run validation rules
func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Username,
			validation.Length(3, 64),
			validation.Match(usernamePattern).Error("must not contain @ or spaces"),
		),
		validation.Field(&e.Password, validation.Required, validation.Length(6, 72)),
		validation.Field(&e.Role, validation.In(
			string(RoleUser), string(RoleStaff), string(RoleAdmin),
		)),
	)
}

type RegisterUserHandler struct {
	commandDeps
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	_, err := h.Register(ctx, event)
	return err
}

// Register creates the user and returns it.
func (h *RegisterUserHandler) Register(ctx context.Context, event RegisterUserMessage) (*User, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.register(ctx, event)
	}
}

func (h *RegisterUserHandler) register(ctx context.Context, event RegisterUserMessage) (*User, error) {
	if event.Actor != nil {
		if err := h.policy.RequireAdmin(*event.Actor); err != nil {
			return nil, err
		}
	}

	event.Email = strings.ToLower(strings.TrimSpace(event.Email))
	event.Username = getUsername(strings.TrimSpace(event.Username), event.Email)
	if event.Role == "" {
		event.Role = string(RoleUser)
	}

	if err := goerrors.ValidateWithOzzo(event.Validate, "invalid user registration"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	hash, err := h.verifier.Hash(event.Password)
	if err != nil {
		return nil, err
	}

	now := h.clock()
	user := &User{
		ID:           uuid.New(),
		Username:     event.Username,
		Email:        event.Email,
		PasswordHash: hash,
		Role:         UserRole(event.Role),
		IsActive:     !event.Inactive,
		CreatedAt:    &now,
		UpdatedAt:    &now,
	}

	if event.UseHashid {
		if id, err := hashid.NewUUID(event.Email); err == nil {
			user.ID = id
		}
	}

	created, err := h.users.CreateUser(ctx, user)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryConflict {
			return nil, richErr
		}
		return nil, wrapStorage(err, "could not create user")
	}

	h.logger.Info("user registered", "user_id", created.ID, "role", created.Role)
	h.recordActivity(ctx, event.Actor, ActivityEventUserRegistered, created.ID, map[string]any{
		"role": string(created.Role),
	})

	return created, nil
}

func getUsername(username, email string) string {
	if username != "" {
		return username
	}

	if strings.Contains(email, "@") {
		username = strings.Split(email, "@")[0]
	}

	return username
}
