package auth

import (
	"net/http"

	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

type AdminControllerRoutes struct {
	Users          string
	UserActive     string
	UserRole       string
	UserPassword   string
	User           string
	ChangePassword string
}

// AdminController exposes the user administration commands as JSON
// endpoints. Every route runs behind the authentication gate.
type AdminController struct {
	Routes       *AdminControllerRoutes
	Commands     *UserCommands
	ContextKey   string
	ErrorHandler router.ErrorHandler
	Logger       Logger
}

// RegisterAdminRoutes mounts the administration endpoints, reusing the gate,
// error handler and context key of the auth controller.
func RegisterAdminRoutes[T any](app router.Router[T], ctrl *AuthController, commands *UserCommands) *AdminController {
	c := &AdminController{
		Routes: &AdminControllerRoutes{
			Users:          "/admin/users",
			User:           "/admin/users/:id",
			UserActive:     "/admin/users/:id/active",
			UserRole:       "/admin/users/:id/role",
			UserPassword:   "/admin/users/:id/password",
			ChangePassword: "/auth/password",
		},
		Commands:     commands,
		ContextKey:   ctrl.Config.GetContextKey(),
		ErrorHandler: ctrl.ErrorHandler,
		Logger:       ctrl.Logger,
	}

	protected := ctrl.Protected
	manageUsers := RequirePermission(ctrl.Auther.Policy(), c.ContextKey, PermissionManageUsers, c.ErrorHandler)

	app.Post(c.Routes.Users, c.CreateUser, protected, manageUsers).
		SetName("admin.users.create")

	app.Post(c.Routes.UserActive, c.SetActive, protected, manageUsers).
		SetName("admin.users.active")

	app.Post(c.Routes.UserRole, c.ChangeRole, protected, manageUsers).
		SetName("admin.users.role")

	app.Post(c.Routes.UserPassword, c.ResetPassword, protected, manageUsers).
		SetName("admin.users.password")

	app.Delete(c.Routes.User, c.DeleteUser, protected, manageUsers).
		SetName("admin.users.delete")

	app.Post(c.Routes.ChangePassword, c.ChangeOwnPassword, protected).
		SetName("auth.password")

	return c
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type ChangeRoleRequest struct {
	Role string `json:"role"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

var updatedResponse = map[string]string{"status": "updated"}

func (a *AdminController) CreateUser(ctx router.Context) error {
	actor, ok := GetRouterIdentity(ctx, a.ContextKey)
	if !ok {
		return a.ErrorHandler(ctx, ErrUnauthenticated)
	}

	payload := new(RegisterUserMessage)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, invalidPayload(err))
	}
	payload.Actor = &actor
	payload.UseHashid = false

	user, err := a.Commands.Register.Register(ctx.Context(), *payload)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, IdentityFromUser(user))
}

func (a *AdminController) SetActive(ctx router.Context) error {
	actor, userID, err := a.target(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	payload := new(SetActiveRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, invalidPayload(err))
	}

	if err := a.Commands.SetActive.Execute(ctx.Context(), SetUserActiveMessage{
		Actor:  actor,
		UserID: userID,
		Active: payload.Active,
	}); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, updatedResponse)
}

func (a *AdminController) ChangeRole(ctx router.Context) error {
	actor, userID, err := a.target(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	payload := new(ChangeRoleRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, invalidPayload(err))
	}

	if err := a.Commands.ChangeRole.Execute(ctx.Context(), ChangeUserRoleMessage{
		Actor:  actor,
		UserID: userID,
		Role:   payload.Role,
	}); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, updatedResponse)
}

// ResetPassword sets the password of another user without the current one.
func (a *AdminController) ResetPassword(ctx router.Context) error {
	actor, userID, err := a.target(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	payload := new(ChangePasswordRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, invalidPayload(err))
	}

	if err := a.Commands.ChangePassword.Execute(ctx.Context(), ChangePasswordMessage{
		Actor:           actor,
		UserID:          userID,
		CurrentPassword: payload.CurrentPassword,
		NewPassword:     payload.NewPassword,
	}); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, updatedResponse)
}

func (a *AdminController) DeleteUser(ctx router.Context) error {
	actor, userID, err := a.target(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := a.Commands.Delete.Execute(ctx.Context(), DeleteUserMessage{
		Actor:  actor,
		UserID: userID,
	}); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]string{"status": "deleted"})
}

// ChangeOwnPassword lets any authenticated user rotate their password.
// All their sessions end, including the current one.
func (a *AdminController) ChangeOwnPassword(ctx router.Context) error {
	actor, ok := GetRouterIdentity(ctx, a.ContextKey)
	if !ok {
		return a.ErrorHandler(ctx, ErrUnauthenticated)
	}

	payload := new(ChangePasswordRequest)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, invalidPayload(err))
	}

	if err := a.Commands.ChangePassword.Execute(ctx.Context(), ChangePasswordMessage{
		Actor:           actor,
		UserID:          actor.ID,
		CurrentPassword: payload.CurrentPassword,
		NewPassword:     payload.NewPassword,
	}); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	return ctx.JSON(router.StatusOK, updatedResponse)
}

func (a *AdminController) target(ctx router.Context) (Identity, uuid.UUID, error) {
	actor, ok := GetRouterIdentity(ctx, a.ContextKey)
	if !ok {
		return Identity{}, uuid.Nil, ErrUnauthenticated
	}

	userID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return Identity{}, uuid.Nil, invalidPayload(err)
	}

	return actor, userID, nil
}
