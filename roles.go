package auth

import (
	"fmt"
	"slices"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// UserRole is the user's role
type UserRole string

const (
	// RoleUser is a customer facing role (i.e. browse products, own profile)
	RoleUser UserRole = "user"
	// RoleStaff runs the shop floor (i.e. inventory, sales, reports)
	RoleStaff UserRole = "staff"
	// RoleAdmin manages users, settings and backups
	RoleAdmin UserRole = "admin"
)

// Roles lists every defined role. A permission matrix must cover all of them.
func Roles() []UserRole {
	return []UserRole{RoleUser, RoleStaff, RoleAdmin}
}

// IsValid checks if the role is one of the predefined valid roles
func (r UserRole) IsValid() bool {
	switch r {
	case RoleUser, RoleStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

func (r UserRole) String() string {
	return string(r)
}

// ParseRole normalizes a raw role string.
func ParseRole(raw string) (UserRole, error) {
	role := UserRole(strings.ToLower(strings.TrimSpace(raw)))
	if !role.IsValid() {
		return "", goerrors.New(fmt.Sprintf("unknown role %q", raw), goerrors.CategoryValidation).
			WithTextCode(TextCodeInvalidPayload).
			WithCode(goerrors.CodeBadRequest)
	}
	return role, nil
}

// Permission names a single capability of the retail application.
type Permission string

const (
	PermissionViewProducts     Permission = "view_products"
	PermissionManageOwnProfile Permission = "manage_own_profile"
	PermissionManageInventory  Permission = "manage_inventory"
	PermissionRecordSales      Permission = "record_sales"
	PermissionViewSales        Permission = "view_sales"
	PermissionViewReports      Permission = "view_reports"
	PermissionExportReports    Permission = "export_reports"
	PermissionViewUsers        Permission = "view_users"
	PermissionManageUsers      Permission = "manage_users"
	PermissionManageSettings   Permission = "manage_settings"
	PermissionManageBackups    Permission = "manage_backups"
	PermissionViewAuditLog     Permission = "view_audit_log"
)

// PermissionMatrix maps each role to the permissions it grants.
type PermissionMatrix map[UserRole][]Permission

var (
	userPermissions = []Permission{
		PermissionViewProducts,
		PermissionManageOwnProfile,
	}
	staffPermissions = append(slices.Clone(userPermissions),
		PermissionManageInventory,
		PermissionRecordSales,
		PermissionViewSales,
		PermissionViewReports,
	)
	adminPermissions = append(slices.Clone(staffPermissions),
		PermissionExportReports,
		PermissionViewUsers,
		PermissionManageUsers,
		PermissionManageSettings,
		PermissionManageBackups,
		PermissionViewAuditLog,
	)
)

// DefaultPermissionMatrix returns a fresh copy of the built in matrix.
func DefaultPermissionMatrix() PermissionMatrix {
	return PermissionMatrix{
		RoleUser:  slices.Clone(userPermissions),
		RoleStaff: slices.Clone(staffPermissions),
		RoleAdmin: slices.Clone(adminPermissions),
	}
}

// Validate checks the matrix covers every role, that staff and admin grant
// something, and that no unknown role sneaks in.
func (m PermissionMatrix) Validate() error {
	var missing []string
	for _, role := range Roles() {
		perms, ok := m[role]
		if !ok {
			missing = append(missing, string(role))
			continue
		}
		if len(perms) == 0 && role != RoleUser {
			missing = append(missing, string(role)+" (empty)")
		}
	}

	for role := range m {
		if !role.IsValid() {
			missing = append(missing, "unknown role "+string(role))
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return goerrors.New("permission matrix is incomplete", goerrors.CategoryValidation).
			WithTextCode("INVALID_PERMISSION_MATRIX").
			WithMetadata(map[string]any{"roles": missing})
	}
	return nil
}
