package auth

import (
	"strings"

	xerrors "chimera/internal/errors"
)

// 运维接口的权限名称。
const (
	PermissionJobsRead = "jobs:read"
	PermissionAll      = "*"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

// Subject 是通过令牌认证的运维身份。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断是否拥有指定权限，"*" 匹配全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求同时具备全部权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "missing permission "+perm,
				xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}
