package auth

import (
	"log/slog"
	"net/http"

	"chimera/pkg/logger"
)

// ErrorWriter 负责把认证失败写成响应，由 API 层提供统一的错误格式。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Require 返回要求指定权限的中间件。禁用模式下直接放行。
func (s *Service) Require(onError ErrorWriter, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				logger.Audit().Warn("access denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Any("error", err))
				onError(w, r, err)
				return
			}
			logger.Audit().Info("operator request",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("operator", subject.Name))
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
