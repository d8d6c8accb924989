package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"

	"chimera/internal/config"
)

// Mode 决定认证是否生效。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 用静态令牌认证运维请求。令牌只以摘要形式保存在内存中。
type Service struct {
	mode   Mode
	tokens []tokenEntry
}

// NewService 根据配置创建认证服务，未启用时返回禁用模式的服务。
func NewService(cfg config.AuthConfig) (*Service, error) {
	s := &Service{mode: ModeDisabled}
	if !cfg.Enabled {
		return s, nil
	}
	s.mode = ModeToken
	for _, t := range cfg.Tokens {
		token := strings.TrimSpace(t.Token)
		if token == "" {
			return nil, errors.New("运维令牌不能为空: " + t.Name)
		}
		name := t.Name
		if name == "" {
			name = "operator"
		}
		s.tokens = append(s.tokens, tokenEntry{
			digest:  sha256.Sum256([]byte(token)),
			subject: &Subject{Name: name, Permissions: append([]string(nil), t.Permissions...)},
		})
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	// 遍历全部令牌，比较耗时与匹配位置无关。
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			matched = entry.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}
