package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"VaultPilot/pkg/logger"
)

// ownerClaims 是访问令牌携带的声明，sub 即所有者。
type ownerClaims struct {
	jwt.RegisteredClaims
}

// Service 负责 HTTP 端点的身份验证。
type Service struct {
	mode     Mode
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
	audit    *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:     mode,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TokenTTL,
		clock:    time.Now,
		audit:    logger.Audit(),
	}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
		if svc.ttl <= 0 {
			svc.ttl = time.Hour
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为所有者签发 HS256 访问令牌。
func (s *Service) Issue(owner string) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, ErrIssueDisabled
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", time.Time{}, ErrMissingOwner
	}
	now := s.clock()
	expires := now.Add(s.ttl)
	claims := ownerClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   owner,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// AuthenticateRequest 从请求中识别调用方。disabled 模式信任 X-Owner-ID 头，仅用于开发环境。
func (s *Service) AuthenticateRequest(_ context.Context, r *http.Request) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			return nil, ErrMissingOwner
		}
		return &Subject{Owner: owner, Mode: ModeDisabled}, nil
	}

	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.verify(token)
}

// verify 校验签名、算法、有效期以及可选的 issuer/audience。
func (s *Service) verify(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	claims := &ownerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	owner := strings.TrimSpace(claims.Subject)
	if owner == "" {
		return nil, ErrMissingOwner
	}
	subject := &Subject{Owner: owner, Mode: ModeJWT}
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	return subject, nil
}
