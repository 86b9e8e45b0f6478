package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/auth"
	"github.com/HasNetwork/chat/internal/config"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/store"
	"github.com/HasNetwork/chat/internal/tokens"
)

const (
	maxUsernameLen = 64
	minPasswordLen = 6
	// bcrypt 只使用前 72 字节
	maxPasswordLen = 72
)

var ErrInvalidRefreshToken = fmt.Errorf("%w: invalid refresh token", apperr.ErrAuth)

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	store  store.Store
	tokens tokens.Store
	cfg    config.Config
}

func NewUserService(s store.Store, t tokens.Store, cfg config.Config) *UserService {
	return &UserService{store: s, tokens: t, cfg: cfg}
}

// UserDTO 是对外输出的用户数据。
type UserDTO struct {
	ID       uint      `json:"id"`
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin, Online: u.Online, LastSeen: u.LastSeen.UTC()}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Register 注册新用户，系统中的第一个用户自动成为管理员。
func (s *UserService) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		return nil, apperr.Invalid("invalid username")
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return nil, apperr.Invalid("password must be 6-72 bytes")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.store.CreateUser(ctx, username, hash)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username, IsAdmin: user.IsAdmin}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	User         UserDTO `json:"user"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

func (s *UserService) issue(ctx context.Context, user *models.User) (*LoginResult, error) {
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRefreshToken(ctx, user.ID, rt, s.refreshExpiry()); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: toUserDTO(*user)}, nil
}

func (s *UserService) refreshExpiry() time.Time {
	return time.Now().UTC().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	newRT, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	userID, err := s.store.RotateRefreshToken(ctx, oldRT, newRT, s.refreshExpiry())
	if err != nil {
		return nil, notFoundAs(err, ErrInvalidRefreshToken)
	}
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{AccessToken: at, RefreshToken: newRT}, nil
}

// Impersonate 消费管理员签发的一次性令牌，以目标用户身份登录。
func (s *UserService) Impersonate(ctx context.Context, token string) (*LoginResult, error) {
	userID, err := s.tokens.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundAs(err, tokens.ErrInvalid)
	}
	return s.issue(ctx, user)
}

func (s *UserService) Me(ctx context.Context, userID uint) (*UserDTO, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	dto := toUserDTO(*user)
	return &dto, nil
}
