package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/auth"
	"github.com/HasNetwork/chat/internal/files"
	"github.com/HasNetwork/chat/internal/service"
	"github.com/HasNetwork/chat/internal/tokens"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	roomSvc  *service.RoomService
	msgSvc   *service.MessageService
	adminSvc *service.AdminService
	files    *files.Storage
	maxBytes int64
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, adminSvc *service.AdminService, fs *files.Storage, maxBytes int64) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, adminSvc: adminSvc, files: fs, maxBytes: maxBytes}
}

// fail 把业务错误映射为 HTTP 状态码，未知错误记录日志后返回 500。
func fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidRefreshToken),
		errors.Is(err, tokens.ErrInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrAuth):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

func badPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badPayload(c)
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, result)
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badPayload(c)
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, err, "refresh token")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Impersonate 用管理员签发的一次性令牌换取目标用户的 token 对。
func (h *Handler) Impersonate(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badPayload(c)
		return
	}
	result, err := h.userSvc.Impersonate(c.Request.Context(), req.Token)
	if err != nil {
		fail(c, err, "impersonate")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	me, err := h.userSvc.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "me")
		return
	}
	c.JSON(http.StatusOK, me)
}

// CreateRoom 创建房间并加入，已存在时只加入。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	room, created, err := h.roomSvc.Create(c.Request.Context(), auth.GetUserID(c), req.Name)
	if err != nil {
		fail(c, err, "create room")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"room": room, "created": created})
}

// ListRooms 返回调用者加入的房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) RoomMembers(c *gin.Context) {
	members, err := h.roomSvc.Members(c.Request.Context(), auth.GetUserID(c), c.Param("name"))
	if err != nil {
		fail(c, err, "room members")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": members})
}

// ListMessages 返回房间最近的消息（升序），limit 默认 50，上限 200。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.msgSvc.History(c.Request.Context(), auth.GetUserID(c), c.Param("name"), limit)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Upload 保存 multipart 文件并以文件消息的形式发到房间。
func (h *Handler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)
	room := c.PostForm("room")
	header, err := c.FormFile("file")
	if err != nil || room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file and room are required"})
		return
	}
	if header.Size > h.maxBytes {
		fail(c, files.ErrTooLarge, "upload")
		return
	}
	f, err := header.Open()
	if err != nil {
		fail(c, err, "upload")
		return
	}
	defer f.Close()

	saved, err := h.files.Save(f, header.Filename)
	if err != nil {
		fail(c, err, "upload")
		return
	}
	msg, err := h.msgSvc.SendFile(c.Request.Context(), room, auth.GetUserID(c), saved.URL, header.Filename)
	if err != nil {
		if rmErr := h.files.Delete(saved.URL); rmErr != nil {
			log.Error().Err(rmErr).Str("url", saved.URL).Msg("remove orphan upload")
		}
		fail(c, err, "upload")
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": saved.URL, "filename": header.Filename, "message": msg})
}

func (h *Handler) AdminUsers(c *gin.Context) {
	users, err := h.adminSvc.ListUsers(c.Request.Context())
	if err != nil {
		fail(c, err, "list users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) AdminRooms(c *gin.Context) {
	rooms, err := h.adminSvc.ListRooms(c.Request.Context())
	if err != nil {
		fail(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) AdminFiles(c *gin.Context) {
	list, err := h.adminSvc.ListFiles(c.Request.Context())
	if err != nil {
		fail(c, err, "list files")
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": list})
}

func (h *Handler) AdminClearRoom(c *gin.Context) {
	n, err := h.adminSvc.ClearRoom(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err, "clear room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) AdminDeleteRoom(c *gin.Context) {
	if err := h.adminSvc.DeleteRoom(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err, "delete room")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AdminRemoveMember(c *gin.Context) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}
	if err := h.adminSvc.RemoveMember(c.Request.Context(), userID, c.Param("name")); err != nil {
		fail(c, err, "remove member")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AdminDeleteFile(c *gin.Context) {
	id, ok := paramID(c, "messageID")
	if !ok {
		return
	}
	if err := h.adminSvc.DeleteFile(c.Request.Context(), id); err != nil {
		fail(c, err, "delete file")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AdminImpersonate(c *gin.Context) {
	id, ok := paramID(c, "userID")
	if !ok {
		return
	}
	tok, err := h.adminSvc.Impersonate(c.Request.Context(), id)
	if err != nil {
		fail(c, err, "impersonate")
		return
	}
	log.Info().Uint("admin_id", auth.GetUserID(c)).Uint("target_id", id).Msg("impersonation token issued")
	c.JSON(http.StatusOK, tok)
}
