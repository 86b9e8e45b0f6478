// Package files 管理上传文件在本地目录中的存取。
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/HasNetwork/chat/internal/apperr"

	"github.com/google/uuid"
)

// URLPrefix 是上传文件对外的访问前缀。
const URLPrefix = "/uploads/"

// 拦截可执行/脚本类扩展名，以及浏览器会按文档渲染的类型（上传目录与应用同源）。
var blockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
	".html": true, ".htm": true, ".xhtml": true, ".svg": true, ".svgz": true,
	".xml": true, ".mjs": true,
}

var (
	ErrTooLarge   = apperr.Invalid("file too large")
	ErrBlockedExt = apperr.Invalid("file type not allowed")
	ErrBadURL     = apperr.Invalid("not an upload url")
)

type Saved struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type Storage struct {
	dir     string
	maxSize int64
}

func New(dir string, maxSize int64) *Storage {
	return &Storage{dir: dir, maxSize: maxSize}
}

func (s *Storage) Dir() string { return s.dir }

// SafeName 只保留文件名的基础部分，并把不安全字符替换为下划线。
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// Save 以 "<uuid>_<安全文件名>" 写入上传目录，超过大小上限时删除半成品。
func (s *Storage) Save(r io.Reader, filename string) (*Saved, error) {
	name := SafeName(filename)
	if blockedExt[strings.ToLower(filepath.Ext(name))] {
		return nil, ErrBlockedExt
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, apperr.Storage("create upload dir", err)
	}
	stored := uuid.NewString() + "_" + name
	dstPath := filepath.Join(s.dir, stored)
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, apperr.Storage("create upload", err)
	}
	n, err := io.Copy(dst, io.LimitReader(r, s.maxSize+1))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(dstPath)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, apperr.Storage("write upload", err)
	}
	return &Saved{URL: URLPrefix + stored, Filename: filename, Size: n}, nil
}

func (s *Storage) pathFor(url string) (string, error) {
	if !strings.HasPrefix(url, URLPrefix) {
		return "", ErrBadURL
	}
	name := path.Base(strings.TrimPrefix(url, URLPrefix))
	if name == "." || name == "/" || name == ".." {
		return "", ErrBadURL
	}
	return filepath.Join(s.dir, name), nil
}

// Delete 删除 URL 对应的文件；文件已不存在时视为成功。
func (s *Storage) Delete(url string) error {
	p, err := s.pathFor(url)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Storage(fmt.Sprintf("remove %s", url), err)
	}
	return nil
}

// DeleteAll 尽量删除全部文件，返回第一个错误。
func (s *Storage) DeleteAll(urls []string) error {
	var first error
	for _, u := range urls {
		if err := s.Delete(u); err != nil && first == nil {
			first = err
		}
	}
	return first
}
