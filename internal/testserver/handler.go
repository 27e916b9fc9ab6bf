package testserver

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/loykin/warden/internal/metrics"
)

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(s.onlyGET, s.faultGate)
	e.Use(s.logRequest)
	e.GET("/fail/hang", s.handleHang)
	e.GET("/fail/boom", s.handleBoom)
	e.GET("/*", s.handleFile)
	return e
}

// onlyGET answers every other method with 501, like a server that never
// implemented them.
func (s *Server) onlyGET(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method != http.MethodGet {
			metrics.IncRequest(http.StatusNotImplemented)
			return c.NoContent(http.StatusNotImplemented)
		}
		return next(c)
	}
}

// faultGate runs before routing: once hung, every request blocks; once
// terminated, requests get no response at all.
func (s *Server) faultGate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		switch s.faults.load() {
		case StateHung:
			return s.block(c)
		case StateTerminated:
			return s.drop(c)
		}
		return next(c)
	}
}

func (s *Server) logRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if c.Response().Committed {
			code := c.Response().Status
			metrics.IncRequest(code)
			s.log.Info("request", "remote", c.RealIP(), "method", c.Request().Method,
				"path", c.Request().URL.Path, "status", code)
		}
		return err
	}
}

func (s *Server) handleHang(c echo.Context) error {
	if s.faults.hang() {
		metrics.IncFault("hang")
		s.log.Warn("hang requested; no further requests will be answered", "remote", c.RealIP())
	}
	return s.block(c)
}

func (s *Server) handleBoom(c echo.Context) error {
	s.faults.terminate()
	metrics.IncFault("boom")
	s.log.Error("crash requested; exiting", "remote", c.RealIP(), "code", ExitCodeBoom)
	s.exit(ExitCodeBoom)
	return s.drop(c)
}

// block holds the worker until the server is closed.
func (s *Server) block(c echo.Context) error {
	<-s.closed
	return s.drop(c)
}

// drop closes the connection without writing a response.
func (s *Server) drop(c echo.Context) error {
	conn, _, err := c.Response().Hijack()
	if err != nil {
		return nil
	}
	return conn.Close()
}

func (s *Server) handleFile(c echo.Context) error {
	reqPath := c.Request().URL.Path
	full, ok := s.resolve(reqPath)
	if !ok {
		s.log.Warn("requested file not inside doc-root", "path", reqPath, "resolved", full, "root", s.root)
		return c.NoContent(http.StatusForbidden)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.NoContent(http.StatusNotFound)
		}
		s.log.Error("read file failed", "path", full, "error", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
	return c.Blob(http.StatusOK, ctype, data)
}

// resolve maps a request path into the document root. The second result is
// false when the path, lexically or through a symlink, leaves the root.
func (s *Server) resolve(reqPath string) (string, bool) {
	rel := strings.TrimPrefix(reqPath, "/")
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if !within(s.root, full) {
		return full, false
	}
	resolved := realpath(full)
	if !within(s.root, resolved) {
		return resolved, false
	}
	return resolved, true
}

// maxLinkHops bounds dangling symlink chains, matching the kernel's limit.
const maxLinkHops = 40

// realpath resolves symlinks in the longest existing prefix of p and joins
// the missing remainder back on, so a missing file behind an escaping
// symlink still resolves outside the root. Dangling links are followed to
// their target.
func realpath(p string) string {
	rest := ""
	cur := p
	for hops := 0; hops < maxLinkHops; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest)
		}
		if fi, err := os.Lstat(cur); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(cur)
			if err != nil {
				return p
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = target
			hops++
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
	return filepath.Join(cur, rest)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
