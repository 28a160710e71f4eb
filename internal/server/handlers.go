package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"pagesaver/capture"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.IndexHTML)))
	io.WriteString(w, s.cfg.IndexHTML)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong")
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.URL.Query().Get("url")) == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	target, err := targetFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.inflight.acquire(target) {
		http.Error(w, "a capture of this url is already in progress", http.StatusConflict)
		return
	}
	defer s.inflight.release(target)

	if err := s.slots.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}
	defer s.slots.Release(1)

	c, err := capture.NewCapturer(s.optionsFor(target))
	if err != nil {
		s.logger.Error("capturer setup failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	res, err := c.Capture(r.Context(), target)
	switch {
	case errors.Is(err, capture.ErrTimeout):
		http.Error(w, "capture timed out", http.StatusGatewayTimeout)
		return
	case err != nil:
		s.logger.Warn("capture failed", zap.String("url", target), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", contentDisposition(res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.HTML)))
	w.Header().Set("X-Images-Inlined", strconv.Itoa(res.Stats.ImagesInlined))
	w.Header().Set("X-Images-Failed", strconv.Itoa(res.Stats.ImagesFailed))
	io.WriteString(w, res.HTML)
}

// optionsFor applies the site config of target to the base options.
func (s *Server) optionsFor(target string) capture.Options {
	opts := s.cfg.Capture
	opts.Progress = nil
	site := s.sites.Lookup(target)
	if site == nil {
		return opts
	}
	if len(site.Headers) > 0 {
		hdr := http.Header{}
		for k, vs := range s.cfg.Capture.Header {
			hdr[k] = append([]string(nil), vs...)
		}
		for k, v := range site.Headers {
			hdr.Set(k, v)
		}
		opts.Header = hdr
	}
	switch site.Renderer {
	case "chrome":
		if s.cfg.Browser != nil {
			opts.Source = s.cfg.Browser
		} else {
			s.logger.Warn("chrome renderer requested but not available", zap.String("url", target))
		}
	case "http":
		opts.Source = capture.HTTPSource{}
	}
	return opts
}

// contentDisposition builds an attachment header carrying the UTF-8 file
// name (RFC 5987) with an ASCII fallback for old clients.
func contentDisposition(name string) string {
	var fallback, encoded strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f || r == '"' || r == '\\':
			fallback.WriteByte('_')
		case r < 0x80:
			fallback.WriteRune(r)
		default:
			fallback.WriteByte('_')
		}
	}
	const hexDigits = "0123456789ABCDEF"
	for _, b := range []byte(name) {
		if isAttrChar(b) {
			encoded.WriteByte(b)
			continue
		}
		encoded.WriteByte('%')
		encoded.WriteByte(hexDigits[b>>4])
		encoded.WriteByte(hexDigits[b&0x0f])
	}
	return `attachment; filename="` + fallback.String() + `"; filename*=UTF-8''` + encoded.String()
}

func isAttrChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", b) >= 0
}
