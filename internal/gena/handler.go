package gena

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/strefethen/go-upnp/internal/model"
)

// ParseCallbackHeader splits a CALLBACK header of one or more
// angle-bracketed URLs, keeping only well-formed absolute http URLs.
func ParseCallbackHeader(header string) []*url.URL {
	var out []*url.URL
	rest := header
	for {
		start := strings.Index(rest, "<")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], ">")
		if end < 0 {
			break
		}
		raw := rest[start+1 : start+end]
		rest = rest[start+end+1:]

		u, err := url.Parse(raw)
		if err == nil && u.Scheme == "http" && u.Host != "" {
			out = append(out, u)
		}
	}
	return out
}

// ParseTimeoutHeader parses "Second-N" or "infinite". Zero means use the
// publisher default.
func ParseTimeoutHeader(header string) (time.Duration, error) {
	v := strings.TrimSpace(header)
	if v == "" || strings.EqualFold(v, "infinite") {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(strings.ToLower(v), "second-")
	if !ok {
		return 0, fmt.Errorf("TIMEOUT %q: want Second-<n> or infinite", header)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("TIMEOUT %q: bad seconds value", header)
	}
	return time.Duration(n) * time.Second, nil
}

// FormatTimeout renders a TIMEOUT header value.
func FormatTimeout(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d/time.Second))
}

// HTTPHandler serves the SUBSCRIBE/UNSUBSCRIBE surface for one service's
// event URL. Missing or invalid subscription headers yield 412
// Precondition Failed; a SID combined with NT or CALLBACK yields 400 Bad
// Request.
func (p *Publisher) HTTPHandler(svc *model.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "SUBSCRIBE":
			p.handleSubscribe(svc, w, r)
		case "UNSUBSCRIBE":
			p.handleUnsubscribe(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (p *Publisher) handleSubscribe(svc *model.Service, w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("SID")
	hasCallback := r.Header.Get("CALLBACK") != ""
	hasNT := r.Header.Get("NT") != ""

	// A renewal carries SID only; mixing SID with first-time headers is
	// a client bug.
	if sid != "" && (hasCallback || hasNT) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	timeout, err := ParseTimeoutHeader(r.Header.Get("TIMEOUT"))
	if err != nil {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	if sid != "" {
		granted, err := p.Renew(sid, timeout)
		if err != nil {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("SID", sid)
		w.Header().Set("TIMEOUT", FormatTimeout(granted))
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Header.Get("NT") != "upnp:event" {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	callbacks := ParseCallbackHeader(r.Header.Get("CALLBACK"))
	if len(callbacks) == 0 {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	newSID, granted, err := p.Subscribe(svc, callbacks, timeout)
	if err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("SID", newSID)
	w.Header().Set("TIMEOUT", FormatTimeout(granted))
	w.WriteHeader(http.StatusOK)
}

func (p *Publisher) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("SID")
	if sid == "" {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	if err := p.Unsubscribe(sid); err != nil {
		if errors.Is(err, ErrNoSuchSubscription) {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
