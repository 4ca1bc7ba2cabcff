package host

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/description"
	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
)

// maxRequestBody caps inbound HTTP bodies; larger declared lengths are
// refused before handlers run.
const maxRequestBody = 10 << 20 // 10 MiB

func init() {
	// GENA methods are not in chi's default method table.
	chi.RegisterMethod("SUBSCRIBE")
	chi.RegisterMethod("UNSUBSCRIBE")
	chi.RegisterMethod("NOTIFY")
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logging.Debug("HTTP: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	})
}

func limitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxRequestBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// buildRouter wires the three host surfaces: description, control and
// eventing. Unrouted methods yield 405.
func (h *Host) buildRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(requestLoggerMiddleware)
	router.Use(limitBodyMiddleware)
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	deviceDoc := func(w http.ResponseWriter, r *http.Request) {
		data, err := description.EncodeDevice(h.root)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.Write(data)
	}
	router.Method(http.MethodGet, "/description/device.xml", http.HandlerFunc(deviceDoc))
	router.Method(http.MethodHead, "/description/device.xml", http.HandlerFunc(deviceDoc))

	scpdDoc := func(w http.ResponseWriter, r *http.Request) {
		svc := h.serviceByShortName(chi.URLParam(r, "service"))
		if svc == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		data, err := description.EncodeSCPD(svc)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.Write(data)
	}
	router.Method(http.MethodGet, "/description/{service}/scpd.xml", http.HandlerFunc(scpdDoc))
	router.Method(http.MethodHead, "/description/{service}/scpd.xml", http.HandlerFunc(scpdDoc))

	router.Method(http.MethodPost, "/control/{service}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc := h.serviceByShortName(chi.URLParam(r, "service"))
		if svc == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.dispatcher.Handle(svc, w, r)
	}))

	eventHandler := func(w http.ResponseWriter, r *http.Request) {
		svc := h.serviceByShortName(chi.URLParam(r, "service"))
		if svc == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.publisher.HTTPHandler(svc)(w, r)
	}
	router.Method("SUBSCRIBE", "/event/{service}", http.HandlerFunc(eventHandler))
	router.Method("UNSUBSCRIBE", "/event/{service}", http.HandlerFunc(eventHandler))

	return router
}

func (h *Host) serviceByShortName(short string) *model.Service {
	return h.services[short]
}
