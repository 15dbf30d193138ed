package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"

	"relay-access/internal/metrics"
)

type ResponseWriter struct {
	http.ResponseWriter
	bytesWritten int64
	statusCode   int
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	atomic.AddInt64(&rw.bytesWritten, int64(n))
	return n, err
}

func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *ResponseWriter) BytesWritten() int64 {
	return atomic.LoadInt64(&rw.bytesWritten)
}

// TrackOutboundData records status and response size of every request.
func TrackOutboundData(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &ResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rw, r)
		duration := time.Since(start)

		bytesWritten := rw.BytesWritten()
		metrics.ObserveHTTPRequest(r.Method, rw.statusCode, bytesWritten)

		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.statusCode,
			"bytes":    bytesWritten,
			"duration": duration,
		}).Debug("HTTP request")
	}
}

func GetClientPlatform(r *http.Request) string {
	return r.Header.Get("X-Client-Platform")
}

func GetClientVersion(r *http.Request) string {
	return r.Header.Get("X-Client-Version")
}

func GetClientInfo(r *http.Request) string {
	var parts []string
	if platform := GetClientPlatform(r); platform != "" {
		parts = append(parts, platform)
	}
	if version := GetClientVersion(r); version != "" {
		parts = append(parts, version)
	}
	return strings.Join(parts, "/")
}

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			entry := logrus.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "remote": GetClientIP(r)})
			if info := GetClientInfo(r); info != "" {
				entry = entry.WithField("client", info)
			}
			entry.Info("Request")
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-Version, X-Client-Platform")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func GetClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if colonPos := strings.LastIndex(ip, ":"); colonPos != -1 {
		ip = ip[:colonPos]
	}
	return ip
}

// clientKey buckets authenticated callers by user and everyone else by IP.
func clientKey(r *http.Request) (string, error) {
	if userID := UserID(r.Context()); userID != "" {
		return "user:" + userID, nil
	}
	return "ip:" + GetClientIP(r), nil
}

// RateLimit allows requestsPerMinute per client. A non-positive limit
// disables limiting.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(clientKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(60/requestsPerMinute+1))
			writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
		}),
	)
}

// RateLimitFunc is RateLimit for handler functions.
func RateLimitFunc(requestsPerMinute int) func(http.HandlerFunc) http.HandlerFunc {
	limit := RateLimit(requestsPerMinute)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return limit(next).ServeHTTP
	}
}

func CacheControl(maxAge time.Duration, cacheType string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			switch cacheType {
			case "no-cache":
				w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
				w.Header().Set("Pragma", "no-cache")
				w.Header().Set("Expires", "0")
			case "private":
				w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(maxAge.Seconds())))
			case "public":
				w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
			}

			next(w, r)
		}
	}
}

func NoCache(next http.HandlerFunc) http.HandlerFunc {
	return CacheControl(0, "no-cache")(next)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
