package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

type user struct {
	DisplayName       string   `json:"displayName"`
	Bio               string   `json:"bio"`
	Status            string   `json:"status"`
	StatusDescription string   `json:"statusDescription"`
	Tags              []string `json:"tags"`
	LastLogin         string   `json:"last_login"`
	DateJoined        string   `json:"date_joined"`
}

type avatar struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	AuthorID      string   `json:"authorId"`
	AuthorName    string   `json:"authorName"`
	Tags          []string `json:"tags"`
	Version       int      `json:"version"`
	ReleaseStatus string   `json:"releaseStatus"`
}

const mockToken = "authcookie_localdev"

var users = map[string]user{
	"usr_abc123": {
		DisplayName: "Sunny",
		Bio:         "I love to crash the server lol",
		Status:      "active",
		Tags:        []string{"system_trust_basic"},
		DateJoined:  "2021-03-04",
	},
	"usr_troll": {
		DisplayName:       "FreezeFrame",
		Bio:               "ddos for hire",
		Status:            "busy",
		StatusDescription: "lag machine",
		Tags:              []string{"system_probable_troll"},
		DateJoined:        "2025-12-01",
	},
	"usr_clean": {
		DisplayName: "Maple",
		Bio:         "hi! i make worlds",
		Status:      "join me",
		DateJoined:  "2019-07-21",
	},
}

var avatars = map[string]avatar{
	"avtr_xyz789": {
		Name:          "Fox",
		Description:   "quest friendly",
		AuthorID:      "usr_clean",
		AuthorName:    "Maple",
		Tags:          []string{"cute", "crash", "popular"},
		Version:       4,
		ReleaseStatus: "public",
	},
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/1/auth/user", func(w http.ResponseWriter, r *http.Request) {
		if !enforceGet(w, r) {
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: mockToken, MaxAge: 3600, HttpOnly: true})
		writeJSON(w, map[string]any{"id": "usr_localdev", "displayName": "localdev"})
	})

	mux.HandleFunc("/api/1/users/", func(w http.ResponseWriter, r *http.Request) {
		if !enforceGet(w, r) || !enforceSession(w, r) {
			return
		}
		u, ok := users[strings.TrimPrefix(r.URL.Path, "/api/1/users/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		u.LastLogin = time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
		writeJSON(w, u)
	})

	mux.HandleFunc("/api/1/avatars/", func(w http.ResponseWriter, r *http.Request) {
		if !enforceGet(w, r) || !enforceSession(w, r) {
			return
		}
		a, ok := avatars[strings.TrimPrefix(r.URL.Path, "/api/1/avatars/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, a)
	})

	logger := log.New(log.Writer(), "vrchat-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8089",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8089")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforceGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func enforceSession(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie("auth")
	if err != nil || cookie.Value != mockToken {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
