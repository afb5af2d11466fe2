// Package api serves user preferences over HTTP. Users log in with a one
// time password delivered over signal and get a bearer token back.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/roboricindustries/razzler/pkg/directory"
	"github.com/roboricindustries/razzler/pkg/metrics"
	"github.com/roboricindustries/razzler/pkg/prefs"
	"github.com/roboricindustries/razzler/pkg/pubsub"
)

type Config struct {
	JWTSecret      string
	JWTExpiry      time.Duration
	OTPTTL         time.Duration
	CountryPrefix  string // replaces a leading 0 in user numbers, e.g. "+44"
	AllowedOrigins []string
	Producer       string
}

// Preferences is the slice of prefs.Store the API needs.
type Preferences interface {
	Get(ctx context.Context, userID string) (prefs.Preferences, error)
	Update(ctx context.Context, userID string, u prefs.Update) error
	Clear(ctx context.Context, userID string) error
}

// Contacts looks users up by number. Load re-reads the shared file since
// the consumers write it from another process.
type Contacts interface {
	Load() (*directory.Phonebook, error)
}

type Server struct {
	cfg      Config
	prefs    Preferences
	contacts Contacts
	rdb      *redis.Client
	pub      pubsub.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config, p Preferences, contacts Contacts, rdb *redis.Client, pub pubsub.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = 7 * 24 * time.Hour
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = time.Minute
	}
	if cfg.Producer == "" {
		cfg.Producer = "razzler-prefs-api"
	}
	return &Server{
		cfg:      cfg,
		prefs:    p,
		contacts: contacts,
		rdb:      rdb,
		pub:      pub,
		log:      logger.With(slog.String("component", "prefs-api")),
		now:      time.Now,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(s.cors)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/login", func(r chi.Router) {
		r.Get("/issue_otp", s.issueOTP)
		r.Get("/verify_otp", s.verifyOTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireJWT)
		r.Get("/preferences", s.getPreferences)
		r.Put("/preferences", s.updatePreferences)
		r.Delete("/preferences", s.deletePreferences)
	})
	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.prefs.Get(r.Context(), userID(r.Context()))
	if err != nil {
		s.log.Error("get preferences", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var u prefs.Update
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid preferences: "+err.Error())
		return
	}
	if err := s.prefs.Update(r.Context(), userID(r.Context()), u); err != nil {
		s.log.Error("update preferences", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Preferences updated"})
}

func (s *Server) deletePreferences(w http.ResponseWriter, r *http.Request) {
	if err := s.prefs.Clear(r.Context(), userID(r.Context())); err != nil {
		s.log.Error("clear preferences", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Preferences cleared"})
}

// normalizeNumber applies the country prefix to national numbers.
func (s *Server) normalizeNumber(n string) string {
	n = strings.TrimSpace(n)
	if strings.HasPrefix(n, "0") && s.cfg.CountryPrefix != "" {
		return s.cfg.CountryPrefix + n[1:]
	}
	return n
}

var errUnknownUser = errors.New("user not recognised")

func (s *Server) lookup(number string) (directory.Contact, error) {
	pb, err := s.contacts.Load()
	if err != nil {
		return directory.Contact{}, err
	}
	c, ok := pb.Contact(number)
	if !ok || c.UUID == "" {
		return directory.Contact{}, errUnknownUser
	}
	return c, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
