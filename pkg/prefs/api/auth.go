package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// OTPKey is where a pending password for a user uuid lives.
func OTPKey(uuid string) string { return "razzler_otp:" + uuid }

type ctxKey struct{}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(uuid string) (string, error) {
	now := s.now()
	c := claims{
		UserID: uuid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseToken(raw string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	if c.UserID == "" {
		return "", errors.New("token has no user_id")
	}
	return c.UserID, nil
}

func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is missing")
			return
		}
		parts := strings.Fields(header)
		switch {
		case !strings.EqualFold(parts[0], "bearer"):
			writeError(w, http.StatusUnauthorized, "Authorization header must start with Bearer")
			return
		case len(parts) == 1:
			writeError(w, http.StatusUnauthorized, "Token not found")
			return
		case len(parts) > 2:
			writeError(w, http.StatusUnauthorized, "Authorization header must be Bearer token")
			return
		}
		uid, err := s.parseToken(parts[1])
		if errors.Is(err, jwt.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "Token has expired")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (s *Server) issueOTP(w http.ResponseWriter, r *http.Request) {
	number := s.normalizeNumber(r.URL.Query().Get("user_number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "user_number is required")
		return
	}
	contact, err := s.lookup(number)
	if err != nil {
		s.log.Warn("otp requested for unknown user", slog.String("number", number), slog.Any("error", err))
		writeError(w, http.StatusNotFound, "User not recognised")
		return
	}

	otp, err := newOTP()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue OTP")
		return
	}
	if err := s.rdb.Set(r.Context(), OTPKey(contact.UUID), otp, s.cfg.OTPTTL).Err(); err != nil {
		s.log.Error("store otp", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Failed to issue OTP")
		return
	}

	msg := signal.OutgoingMessage{Recipient: number, Message: "Your OTP is: " + otp}
	meta := common.NewMeta(common.OutgoingMessages.Type, s.cfg.Producer)
	if err := pubsub.PublishJSON(r.Context(), s.pub, common.OutgoingMessages.Queue, meta, msg); err != nil {
		s.log.Error("publish otp", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Failed to send OTP")
		return
	}
	s.log.Info("otp issued", slog.String("user_id", contact.UUID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP issued"})
}

func (s *Server) verifyOTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	number := s.normalizeNumber(q.Get("user_number"))
	otp := q.Get("otp")
	if number == "" || otp == "" {
		writeError(w, http.StatusBadRequest, "user_number and otp are required")
		return
	}
	contact, err := s.lookup(number)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid OTP")
		return
	}

	// single use: fetch and delete together
	stored, err := s.rdb.GetDel(r.Context(), OTPKey(contact.UUID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.log.Error("fetch otp", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Failed to verify OTP")
		return
	}
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(otp)) != 1 {
		writeError(w, http.StatusBadRequest, "Invalid OTP")
		return
	}

	token, err := s.issueToken(contact.UUID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
