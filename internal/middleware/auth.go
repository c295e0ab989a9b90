// Package middleware содержит HTTP middleware сервиса бронирования занятий.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/activity-booking/internal/validation"
)

type contextKey string

const parentIDKey contextKey = "parentID"

const (
	authCookieName = "parent_session"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет сессию родителя по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// При пустом ключе генерируется случайный, и выданные сессии не переживают перезапуск.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie сессии и добавляет идентификатор родителя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		parentID, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), parentIDKey, parentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie сессии для указанного родителя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, parentID string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    parentID + "." + a.sign(parentID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(parentID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(parentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	parentID, signature, ok := strings.Cut(cookieValue, ".")
	if !ok || !validation.IsValidID(parentID) {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(parentID))) {
		return "", false
	}

	return parentID, true
}

// GetParentIDFromContext извлекает идентификатор родителя из контекста запроса.
func GetParentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(parentIDKey).(string)
	return id, ok && id != ""
}

// StaffMiddleware пропускает только запросы с bearer-токеном персонала.
// При пустом токене персональные маршруты закрыты.
func StaffMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || !hmac.Equal([]byte(got), []byte(token)) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
