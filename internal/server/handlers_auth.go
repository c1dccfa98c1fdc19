package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oxdn/community/internal/accounts"
)

type signUpRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type signInRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleAuthRequestPayload struct {
	IDToken string `json:"id_token"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request signUpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	account, err := h.accounts.SignUp(c.Request.Context(), request.Email, request.Password, request.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	session, err := h.accounts.SignIn(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeSession(c, session)
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request googleAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		respondInvalidRequest(c)
		return
	}
	session, err := h.accounts.SignInWithGoogle(c.Request.Context(), request.IDToken)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeSession(c, session)
}

func (h *httpHandler) handleUsernameAvailable(c *gin.Context) {
	username := c.Query("username")
	available, err := h.accounts.CheckUsernameAvailability(c.Request.Context(), username)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": strings.TrimSpace(username), "available": available})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	if err := h.accounts.SignOut(c.Request.Context(), currentUserID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", isSecureRequest(c.Request), true)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	account, err := h.accounts.CurrentUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// writeSession returns the session body and mirrors the token into the session cookie.
func (h *httpHandler) writeSession(c *gin.Context, session accounts.Session) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), session.AccessToken, int(session.ExpiresIn), "/", "", isSecureRequest(c.Request), true)
	c.JSON(http.StatusOK, session)
}

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
