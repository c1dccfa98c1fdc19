package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oxdn/community/internal/presence"
	"github.com/oxdn/community/internal/profiles"
)

type statusRequestPayload struct {
	Status string `json:"status"`
}

type avatarRequestPayload struct {
	AvatarURL string `json:"avatarUrl"`
}

type presenceResponsePayload struct {
	Users []presence.View `json:"users"`
}

func (h *httpHandler) handleGetOwnActivity(c *gin.Context) {
	record, err := h.activity.GetActivity(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	var request statusRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	record, err := h.activity.SetStatus(c.Request.Context(), currentUserID(c), request.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleGetActivity(c *gin.Context) {
	record, err := h.activity.GetActivity(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	views, err := h.presence.ListActive(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if views == nil {
		views = []presence.View{}
	}
	c.JSON(http.StatusOK, presenceResponsePayload{Users: views})
}

func (h *httpHandler) handleLookupPresence(c *gin.Context) {
	view, err := h.presence.Lookup(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.profiles.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// handleUpdateProfile rejects fields outside profiles.Update, such as role or email.
func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var update profiles.Update
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_field"})
		return
	}
	profile, err := h.profiles.Update(c.Request.Context(), currentUserID(c), update)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateAvatar(c *gin.Context) {
	var request avatarRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	profile, err := h.profiles.UpdateAvatar(c.Request.Context(), currentUserID(c), request.AvatarURL)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateGamingInfo(c *gin.Context) {
	var info profiles.GamingInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		respondInvalidRequest(c)
		return
	}
	profile, err := h.profiles.UpdateGamingInfo(c.Request.Context(), currentUserID(c), info)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleGetStats(c *gin.Context) {
	userStats, err := h.stats.GetStats(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userStats)
}

func (h *httpHandler) handleTouchStats(c *gin.Context) {
	userStats, err := h.stats.UpdateStats(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userStats)
}

func (h *httpHandler) handleIncrementGames(c *gin.Context) {
	userStats, err := h.stats.IncrementGamesPlayed(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userStats)
}

func (h *httpHandler) handleIncrementTournaments(c *gin.Context) {
	userStats, err := h.stats.IncrementTournamentsWon(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userStats)
}
