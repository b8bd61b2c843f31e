package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/palmerr"
)

type userResponse struct {
	Key        string            `json:"key"`
	Username   string            `json:"username"`
	UniqueID   *string           `json:"unique_id,omitempty"`
	Factors    []string          `json:"factors"`
	Registered bool              `json:"registered"`
	Templates  []string          `json:"templates"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func toUserResponse(rec credential.UserRecord) (userResponse, error) {
	meta, err := credential.DecodeMetadata(rec.Metadata)
	if err != nil {
		return userResponse{}, err
	}
	factors := make([]string, 0, 3)
	for _, f := range rec.Factors.Factors() {
		factors = append(factors, f.String())
	}
	templates := make([]string, 0, len(rec.Templates))
	for _, id := range rec.TemplateIDs() {
		templates = append(templates, id.String())
	}
	return userResponse{
		Key:        rec.Key.String(),
		Username:   rec.Username,
		UniqueID:   rec.UniqueID,
		Factors:    factors,
		Registered: rec.IsRegistered(),
		Templates:  templates,
		Metadata:   meta,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

func userKey(c *gin.Context) credential.UserKey {
	return credential.UserKey(c.Param("key"))
}

func (a *api) listUsers(c *gin.Context) {
	records, err := a.Store.ListUsers(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	users := make([]userResponse, 0, len(records))
	for _, rec := range records {
		resp, err := toUserResponse(rec)
		if err != nil {
			a.respondError(c, err)
			return
		}
		users = append(users, resp)
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

type createUserRequest struct {
	Username string  `json:"username"`
	UniqueID *string `json:"unique_id"`
}

func (a *api) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UniqueID != nil && strings.TrimSpace(*req.UniqueID) == "" {
		req.UniqueID = nil
	}
	rec, err := a.Store.CreateUser(c.Request.Context(), req.Username, req.UniqueID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	resp, err := toUserResponse(rec)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *api) getUser(c *gin.Context) {
	rec, err := a.Store.User(c.Request.Context(), userKey(c))
	if err != nil {
		a.respondError(c, err)
		return
	}
	resp, err := toUserResponse(rec)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *api) getFactors(c *gin.Context) {
	factors, err := a.Store.RegisteredFactors(c.Request.Context(), userKey(c))
	if err != nil {
		a.respondError(c, err)
		return
	}
	names := make([]string, 0, 3)
	for _, f := range factors.Factors() {
		names = append(names, f.String())
	}
	c.JSON(http.StatusOK, gin.H{"factors": names, "mask": factors.Mask(), "registered": !factors.Empty()})
}

func (a *api) setMetadata(c *gin.Context) {
	var values map[string]string
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be a JSON object of strings"})
		return
	}
	blob, err := credential.EncodeMetadata(values)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if err := a.Store.SetMetadata(c.Request.Context(), userKey(c), blob); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type passcodeRequest struct {
	Passcode string `json:"passcode"`
}

func (a *api) bindPasscode(c *gin.Context) (string, bool) {
	if !a.AuthMethod.RequiresPasscode() {
		a.respondError(c, palmerr.Newf(palmerr.KindUnexpectedRequest, "passcode factor is disabled for auth method %s", a.AuthMethod))
		return "", false
	}
	var req passcodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Passcode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passcode is required"})
		return "", false
	}
	return req.Passcode, true
}

func (a *api) setPasscode(c *gin.Context) {
	passcode, ok := a.bindPasscode(c)
	if !ok {
		return
	}
	if err := a.Store.SetPasscode(c.Request.Context(), userKey(c), passcode); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) verifyPasscode(c *gin.Context) {
	passcode, ok := a.bindPasscode(c)
	if !ok {
		return
	}
	valid, err := a.Store.VerifyPasscode(c.Request.Context(), userKey(c), passcode)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (a *api) removeUser(c *gin.Context) {
	if err := a.Store.RemoveUser(c.Request.Context(), userKey(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) unregister(c *gin.Context) {
	if err := a.Store.Unregister(c.Request.Context(), userKey(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) removeAllData(c *gin.Context) {
	if err := a.Store.RemoveAllData(c.Request.Context()); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
