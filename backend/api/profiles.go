package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"shunt/backend/domain"
	"shunt/backend/repository"
)

type profileRequest struct {
	GUID               string                   `json:"guid,omitempty"`
	ProtocolType       string                   `json:"protocolType" binding:"required"`
	ServerAddress      string                   `json:"serverAddress,omitempty"`
	ServerPort         int                      `json:"serverPort,omitempty" binding:"gte=0,lte=65535"`
	DisplayName        string                   `json:"displayName,omitempty"`
	SubscriptionID     string                   `json:"subscriptionId,omitempty"`
	Security           *domain.ProfileSecurity  `json:"security,omitempty"`
	Transport          *domain.ProfileTransport `json:"transport,omitempty"`
	TLS                *domain.ProfileTLS       `json:"tls,omitempty"`
	WireGuard          *domain.ProfileWireGuard `json:"wireguard,omitempty"`
	Hysteria2          *domain.ProfileHysteria2 `json:"hysteria2,omitempty"`
	CustomConfig       json.RawMessage          `json:"customConfig,omitempty"`
	PolicyGroupMembers []string                 `json:"policyGroupMembers,omitempty"`
}

func buildProfileFromRequest(req profileRequest) (domain.ServerProfile, error) {
	protocol := domain.ParseProtocolType(req.ProtocolType)
	if !protocol.Known() {
		return domain.ServerProfile{}, fmt.Errorf("%w: unknown protocol %q", repository.ErrInvalidData, req.ProtocolType)
	}
	profile := domain.ServerProfile{
		GUID:               strings.TrimSpace(req.GUID),
		ProtocolType:       protocol,
		ServerAddress:      strings.TrimSpace(req.ServerAddress),
		ServerPort:         req.ServerPort,
		DisplayName:        strings.TrimSpace(req.DisplayName),
		SubscriptionID:     req.SubscriptionID,
		Security:           req.Security,
		Transport:          req.Transport,
		TLS:                req.TLS,
		WireGuard:          req.WireGuard,
		Hysteria2:          req.Hysteria2,
		CustomConfig:       req.CustomConfig,
		PolicyGroupMembers: req.PolicyGroupMembers,
	}
	switch protocol {
	case domain.ProtocolCustom:
		if len(profile.CustomConfig) == 0 || !json.Valid(profile.CustomConfig) {
			return domain.ServerProfile{}, fmt.Errorf("%w: custom profile requires a JSON customConfig", repository.ErrInvalidData)
		}
	case domain.ProtocolPolicyGroup:
		if len(profile.PolicyGroupMembers) == 0 {
			return domain.ServerProfile{}, fmt.Errorf("%w: policy group requires members", repository.ErrInvalidData)
		}
	default:
		if profile.ServerAddress == "" {
			return domain.ServerProfile{}, fmt.Errorf("%w: serverAddress is required", repository.ErrInvalidData)
		}
	}
	if profile.TLS != nil && profile.TLS.Enabled && profile.TLS.Type == "" {
		profile.TLS.Type = "tls"
	}
	return profile, nil
}

func (r *Router) listProfiles(c *gin.Context) {
	items, err := r.profiles.List(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": items})
}

func (r *Router) getProfile(c *gin.Context) {
	profile, err := r.profiles.Get(c.Request.Context(), c.Param("guid"))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (r *Router) createProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	profile, err := buildProfileFromRequest(req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	created, err := r.profiles.Create(c.Request.Context(), profile)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) updateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	profile, err := buildProfileFromRequest(req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	updated, err := r.profiles.Update(c.Request.Context(), c.Param("guid"), profile)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (r *Router) deleteProfile(c *gin.Context) {
	if err := r.profiles.Delete(c.Request.Context(), c.Param("guid")); err != nil {
		r.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) listCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": domain.Categories()})
}

func (r *Router) getSelection(c *gin.Context) {
	ctx := c.Request.Context()
	primary, err := r.selections.SelectedPrimary(ctx)
	if err != nil && !errors.Is(err, repository.ErrNoSelection) {
		r.handleError(c, err)
		return
	}
	categories, err := r.selections.CategorySelections(ctx)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"primary":    primary,
		"categories": categories,
	})
}

type selectionRequest struct {
	GUID string `json:"guid"`
}

func (r *Router) setPrimary(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	guid := strings.TrimSpace(req.GUID)
	if guid != "" {
		if _, err := r.profiles.Get(ctx, guid); err != nil {
			r.handleError(c, err)
			return
		}
	}
	if err := r.selections.SetSelectedPrimary(ctx, guid); err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"primary": guid})
}

func (r *Router) setCategory(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	tag := domain.CategoryTag(c.Param("tag"))
	guid := strings.TrimSpace(req.GUID)
	// "default" 与空值都表示跟随主节点，不要求对应的配置存在
	if guid != "" && guid != domain.SelectionDefault {
		if _, err := r.profiles.Get(ctx, guid); err != nil {
			r.handleError(c, err)
			return
		}
	}
	if err := r.selections.SetCategorySelection(ctx, tag, guid); err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"category": tag, "guid": guid})
}
