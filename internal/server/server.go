// Package server exposes the authority over HTTP. Handlers stay thin:
// decode, call the authority, map error kinds to status codes. Auth and
// identity are upstream concerns; the publisher is taken from a header.
package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/converge-vcs/converge/internal/authority"
	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

const userHeader = "X-Converge-User"

// Server wires the authority into a gin engine.
type Server struct {
	auth *authority.Authority
	log  zerolog.Logger
}

// New builds the HTTP surface.
func New(auth *authority.Authority, log zerolog.Logger) *Server {
	return &Server{auth: auth, log: log}
}

// Router returns the configured engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/repos", s.createRepo)
	r.GET("/repos", s.listRepos)

	repo := r.Group("/repos/:repo")
	{
		repo.POST("/scopes", s.addScope)
		repo.GET("/gate-graph", s.getGateGraph)
		repo.PUT("/gate-graph", s.putGateGraph)

		repo.POST("/objects/:kind/missing", s.missingObjects)
		repo.PUT("/objects/:kind/:id", s.putObject)
		repo.GET("/objects/:kind/:id", s.getObject)
		repo.HEAD("/objects/:kind/:id", s.hasObject)

		repo.POST("/publications", s.publish)
		repo.GET("/publications", s.listPublications)

		repo.POST("/bundles", s.createBundle)
		repo.GET("/bundles", s.listBundles)
		repo.GET("/bundles/:id", s.getBundle)
		repo.POST("/bundles/:id/approve", s.approve)
		repo.POST("/bundles/:id/promote", s.promote)
		repo.POST("/bundles/:id/release", s.release)
		repo.POST("/bundles/:id/pin", s.pin)
		repo.DELETE("/bundles/:id/pin", s.unpin)

		repo.GET("/releases", s.listReleases)
		repo.GET("/promotions", s.listPromotions)
		repo.POST("/lanes/:lane/heads", s.setLaneHead)
		repo.POST("/gc", s.gc)
	}
	return r
}

func statusFor(err error) int {
	switch converr.KindOf(err) {
	case converr.KindRepoUnknown, converr.KindGateUnknown, converr.KindScopeUnknown,
		converr.KindBundleUnknown, converr.KindPublicationUnknown,
		converr.KindSnapUnknown, converr.KindMissingObject:
		return http.StatusNotFound
	case converr.KindIntegrityMismatch, converr.KindInvalidID,
		converr.KindGateGraphInvalid, converr.KindResolutionInvalid,
		converr.KindManifestCycle:
		return http.StatusBadRequest
	case converr.KindNotPromotable, converr.KindConcurrentModification:
		return http.StatusConflict
	case converr.KindUnauthorized:
		return http.StatusUnauthorized
	case converr.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(converr.KindOf(err))})
}

func (s *Server) createRepo(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	repo, err := s.auth.CreateRepo(req.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s *Server) listRepos(c *gin.Context) {
	ids, err := s.auth.ListRepos()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": ids})
}

func (s *Server) addScope(c *gin.Context) {
	var req struct {
		Scope string `json:"scope"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auth.AddScope(c.Param("repo"), req.Scope); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getGateGraph(c *gin.Context) {
	g, err := s.auth.GateGraph(c.Param("repo"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) putGateGraph(c *gin.Context) {
	doc, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, issues, err := s.auth.PutGateGraph(c.Param("repo"), doc)
	if err != nil {
		if len(issues) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gate graph", "issues": issues})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) repoStore(c *gin.Context) (*store.Store, store.Kind, bool) {
	if _, err := s.auth.GetRepo(c.Param("repo")); err != nil {
		s.fail(c, err)
		return nil, "", false
	}
	kind, err := store.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", false
	}
	st, err := s.auth.Store(c.Param("repo"))
	if err != nil {
		s.fail(c, err)
		return nil, "", false
	}
	return st, kind, true
}

func (s *Server) missingObjects(c *gin.Context) {
	st, kind, ok := s.repoStore(c)
	if !ok {
		return
	}
	var req struct {
		IDs []object.ID `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	missing := st.Missing(kind, req.IDs)
	if missing == nil {
		missing = []object.ID{}
	}
	c.JSON(http.StatusOK, gin.H{"missing": missing})
}

func (s *Server) putObject(c *gin.Context) {
	st, kind, ok := s.repoStore(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := st.PutObjectBytes(kind, object.ID(c.Param("id")), data); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) hasObject(c *gin.Context) {
	st, kind, ok := s.repoStore(c)
	if !ok {
		return
	}
	if st.Has(kind, object.ID(c.Param("id"))) {
		c.Status(http.StatusNoContent)
		return
	}
	c.Status(http.StatusNotFound)
}

func (s *Server) getObject(c *gin.Context) {
	st, kind, ok := s.repoStore(c)
	if !ok {
		return
	}
	data, err := st.GetObjectBytes(kind, object.ID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) publish(c *gin.Context) {
	var req struct {
		SnapID     string                          `json:"snap_id"`
		Scope      string                          `json:"scope"`
		Gate       string                          `json:"gate"`
		Lane       string                          `json:"lane"`
		Notes      string                          `json:"notes"`
		Resolution *authority.ResolutionProvenance `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pub, err := s.auth.Publish(c.Param("repo"), authority.PublishRequest{
		SnapID:      req.SnapID,
		ScopeID:     req.Scope,
		GateID:      req.Gate,
		LaneID:      req.Lane,
		PublisherID: c.GetHeader(userHeader),
		Notes:       req.Notes,
		Resolution:  req.Resolution,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, pub)
}

func (s *Server) listPublications(c *gin.Context) {
	pubs, err := s.auth.ListPublications(c.Param("repo"), c.Query("scope"), c.Query("gate"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pubs)
}

func (s *Server) createBundle(c *gin.Context) {
	var req struct {
		Scope  string   `json:"scope"`
		Gate   string   `json:"gate"`
		Inputs []string `json:"inputs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bundle, err := s.auth.CreateBundle(c.Param("repo"), authority.BundleRequest{
		ScopeID:   req.Scope,
		GateID:    req.Gate,
		Inputs:    req.Inputs,
		CreatedBy: c.GetHeader(userHeader),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, bundle)
}

func (s *Server) listBundles(c *gin.Context) {
	bundles, err := s.auth.ListBundles(c.Param("repo"), c.Query("scope"), c.Query("gate"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bundles)
}

func (s *Server) getBundle(c *gin.Context) {
	bundle, err := s.auth.GetBundle(c.Param("repo"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) approve(c *gin.Context) {
	bundle, err := s.auth.Approve(c.Param("repo"), c.Param("id"), c.GetHeader(userHeader))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) promote(c *gin.Context) {
	var req struct {
		ToGate string `json:"to_gate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	promotion, err := s.auth.Promote(c.Param("repo"), c.Param("id"), req.ToGate, c.GetHeader(userHeader))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, promotion)
}

func (s *Server) release(c *gin.Context) {
	var req struct {
		Channel string `json:"channel"`
		Notes   string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	release, err := s.auth.Release(c.Param("repo"), c.Param("id"), req.Channel,
		c.GetHeader(userHeader), req.Notes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, release)
}

func (s *Server) pin(c *gin.Context) {
	if err := s.auth.Pin(c.Param("repo"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unpin(c *gin.Context) {
	if err := s.auth.Unpin(c.Param("repo"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listReleases(c *gin.Context) {
	releases, err := s.auth.ListReleases(c.Param("repo"), c.Query("channel"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, releases)
}

func (s *Server) listPromotions(c *gin.Context) {
	promotions, err := s.auth.ListPromotions(c.Param("repo"), c.Query("scope"), c.Query("to_gate"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, promotions)
}

func (s *Server) setLaneHead(c *gin.Context) {
	var req struct {
		SnapID   string `json:"snap_id"`
		ClientID string `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.auth.SetLaneHead(c.Param("repo"), c.Param("lane"),
		c.GetHeader(userHeader), req.SnapID, req.ClientID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) gc(c *gin.Context) {
	var req struct {
		DryRun                bool `json:"dry_run"`
		PruneReleasesKeepLast *int `json:"prune_releases_keep_last"`
		PruneMetadata         bool `json:"prune_metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.auth.GC(c.Request.Context(), c.Param("repo"), authority.GCOptions{
		DryRun:                req.DryRun,
		PruneReleasesKeepLast: req.PruneReleasesKeepLast,
		PruneMetadata:         req.PruneMetadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
