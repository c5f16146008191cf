package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/store"
	"github.com/alimasry/go-doc-sync/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handler struct {
	hub *Hub
	log logrus.FieldLogger
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	h := &handler{hub: hub, log: hub.log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(hub.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", h.serveWS)

	docs := r.Group("/docs")
	docs.GET("", h.listDocs)
	docs.PUT("/:id", h.createDoc)
	docs.GET("/:id", h.getDoc)
	docs.GET("/:id/updates", h.getUpdates)
	docs.POST("/:id/diffs", h.postDiff)

	return r
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

func (h *handler) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := newClient(h.hub, conn)
	go client.WritePump()
	go client.ReadPump()
}

func (h *handler) listDocs(c *gin.Context) {
	infos, err := h.hub.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	docs := make([]gin.H, 0, len(infos))
	for _, info := range infos {
		docs = append(docs, gin.H{
			"id":        info.ID,
			"version":   info.Version,
			"createdAt": info.CreatedAt,
			"updatedAt": info.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *handler) createDoc(c *gin.Context) {
	id := c.Param("id")
	if err := h.hub.Create(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "version": 0})
}

func (h *handler) getDoc(c *gin.Context) {
	s, err := h.hub.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	snap, err := s.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      snap.DocID,
		"content": snap.Content,
		"version": snap.Version,
		"clients": snap.Clients,
	})
}

func (h *handler) getUpdates(c *gin.Context) {
	from, err := strconv.ParseInt(c.Query("from"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a version number"})
		return
	}
	s, err := h.hub.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	u, err := s.Updates(c.Request.Context(), doc.Version(from))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !u.Hit {
		c.JSON(http.StatusGone, gin.H{
			"error":        "history no longer covers this version, fetch the document",
			"version":      u.Version,
			"oldestCached": u.Oldest,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      c.Param("id"),
		"version": u.Version,
		"diffs":   wire.FromDiffs(u.Diffs),
	})
}

func (h *handler) postDiff(c *gin.Context) {
	var w wire.Diff
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed diff: " + err.Error()})
		return
	}
	d, err := w.ToDiff()
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.hub.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	version, err := s.Submit(c.Request.Context(), d)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "version": version})
}

// fail maps err onto a status code and writes it as a JSON error.
func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, doc.ErrOutOfRange):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, wire.ErrUnknownType):
		status = http.StatusBadRequest
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrHubClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
