package rest

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/batch"
	"github.com/totegamma/profilesync/internal/infra/signing"
	"github.com/totegamma/profilesync/internal/present/rest/middleware"
	"github.com/totegamma/profilesync/internal/present/rest/presenter"
	"github.com/totegamma/profilesync/internal/usecase"
)

// ProgressSource streams saga progress of one identity.
type ProgressSource interface {
	Subscribe(ctx context.Context, identityID string) (<-chan domain.Event, error)
}

type Handler struct {
	identity *usecase.IdentityUsecase
	sync     *usecase.SyncUsecase
	images   *usecase.ImageResolver
	blobs    usecase.BlobStore
	packer   usecase.ImagePacker
	broker   *signing.Broker
	progress ProgressSource
	logger   *zap.Logger
}

// NewHandler builds the REST surface. broker may be nil when transitions
// are signed with a configured key.
func NewHandler(
	identity *usecase.IdentityUsecase,
	sync *usecase.SyncUsecase,
	images *usecase.ImageResolver,
	blobs usecase.BlobStore,
	packer usecase.ImagePacker,
	broker *signing.Broker,
	progress ProgressSource,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		identity: identity,
		sync:     sync,
		images:   images,
		blobs:    blobs,
		packer:   packer,
		broker:   broker,
		progress: progress,
		logger:   logger.With(zap.String("service", "rest")),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo, auth *middleware.AuthMiddleware) {
	e.GET("/blobs/:cid", h.handleBlob)
	e.GET("/blobs/:cid/patches/:patch", h.handlePatch)

	api := e.Group("/api/v1", auth.IdentifyIdentity)
	api.GET("/images", h.handleImage)
	api.POST("/identities", h.handleCreate, middleware.RequireAuth)
	api.GET("/identities/:id", h.handleGet)
	api.GET("/identities/:id/diff", h.handleDiff)
	api.GET("/identities/:id/history", h.handleHistory)
	api.GET("/identities/:id/progress", h.handleProgress)
	api.POST("/identities/:id/publish", h.handlePublish, middleware.RequireAuth)
	api.POST("/identities/:id/pull", h.handlePull, middleware.RequireAuth)
	api.POST("/identities/:id/unbind", h.handleUnbind, middleware.RequireAuth)
	api.GET("/identities/:id/signature", h.handlePendingSignature, middleware.RequireAuth)
	api.POST("/identities/:id/signature", h.handleSignature, middleware.RequireAuth)
}

func (h *Handler) handleCreate(c echo.Context) error {
	ctx := c.Request().Context()

	var input usecase.CreateInput
	err := c.Bind(&input)
	if err != nil {
		return presenter.BadRequest(c, err)
	}

	record, err := h.identity.Create(ctx, input, middleware.Requester(ctx))
	if err != nil {
		return presenter.Error(c, err)
	}
	return c.JSON(http.StatusCreated, record)
}

func (h *Handler) handleGet(c echo.Context) error {
	record, err := h.identity.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, record)
}

func (h *Handler) handlePublish(c echo.Context) error {
	ctx := c.Request().Context()

	var edits domain.IdentityEdits
	if c.Request().ContentLength != 0 {
		err := c.Bind(&edits)
		if err != nil {
			return presenter.BadRequest(c, err)
		}
	}

	result, err := h.sync.Publish(ctx, usecase.PublishInput{
		IdentityID: c.Param("id"),
		Requester:  middleware.Requester(ctx),
		Edits:      &edits,
	})
	return presenter.Saga(c, result, err)
}

func (h *Handler) handlePull(c echo.Context) error {
	ctx := c.Request().Context()
	result, err := h.sync.Pull(ctx, usecase.PullInput{
		IdentityID: c.Param("id"),
		Requester:  middleware.Requester(ctx),
	})
	return presenter.Saga(c, result, err)
}

func (h *Handler) handleDiff(c echo.Context) error {
	differs, err := h.sync.Diff(c.Request().Context(), c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"hasDifferences": differs})
}

func (h *Handler) handleUnbind(c echo.Context) error {
	ctx := c.Request().Context()
	err := h.sync.Unbind(ctx, c.Param("id"), middleware.Requester(ctx))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleHistory(c echo.Context) error {
	history, err := h.identity.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, history)
}

type signatureRequest struct {
	Signature string `json:"signature"`
	Rejected  bool   `json:"rejected"`
	Reason    string `json:"reason"`
}

func (h *Handler) handlePendingSignature(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if h.broker == nil {
		return presenter.NotFound(c, "no wallet signer configured")
	}
	if err := h.identity.Owns(ctx, id, middleware.Requester(ctx)); err != nil {
		return presenter.Error(c, err)
	}
	utx, ok := h.broker.Pending(id)
	if !ok {
		return presenter.NotFound(c, "no pending sign request")
	}
	return presenter.OK(c, signing.SignRequest{
		Kind:        utx.Kind,
		From:        utx.From.Hex(),
		CID:         utx.CID.String(),
		SigningHash: utx.SigningHash.Hex(),
		ChainID:     utx.ChainID.String(),
	})
}

func (h *Handler) handleSignature(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if h.broker == nil {
		return presenter.NotFound(c, "no wallet signer configured")
	}
	if err := h.identity.Owns(ctx, id, middleware.Requester(ctx)); err != nil {
		return presenter.Error(c, err)
	}

	var req signatureRequest
	err := c.Bind(&req)
	if err != nil {
		return presenter.BadRequest(c, err)
	}

	if req.Rejected {
		err = h.broker.Reject(id, req.Reason)
	} else {
		signature, decodeErr := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
		if decodeErr != nil {
			return presenter.BadRequestMessage(c, "invalid signature encoding")
		}
		err = h.broker.Resolve(id, signature)
	}
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleBlob(c echo.Context) error {
	id, err := cid.Parse(c.Param("cid"))
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid cid")
	}
	data, err := h.blobs.Get(c.Request().Context(), id)
	if err != nil {
		return presenter.Error(c, err)
	}
	return immutable(c, data)
}

func (h *Handler) handlePatch(c echo.Context) error {
	batchID, err := cid.Parse(c.Param("cid"))
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid batch id")
	}
	data, err := h.packer.FetchPatch(c.Request().Context(), batchID, batch.PatchID(c.Param("patch")))
	if err != nil {
		return presenter.Error(c, err)
	}
	return immutable(c, data)
}

// immutable serves content-addressed bytes, which never change.
func immutable(c echo.Context, data []byte) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	return c.Blob(http.StatusOK, http.DetectContentType(data), data)
}

func (h *Handler) handleImage(c echo.Context) error {
	ref := profilesync.ImageRef{
		CID:           c.QueryParam("cid"),
		BatchID:       c.QueryParam("batchId"),
		PatchID:       c.QueryParam("patchId"),
		LocalFilename: c.QueryParam("localFilename"),
	}
	img := h.images.Fetch(c.Request().Context(), ref)
	if img.Placeholder {
		return c.Redirect(http.StatusFound, img.URL)
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	return c.Blob(http.StatusOK, contentType, img.Data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Handler) handleProgress(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	events, err := h.progress.Subscribe(ctx, c.Param("id"))
	if err != nil {
		h.logger.Error("failed to subscribe progress", zap.Error(err))
		return nil
	}

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		for {
			// clients only send heartbeats
			_, _, err := ws.ReadMessage()
			if err != nil {
				wsErr, ok := err.(*websocket.CloseError)
				if !ok || !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
					h.logger.Debug("websocket closed", zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			err := ws.WriteJSON(event)
			if err != nil {
				h.logger.Error("error writing progress", zap.Error(err))
				return nil
			}
		}
	}
}
