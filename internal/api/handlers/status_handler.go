package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"marketplace-sync/internal/app"
	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

const defaultMutationLimit = 50

// EntryResponse is a cache slot as served over HTTP.
type EntryResponse struct {
	Key         string             `json:"key"`
	Status      domain.CacheStatus `json:"status"`
	Stale       bool               `json:"stale"`
	Deleted     bool               `json:"deleted,omitempty"`
	Version     uint64             `json:"version"`
	LastUpdated time.Time          `json:"last_updated"`
	Value       interface{}        `json:"value,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func newEntryResponse(entry domain.CachedEntity) EntryResponse {
	return EntryResponse{
		Key:         entry.Key.String(),
		Status:      entry.Status,
		Stale:       entry.Stale,
		Deleted:     entry.Tombstoned(),
		Version:     entry.Version,
		LastUpdated: entry.LastUpdated,
		Value:       entry.Value,
		Error:       entry.ErrMessage(),
	}
}

type TokenRequest struct {
	Token string `json:"token"`
}

type StatusHandler struct {
	engine  *app.Engine
	history domain.MutationHistory
	log     logger.Logger
}

func NewStatusHandler(engine *app.Engine, history domain.MutationHistory, log logger.Logger) *StatusHandler {
	return &StatusHandler{
		engine:  engine,
		history: history,
		log:     log,
	}
}

func (h *StatusHandler) GetConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, []domain.ConnectionState{
		h.engine.Connections.State(domain.ChannelPublic),
		h.engine.Connections.State(domain.ChannelAuthenticated),
	})
}

func (h *StatusHandler) ListCache(c echo.Context) error {
	entries := h.engine.Cache.Snapshot()
	out := make([]EntryResponse, 0, len(entries))
	for _, entry := range entries {
		r := newEntryResponse(entry)
		r.Value = nil
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *StatusHandler) GetCacheEntry(c echo.Context) error {
	raw, err := url.PathUnescape(c.Param("key"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid key"})
	}
	key, err := domain.ParseEntityKey(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	entry, ok := h.engine.Cache.Get(key)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Key is not cached"})
	}
	return c.JSON(http.StatusOK, newEntryResponse(entry))
}

func (h *StatusHandler) GetSession(c echo.Context) error {
	resp := map[string]interface{}{
		"state":   h.engine.Session.State(),
		"subject": h.engine.Tokens.Subject(),
	}
	if expiry, ok := h.engine.Tokens.Expiry(); ok {
		resp["expires_at"] = expiry.Format(time.RFC3339)
	}
	if recorder, ok := h.engine.Navigator.(*app.RedirectRecorder); ok {
		if target, at, count := recorder.Last(); count > 0 {
			resp["last_redirect"] = map[string]interface{}{
				"target": target,
				"at":     at.Format(time.RFC3339),
				"count":  count,
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *StatusHandler) SetToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Token required"})
	}
	if err := h.engine.Tokens.Set(req.Token); err != nil {
		return writeError(c, err)
	}
	h.log.Info("Token set through API", "subject", h.engine.Tokens.Subject())
	return h.GetSession(c)
}

func (h *StatusHandler) ClearToken(c echo.Context) error {
	h.engine.Tokens.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (h *StatusHandler) ListMutations(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Mutation journal is disabled"})
	}

	limit := defaultMutationLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		limit = n
	}

	records, err := h.history.Recent(c.Request().Context(), limit)
	if err != nil {
		h.log.Error("Failed to list mutations", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list mutations"})
	}
	return c.JSON(http.StatusOK, records)
}
