package handlers

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"marketplace-sync/internal/app"
	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

type AuctionHandler struct {
	engine *app.Engine
	log    logger.Logger

	mu    sync.Mutex
	views map[string]*app.AuctionView
}

type PlaceBidRequest struct {
	Amount float64 `json:"amount"`
}

type WishlistToggleResponse struct {
	AuctionID  string `json:"auction_id"`
	Wishlisted bool   `json:"wishlisted"`
}

type ViewResponse struct {
	AuctionID    string         `json:"auction_id"`
	Auction      *EntryResponse `json:"auction,omitempty"`
	Bids         *EntryResponse `json:"bids,omitempty"`
	Participants []string       `json:"participants"`
}

func NewAuctionHandler(engine *app.Engine, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		engine: engine,
		log:    log,
		views:  make(map[string]*app.AuctionView),
	}
}

func (h *AuctionHandler) GetAuction(c echo.Context) error {
	auctionID := c.Param("id")
	h.log.Debug("GetAuction endpoint called", "auction_id", auctionID)

	entry, err := h.engine.Reader.Read(c.Request().Context(), domain.SingletonKey(domain.EntityAuction, auctionID))
	if err != nil && entry.Value == nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, newEntryResponse(entry))
}

// OpenView joins the auction room and keeps the auction followed until
// CloseView.
func (h *AuctionHandler) OpenView(c echo.Context) error {
	auctionID := c.Param("id")
	h.log.Info("OpenView endpoint called", "auction_id", auctionID)

	h.mu.Lock()
	view, open := h.views[auctionID]
	h.mu.Unlock()

	if !open {
		var err error
		view, err = h.engine.OpenAuctionView(c.Request().Context(), auctionID)
		if err != nil {
			return writeError(c, err)
		}

		h.mu.Lock()
		if existing, raced := h.views[auctionID]; raced {
			h.mu.Unlock()
			view.Close()
			view = existing
		} else {
			h.views[auctionID] = view
			h.mu.Unlock()
		}
	}

	return c.JSON(http.StatusOK, viewResponse(view))
}

func (h *AuctionHandler) GetView(c echo.Context) error {
	auctionID := c.Param("id")

	h.mu.Lock()
	view, open := h.views[auctionID]
	h.mu.Unlock()
	if !open {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "View is not open"})
	}
	return c.JSON(http.StatusOK, viewResponse(view))
}

func (h *AuctionHandler) CloseView(c echo.Context) error {
	auctionID := c.Param("id")
	h.log.Info("CloseView endpoint called", "auction_id", auctionID)

	h.mu.Lock()
	view, open := h.views[auctionID]
	delete(h.views, auctionID)
	h.mu.Unlock()

	if open {
		view.Close()
	}
	return c.NoContent(http.StatusNoContent)
}

// CloseAll closes every view opened through the handler.
func (h *AuctionHandler) CloseAll() {
	h.mu.Lock()
	views := h.views
	h.views = make(map[string]*app.AuctionView)
	h.mu.Unlock()

	for _, view := range views {
		view.Close()
	}
}

func (h *AuctionHandler) GetParticipants(c echo.Context) error {
	auctionID := c.Param("id")
	participants := h.engine.Rooms.Participants(auctionID)
	if participants == nil {
		participants = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"auction_id":   auctionID,
		"participants": participants,
	})
}

func (h *AuctionHandler) PlaceBid(c echo.Context) error {
	auctionID := c.Param("id")

	var req PlaceBidRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	h.log.Info("PlaceBid endpoint called", "auction_id", auctionID, "amount", req.Amount)

	auction, err := h.engine.Bids.PlaceBid(c.Request().Context(), auctionID, req.Amount)
	if err != nil {
		h.log.Warn("Bid rejected", "auction_id", auctionID, "amount", req.Amount, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, auction)
}

func (h *AuctionHandler) BuyNow(c echo.Context) error {
	auctionID := c.Param("id")
	h.log.Info("BuyNow endpoint called", "auction_id", auctionID)

	auction, err := h.engine.Bids.AcceptBuyNow(c.Request().Context(), auctionID)
	if err != nil {
		h.log.Warn("Buy-now failed", "auction_id", auctionID, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, auction)
}

func (h *AuctionHandler) ToggleWishlist(c echo.Context) error {
	auctionID := c.Param("id")
	h.log.Info("ToggleWishlist endpoint called", "auction_id", auctionID)

	wanted, err := h.engine.Wishlist.Toggle(c.Request().Context(), auctionID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, WishlistToggleResponse{AuctionID: auctionID, Wishlisted: wanted})
}

func viewResponse(view *app.AuctionView) ViewResponse {
	resp := ViewResponse{AuctionID: view.AuctionID(), Participants: view.Participants()}
	if resp.Participants == nil {
		resp.Participants = []string{}
	}
	if entry, ok := view.Auction(); ok {
		r := newEntryResponse(entry)
		resp.Auction = &r
	}
	if entry, ok := view.Bids(); ok {
		r := newEntryResponse(entry)
		resp.Bids = &r
	}
	return resp
}
