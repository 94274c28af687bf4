package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/model"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/app/service"
	"github.com/sifan077/NanoLink/internal/http/middleware"
	"go.uber.org/zap"
)

// MetadataScraper fetches title and favicon for a page, falling back to
// {title: url, icon: nil}.
type MetadataScraper interface {
	Scrape(ctx context.Context, url string) model.Metadata
}

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger      *zap.Logger
	LinkService service.LinkService
	Scraper     MetadataScraper
}

// APIHandler implements the management API endpoints.
type APIHandler struct {
	logger      *zap.Logger
	linkService service.LinkService
	scraper     MetadataScraper
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:      logger,
		linkService: deps.LinkService,
		scraper:     deps.Scraper,
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	api := router.Group("/api")
	{
		api.Post("/scrape", h.Scrape)

		links := api.Group("/links", middleware.RequireOwner())
		{
			links.Post("/", h.CreateLink)
			links.Get("/", h.ListLinks)
			links.Get("/:id", h.GetLink)
			links.Patch("/:id", h.UpdateLink)
			links.Delete("/:id", h.DeleteLink)
		}
	}
}

// CreateLinkRequest represents the request body for creating a link.
type CreateLinkRequest struct {
	URL  string `json:"url"`
	Code string `json:"code,omitempty"`
}

// UpdateLinkRequest represents the request body for updating a link. Absent
// fields are left unchanged.
type UpdateLinkRequest struct {
	URL       *string `json:"url,omitempty"`
	MetaTitle *string `json:"meta_title,omitempty"`
	Favicon   *string `json:"favicon,omitempty"`
}

// ScrapeRequest represents the request body for a metadata preview.
type ScrapeRequest struct {
	URL string `json:"url"`
}

// ListLinksResponse wraps one page of an owner's links.
type ListLinksResponse struct {
	Links  []model.Link `json:"links"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Count  int          `json:"count"`
}

// CreateLink handles POST /api/links
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	var req CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	link, err := h.linkService.CreateLink(c.UserContext(), service.CreateLinkInput{
		Owner: middleware.Owner(c),
		URL:   req.URL,
		Code:  req.Code,
	})
	if err != nil {
		return respondError(c, h.logger, "failed to create link", err)
	}

	c.Location("/api/links/" + link.ID)
	return c.Status(fiber.StatusCreated).JSON(link)
}

// ListLinks handles GET /api/links
func (h *APIHandler) ListLinks(c *fiber.Ctx) error {
	filter := repository.ListFilter{
		Search: c.Query("search"),
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
	}

	links, err := h.linkService.ListLinks(c.UserContext(), middleware.Owner(c), filter)
	if err != nil {
		return respondError(c, h.logger, "failed to list links", err)
	}
	if links == nil {
		links = []model.Link{}
	}

	return c.JSON(ListLinksResponse{
		Links:  links,
		Limit:  filter.Limit,
		Offset: filter.Offset,
		Count:  len(links),
	})
}

// GetLink handles GET /api/links/:id
func (h *APIHandler) GetLink(c *fiber.Ctx) error {
	link, err := h.linkService.GetLink(c.UserContext(), middleware.Owner(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "failed to get link", err)
	}
	return c.JSON(link)
}

// UpdateLink handles PATCH /api/links/:id
func (h *APIHandler) UpdateLink(c *fiber.Ctx) error {
	var req UpdateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	link, err := h.linkService.UpdateLink(c.UserContext(), middleware.Owner(c), c.Params("id"), service.UpdateLinkInput{
		URL:       req.URL,
		MetaTitle: req.MetaTitle,
		Favicon:   req.Favicon,
	})
	if err != nil {
		return respondError(c, h.logger, "failed to update link", err)
	}
	return c.JSON(link)
}

// DeleteLink handles DELETE /api/links/:id
func (h *APIHandler) DeleteLink(c *fiber.Ctx) error {
	if _, err := h.linkService.DeleteLink(c.UserContext(), middleware.Owner(c), c.Params("id")); err != nil {
		return respondError(c, h.logger, "failed to delete link", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Scrape handles POST /api/scrape. Any scraping problem still yields 200 with
// the fallback metadata.
func (h *APIHandler) Scrape(c *fiber.Ctx) error {
	var req ScrapeRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	if err := service.ValidateURL(req.URL); err != nil {
		return respondError(c, h.logger, "invalid scrape url", err)
	}
	return c.JSON(h.scraper.Scrape(c.UserContext(), req.URL))
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "invalid request body",
	})
}
