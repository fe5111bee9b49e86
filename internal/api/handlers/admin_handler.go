package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/internal/cache"
	"github.com/cliniquery/backend/internal/catalog"
	"github.com/cliniquery/backend/pkg/logger"
)

type AdminHandler struct {
	cache   *cache.Cache
	catalog *catalog.Catalog
}

func NewAdminHandler(c *cache.Cache, cat *catalog.Catalog) *AdminHandler {
	return &AdminHandler{cache: c, catalog: cat}
}

// HandleInvalidateCache force-drops every cache entry under a schema
// version. Defaults to the current version when none is given.
func (h *AdminHandler) HandleInvalidateCache(c *fiber.Ctx) error {
	var req struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	version := req.SchemaVersion
	if version == "" {
		snap := h.catalog.Current()
		if snap == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Schema catalog not loaded",
			})
		}
		version = snap.Version
	}

	deleted, err := h.cache.InvalidateVersion(c.Context(), version)
	if err != nil {
		logger.Error("Cache invalidation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Cache invalidation failed",
		})
	}

	return c.JSON(fiber.Map{
		"schema_version": version,
		"deleted":        deleted,
	})
}

// HandleRefreshSchema triggers an immediate catalog refresh outside the
// scheduled interval.
func (h *AdminHandler) HandleRefreshSchema(c *fiber.Ctx) error {
	if err := h.catalog.Refresh(c.Context()); err != nil {
		logger.Error("Schema refresh failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Schema refresh failed",
		})
	}

	snap := h.catalog.Current()
	return c.JSON(fiber.Map{
		"schema_version": snap.Version,
		"tables":         snap.TableNames(),
	})
}
