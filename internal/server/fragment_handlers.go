package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/fragment"
)

// fragmentPatch accepts both metadata and versioned fields in one PATCH.
type fragmentPatch struct {
	fragment.UpdateInput
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Content     *string `json:"content"`
	IfVersion   *int    `json:"ifVersion"`
}

func (s *Server) requireStory(c *fiber.Ctx) error {
	_, err := s.stories.Get(c.Params("sid"))
	return err
}

func (s *Server) listFragments(c *fiber.Ctx) error {
	if err := s.requireStory(c); err != nil {
		return respondError(c, err)
	}
	sums, err := s.fragments.ListSummaries(c.Params("sid"), c.Query("type"), c.QueryBool("includeArchived"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"fragments": sums, "total": len(sums)})
}

func (s *Server) createFragment(c *fiber.Ctx) error {
	if err := s.requireStory(c); err != nil {
		return respondError(c, err)
	}
	var req fragment.CreateInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	f, err := s.fragments.Create(c.Params("sid"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(201).JSON(f)
}

func (s *Server) getFragment(c *fiber.Ctx) error {
	f, err := s.fragments.Get(c.Params("sid"), c.Params("fid"))
	if err != nil {
		return respondError(c, err)
	}
	if f == nil {
		return respondError(c, errors.NotFound("fragment", c.Params("fid")))
	}
	return c.JSON(f)
}

func (s *Server) updateFragment(c *fiber.Ctx) error {
	var req fragmentPatch
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	sid, fid := c.Params("sid"), c.Params("fid")

	f, err := s.fragments.Get(sid, fid)
	if err != nil {
		return respondError(c, err)
	}
	if f == nil {
		return respondError(c, errors.NotFound("fragment", fid))
	}

	if req.Sticky != nil || req.Placement != nil || req.Order != nil || req.Tags != nil || req.Meta != nil {
		if f, err = s.fragments.Update(sid, fid, req.UpdateInput); err != nil {
			return respondError(c, err)
		}
	}
	if req.Name != nil || req.Description != nil || req.Content != nil {
		f, err = s.fragments.UpdateVersioned(sid, fid, fragment.VersionedInput{
			Name:        req.Name,
			Description: req.Description,
			Content:     req.Content,
			IfVersion:   req.IfVersion,
		})
		if err != nil {
			return respondError(c, err)
		}
	}
	return c.JSON(f)
}

func (s *Server) deleteFragment(c *fiber.Ctx) error {
	if err := s.fragments.Delete(c.Params("sid"), c.Params("fid")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": true})
}

func (s *Server) archiveFragment(c *fiber.Ctx) error {
	f, err := s.fragments.Archive(c.Params("sid"), c.Params("fid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(f)
}

func (s *Server) restoreFragment(c *fiber.Ctx) error {
	f, err := s.fragments.Restore(c.Params("sid"), c.Params("fid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(f)
}

func (s *Server) revertFragment(c *fiber.Ctx) error {
	var req struct {
		Version *int `json:"version"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
	}
	f, err := s.fragments.RevertToVersion(c.Params("sid"), c.Params("fid"), req.Version)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(f)
}

func (s *Server) listVersions(c *fiber.Ctx) error {
	versions, err := s.fragments.ListVersions(c.Params("sid"), c.Params("fid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"versions": versions})
}

func (s *Server) getTags(c *fiber.Ctx) error {
	f, err := s.fragments.Get(c.Params("sid"), c.Params("fid"))
	if err != nil {
		return respondError(c, err)
	}
	if f == nil {
		return respondError(c, errors.NotFound("fragment", c.Params("fid")))
	}
	return c.JSON(fiber.Map{"tags": f.Tags})
}

func (s *Server) putTags(c *fiber.Ctx) error {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	f, err := s.fragments.SetTags(c.Params("sid"), c.Params("fid"), req.Tags)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"tags": f.Tags})
}
