package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/story"
)

func (s *Server) createStory(c *fiber.Ctx) error {
	var req story.CreateInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	st, err := s.stories.Create(req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(201).JSON(st)
}

func (s *Server) listStories(c *fiber.Ctx) error {
	all, err := s.stories.List()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"stories": all, "total": len(all)})
}

func (s *Server) getStory(c *fiber.Ctx) error {
	st, err := s.stories.Get(c.Params("sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}

func (s *Server) updateStory(c *fiber.Ctx) error {
	var req story.UpdateInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	st, err := s.stories.Update(c.Params("sid"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}

func (s *Server) deleteStory(c *fiber.Ctx) error {
	if err := s.stories.Delete(c.Params("sid")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": true})
}

func (s *Server) getBlockConfig(c *fiber.Ctx) error {
	cfg, err := s.stories.BlockConfig(c.Params("sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(cfg)
}

func (s *Server) putBlockConfig(c *fiber.Ctx) error {
	var cfg block.Config
	if err := c.BodyParser(&cfg); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.stories.SaveBlockConfig(c.Params("sid"), &cfg); err != nil {
		return respondError(c, err)
	}
	return c.JSON(&cfg)
}

func (s *Server) librarianStatus(c *fiber.Ctx) error {
	if _, err := s.stories.Get(c.Params("sid")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(s.sched.Status(c.Params("sid")))
}
