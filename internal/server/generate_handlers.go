package server

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/storyloom/storyloom/internal/pipeline"
)

const ndjsonContentType = "application/x-ndjson"

// generate streams NDJSON events for one generation request. Client
// disconnects cancel the run.
func (s *Server) generate(c *fiber.Ctx) error {
	var req struct {
		Input      string `json:"input"`
		SaveResult bool   `json:"saveResult"`
		Mode       string `json:"mode"`
		FragmentID string `json:"fragmentId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	adapter, err := s.pipeline.Start(ctx, pipeline.Request{
		StoryID:    c.Params("sid"),
		Input:      req.Input,
		SaveResult: req.SaveResult,
		Mode:       req.Mode,
		FragmentID: req.FragmentID,
	})
	if err != nil {
		cancel()
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, ndjsonContentType)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for line := range adapter.Lines() {
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

func (s *Server) listGenerationLogs(c *fiber.Ctx) error {
	if err := s.requireStory(c); err != nil {
		return respondError(c, err)
	}
	entries, err := s.logs.List(c.Params("sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"logs": entries, "total": len(entries)})
}

func (s *Server) getGenerationLog(c *fiber.Ctx) error {
	l, err := s.logs.Get(c.Params("sid"), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(l)
}

func (s *Server) suggestDirections(c *fiber.Ctx) error {
	var req struct {
		Count int `json:"count"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
	}
	out, err := s.pipeline.SuggestDirections(c.Context(), c.Params("sid"), req.Count)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(out)
}

// librarianStream replays the story's current analysis buffer and follows
// live events until the analysis completes or the client disconnects.
func (s *Server) librarianStream(c *fiber.Ctx) error {
	if err := s.requireStory(c); err != nil {
		return respondError(c, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := s.sched.Subscribe(ctx, c.Params("sid"))

	c.Set(fiber.HeaderContentType, ndjsonContentType)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			line, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}
