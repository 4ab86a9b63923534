package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lucidcoder/lucidcoder/internal/project"
)

func (s *Server) healthDetail(c *fiber.Ctx) error {
	if s.deps.Health == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	report := s.deps.Health.Report(c.UserContext())
	if report.Status != "ready" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

func (s *Server) createProject(c *fiber.Ctx) error {
	var input project.CreateProjectInput
	if err := bind(c, &input); err != nil {
		return err
	}
	p, err := s.deps.Projects.Create(c.UserContext(), input)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) listProjects(c *fiber.Ctx) error {
	list, err := s.deps.Projects.List(c.UserContext())
	if err != nil {
		return err
	}
	if list == nil {
		list = []*project.Project{}
	}
	return c.JSON(fiber.Map{"projects": list})
}

func (s *Server) getProject(c *fiber.Ctx) error {
	p, err := s.deps.Projects.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *Server) updateProject(c *fiber.Ctx) error {
	var input project.UpdateProjectInput
	if err := bind(c, &input); err != nil {
		return err
	}
	p, err := s.deps.Projects.Update(c.UserContext(), c.Params("id"), input)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *Server) deleteProject(c *fiber.Ctx) error {
	if err := s.deps.Projects.Delete(c.UserContext(), c.Params("id"), confirmed(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
