package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lucidcoder/lucidcoder/internal/jobs"
)

type startJobRequest struct {
	Type jobs.Type `json:"type"`
}

func (s *Server) startJob(c *fiber.Ctx) error {
	var body startJobRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := s.deps.Commands.Resolve(c.UserContext(), c.Params("id"), body.Type)
	if err != nil {
		return err
	}
	job, err := s.deps.Jobs.Start(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(job)
}

func (s *Server) listJobs(c *fiber.Ctx) error {
	if _, err := s.deps.Projects.Get(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	list, err := s.deps.Jobs.List(c.UserContext(), c.Params("id"), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	return c.JSON(fiber.Map{"jobs": list})
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.deps.Jobs.Get(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

func (s *Server) cancelJob(c *fiber.Ctx) error {
	job, err := s.deps.Jobs.Cancel(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}
