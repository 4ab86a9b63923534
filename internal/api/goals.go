package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lucidcoder/lucidcoder/internal/goal"
)

type planRequest struct {
	Prompt string `json:"prompt"`
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

type stateRequest struct {
	State   string `json:"state"`
	Message string `json:"message"`
}

func (s *Server) createGoal(c *fiber.Ctx) error {
	var req goal.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	g, err := s.deps.Goals.Create(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(g)
}

func (s *Server) listGoals(c *fiber.Ctx) error {
	list, err := s.deps.Goals.List(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*goal.Goal{}
	}
	return c.JSON(fiber.Map{"goals": list})
}

func (s *Server) planGoals(c *fiber.Ctx) error {
	var req planRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Goals.Plan(c.UserContext(), c.Params("id"), req.Prompt)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) getGoal(c *fiber.Ctx) error {
	g, err := s.deps.Goals.Get(c.UserContext(), c.Params("goalId"))
	if err != nil {
		return err
	}
	return c.JSON(g)
}

func (s *Server) deleteGoal(c *fiber.Ctx) error {
	if err := s.deps.Goals.Delete(c.UserContext(), c.Params("goalId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) advanceGoal(c *fiber.Ctx) error {
	g, err := s.deps.Goals.AdvancePhase(c.UserContext(), c.Params("goalId"))
	if err != nil {
		return err
	}
	return c.JSON(g)
}

func (s *Server) setGoalPhase(c *fiber.Ctx) error {
	var req phaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	g, err := s.deps.Goals.SetPhase(c.UserContext(), c.Params("goalId"), req.Phase)
	if err != nil {
		return err
	}
	return c.JSON(g)
}

func (s *Server) setGoalState(c *fiber.Ctx) error {
	var req stateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	g, err := s.deps.Goals.SetState(c.UserContext(), c.Params("goalId"), req.State, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(g)
}

// processGoal runs the automation pipeline. With ?async=true it returns 202
// at once and the outcome arrives as events.
func (s *Server) processGoal(c *fiber.Ctx) error {
	id := c.Params("goalId")
	if !c.QueryBool("async", false) {
		res, err := s.deps.Pipeline.ProcessGoal(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}

	g, err := s.deps.Goals.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	reqID := requestID(c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.deps.Pipeline.ProcessGoal(s.ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("goal_id", id).Str("request_id", reqID).Msg("async goal processing rejected")
			return
		}
		s.logger.Info().
			Str("goal_id", id).
			Str("request_id", reqID).
			Bool("success", res.Success).
			Msg("async goal processing finished")
	}()
	return c.Status(fiber.StatusAccepted).JSON(g)
}
