package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lucidcoder/lucidcoder/internal/branch"
)

// withOverview attaches the current overview to a failed branch mutation.
func (s *Server) withOverview(c *fiber.Ctx, err error) error {
	ov, ovErr := s.deps.Branches.Overview(c.UserContext(), c.Params("id"))
	if ovErr != nil {
		return err
	}
	return &overviewError{err: err, overview: ov}
}

func (s *Server) branchOverview(c *fiber.Ctx) error {
	ov, err := s.deps.Branches.Overview(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(ov)
}

func (s *Server) getBranch(c *fiber.Ctx) error {
	b, err := s.deps.Branches.Get(c.UserContext(), c.Params("id"), c.Params("name"))
	if err != nil {
		return err
	}
	return c.JSON(b)
}

func (s *Server) createBranch(c *fiber.Ctx) error {
	var req branch.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Branches.CreateBranch(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) stageFile(c *fiber.Ctx) error {
	var req branch.StageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Branches.StageFile(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) clearStaged(c *fiber.Ctx) error {
	res, err := s.deps.Branches.ClearStagedFile(c.UserContext(), c.Params("id"), c.Params("name"), c.Query("filePath"))
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) checkout(c *fiber.Ctx) error {
	res, err := s.deps.Branches.Checkout(c.UserContext(), c.Params("id"), c.Params("name"))
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) runTests(c *fiber.Ctx) error {
	var req branch.TestRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.BranchName = c.Params("name")
	res, err := s.deps.Branches.RunTests(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) listTestRuns(c *fiber.Ctx) error {
	runs, err := s.deps.Branches.TestRuns(c.UserContext(), c.Params("id"), c.Params("name"), c.QueryInt("limit", 20))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []branch.TestRun{}
	}
	return c.JSON(fiber.Map{"testRuns": runs})
}

func (s *Server) commit(c *fiber.Ctx) error {
	var req branch.CommitRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.BranchName = c.Params("name")
	res, err := s.deps.Branches.Commit(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) listCommits(c *fiber.Ctx) error {
	commits, err := s.deps.Branches.Commits(c.UserContext(), c.Params("id"), c.Params("name"))
	if err != nil {
		return err
	}
	if commits == nil {
		commits = []branch.Commit{}
	}
	return c.JSON(fiber.Map{"commits": commits})
}

func (s *Server) merge(c *fiber.Ctx) error {
	res, err := s.deps.Branches.Merge(c.UserContext(), c.Params("id"), c.Params("name"))
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) deleteBranch(c *fiber.Ctx) error {
	res, err := s.deps.Branches.DeleteBranch(c.UserContext(), c.Params("id"), c.Params("name"), confirmed(c))
	if err != nil {
		return s.withOverview(c, err)
	}
	return c.JSON(res)
}

func (s *Server) cssOnly(c *fiber.Ctx) error {
	res, err := s.deps.Branches.IsCSSOnly(c.UserContext(), c.Params("id"), c.Query("branch"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}
