package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type probe bool

func (p probe) Available() bool { return bool(p) }

func TestLivenessHandler(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", LivenessHandler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "ok")
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", DBCheck(pinger{}))
	c.Register("git", GitCheck(probe(true)))

	assert.True(t, c.IsReady(context.Background()))
	assert.Equal(t, StatusOK, c.Last()["db"])
}

func TestChecker_DBDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", DBCheck(pinger{err: errors.New("closed")}))
	c.Register("git", GitCheck(probe(true)))

	report := c.Report(context.Background())
	assert.Equal(t, "not_ready", report.Status)
	assert.Equal(t, StatusDown, report.Checks["db"])
}

func TestChecker_GitMissingIsDegraded(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("git", GitCheck(probe(false)))

	report := c.Report(context.Background())
	assert.Equal(t, "ready", report.Status)
	assert.Equal(t, StatusDegraded, report.Checks["git"])
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", DBCheck(pinger{}))
	app := fiber.New()
	app.Get("/readyz", c.ReadinessHandler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/readyz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c.Register("db", DBCheck(pinger{err: errors.New("down")}))
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/readyz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "not_ready")
}
