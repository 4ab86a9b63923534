package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/lucidcoder/lucidcoder/internal/events"
)

const heartbeatInterval = 15 * time.Second

// streamEvents serves a project's change notifications as text/event-stream.
func (s *Server) streamEvents(c *fiber.Ctx) error {
	if s.deps.Events == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "event stream is not configured")
	}
	projectID := c.Params("id")
	if _, err := s.deps.Projects.Get(c.UserContext(), projectID); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, unsubscribe := s.deps.Events.Subscribe(projectID)
	done := s.ctx.Done()
	logger := s.logger.With().Str("project_id", projectID).Str("request_id", requestID(c)).Logger()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		logger.Debug().Msg("event stream opened")

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil || w.Flush() != nil {
			return
		}
		for {
			select {
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					logger.Debug().Err(err).Msg("event stream closed")
					return
				}
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil || w.Flush() != nil {
					logger.Debug().Msg("event stream closed")
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}
