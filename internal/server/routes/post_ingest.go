package routes

import (
	"net/http"

	"github.com/casetrace/backend/internal/queue"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"

	"github.com/labstack/echo/v4"
)

// IngestHandler stores a batch of records, or queues it when async is set.
func IngestHandler(c echo.Context) error {
	type ingestBody struct {
		Items []common.IngestItem `json:"items" validate:"required,min=1,max=10000"`
		Async bool                `json:"async"`
	}

	type ingestResponse struct {
		Message       string                `json:"message"`
		CorrelationID string                `json:"correlation_id,omitempty"`
		Results       []common.IngestResult `json:"results,omitempty"`
	}

	data := new(ingestBody)
	if err := c.Bind(data); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ac, user := appContext(c)

	if data.Async {
		if ac.App.Queue == nil {
			return badRequest(c, "Asynchronous ingestion is not enabled")
		}
		id, err := queue.PublishIngest(ac.App.Queue, user.Actor(), data.Items)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusAccepted, ingestResponse{
			Message:       "Batch queued",
			CorrelationID: id,
		})
	}

	ctx := audit.WithActor(c.Request().Context(), user.Actor())
	results, err := ac.App.Engine.Ingest(ctx, user.Actor(), data.Items)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ingestResponse{
		Message: "Batch processed",
		Results: results,
	})
}
