package routes

import (
	"net/http"
	"time"

	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/engine"

	"github.com/labstack/echo/v4"
)

// QueryHandler runs a hybrid query within the caller's scope.
func QueryHandler(c echo.Context) error {
	type queryBody struct {
		Text         string         `json:"text" validate:"max=4096"`
		Filters      engine.Filters `json:"filters"`
		TopK         int            `json:"top_k" validate:"min=0,max=500"`
		TimeoutMs    int            `json:"timeout_ms" validate:"min=0,max=60000"`
		IncludeGraph bool           `json:"include_graph"`
		IncludeRisk  bool           `json:"include_risk"`
	}

	data := new(queryBody)
	if err := c.Bind(data); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ac, user := appContext(c)
	ctx := audit.WithActor(c.Request().Context(), user.Actor())
	res, err := ac.App.Engine.Query(ctx, engine.Query{
		Text:         data.Text,
		Filters:      data.Filters,
		TopK:         data.TopK,
		Timeout:      time.Duration(data.TimeoutMs) * time.Millisecond,
		Scope:        user.Scope,
		IncludeGraph: data.IncludeGraph,
		IncludeRisk:  data.IncludeRisk,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
