package routes

import (
	"net/http"

	"github.com/casetrace/backend/pkg/entity"

	"github.com/labstack/echo/v4"
)

func GetMergeCandidatesHandler(c echo.Context) error {
	type mergeCandidatesParams struct {
		Status string `query:"status" validate:"omitempty,oneof=pending confirmed rejected"`
	}

	params := new(mergeCandidatesParams)
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	status := entity.CandidatePending
	if params.Status != "" {
		status = entity.CandidateStatus(params.Status)
	}

	ac, _ := appContext(c)
	candidates := ac.App.Engine.Registry().Candidates(status)
	return c.JSON(http.StatusOK, map[string]any{"candidates": candidates})
}
