package routes

import (
	"net/http"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/entity"

	"github.com/labstack/echo/v4"
)

func ConfirmMergeHandler(c echo.Context) error {
	return decideMerge(c, true)
}

func RejectMergeHandler(c echo.Context) error {
	return decideMerge(c, false)
}

func decideMerge(c echo.Context, confirm bool) error {
	type decideMergeResponse struct {
		Message   string                `json:"message"`
		Candidate *entity.MergeCandidate `json:"candidate,omitempty"`
	}

	id := c.Param("id")
	if !util.HasPrefix(id, entity.CandidateIDPrefix) {
		return badRequest(c, "Invalid merge candidate id")
	}

	ac, user := appContext(c)
	ctx := audit.WithActor(c.Request().Context(), user.Actor())
	registry := ac.App.Engine.Registry()

	var (
		cand entity.MergeCandidate
		err  error
	)
	if confirm {
		cand, err = registry.ConfirmMerge(ctx, id, user.Actor())
	} else {
		cand, err = registry.RejectMerge(ctx, id, user.Actor())
	}
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, decideMergeResponse{
		Message:   "Merge candidate " + string(cand.Status),
		Candidate: &cand,
	})
}
