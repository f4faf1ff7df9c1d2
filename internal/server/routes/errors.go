package routes

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/casetrace/backend/internal/server/middleware"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/engine"
	"github.com/casetrace/backend/pkg/entity"
	"github.com/casetrace/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

type messageResponse struct {
	Message string `json:"message"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, messageResponse{Message: msg})
}

// errorResponse maps engine errors to status codes.
func errorResponse(c echo.Context, err error) error {
	switch {
	case common.IsValidation(err), errors.Is(err, engine.ErrInvalidQuery):
		return c.JSON(http.StatusBadRequest, messageResponse{Message: err.Error()})
	case errors.Is(err, common.ErrNotFound):
		return c.JSON(http.StatusNotFound, messageResponse{Message: "Not found"})
	case errors.Is(err, common.ErrMergeAmbiguous), errors.Is(err, entity.ErrCandidateDecided):
		return c.JSON(http.StatusConflict, messageResponse{Message: err.Error()})
	}
	logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Internal server error"})
}

func appContext(c echo.Context) (*middleware.AppContext, *middleware.AppUser) {
	ac := c.(*middleware.AppContext)
	return ac, ac.User
}

func entityParam(c echo.Context) (common.EntityID, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("Invalid entity id")
	}
	return common.EntityID(id), nil
}

// timeParam parses an optional RFC 3339 query parameter.
func timeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("Invalid " + name + ", expected RFC 3339")
	}
	return t, nil
}
